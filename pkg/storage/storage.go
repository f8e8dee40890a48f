// Package storage declares the StorageBackend boundary spec.md §6 names
// as the physical I/O delegate behind the SDK's in-memory filesystem
// model: open_read, open_write, stat, unlink, mkdir, listdir, statvfs.
// Two implementations live alongside it — pkg/storage/localbackend (os
// + golang.org/x/sys/unix) and pkg/storage/s3backend
// (aws-sdk-go-v2/service/s3) — to demonstrate the interface is genuinely
// pluggable rather than assuming a local disk.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist marks a path that does not exist. storagetest.Memory
// returns it; localbackend returns the os package's errors and
// s3backend returns the wrapped SDK error instead.
var ErrNotExist = errors.New("storage: path does not exist")

// FileInfo is the subset of file metadata a StorageBackend must report
// from Stat and Listdir.
type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// SpaceInfo is what Statvfs reports, consumed by pkg/vfs's
// get_space_info (spec §4.3).
type SpaceInfo struct {
	FreeBytes  int64
	TotalBytes int64
}

// Backend is the physical storage boundary. All paths are relative to
// the backend's own mount root, never absolute host paths — callers
// compose them from pkg/vfs.NodeInfo.Path with the storage's mount
// prefix stripped.
type Backend interface {
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	Unlink(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	Listdir(ctx context.Context, path string) ([]FileInfo, error)
	Statvfs(ctx context.Context) (SpaceInfo, error)
}
