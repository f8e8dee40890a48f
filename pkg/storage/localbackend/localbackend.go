// Package localbackend implements storage.Backend over the local
// filesystem using os and golang.org/x/sys/unix.Statfs for free/total
// space accounting, grounded on the teacher's os-backed cache writer
// (shared/pkg/cache/cache.go) generalized from a write-only content
// cache into the full read/write/stat/unlink/mkdir/listdir/statvfs
// surface StorageBackend requires (spec.md §6).
package localbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prusa3d/connect-printer-sdk/pkg/storage"
	"golang.org/x/sys/unix"
)

// Backend roots every path under Root, the same way a printer mounts a
// physical SD card or USB stick at a filesystem path.
type Backend struct {
	Root string
}

// New creates a Backend rooted at root. The directory must already exist.
func New(root string) *Backend {
	return &Backend{Root: root}
}

func (b *Backend) resolve(path string) string {
	return filepath.Join(b.Root, filepath.FromSlash(path))
}

func (b *Backend) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	return os.Open(b.resolve(path))
}

// OpenWrite writes to a temp file in the same directory and renames it
// into place on Close, matching the teacher's atomic-write discipline
// (shared/pkg/cache/cache.go Put) so a crash mid-transfer never leaves a
// half-written file at the destination path.
func (b *Backend) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	target := b.resolve(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir parent: %w", err)
	}
	f, err := os.Create(target + ".tmp")
	if err != nil {
		return nil, err
	}
	return &atomicWriter{f: f, target: target}, nil
}

type atomicWriter struct {
	f      *os.File
	target string
}

func (w *atomicWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *atomicWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	return os.Rename(w.f.Name(), w.target)
}

func (b *Backend) Stat(ctx context.Context, path string) (storage.FileInfo, error) {
	info, err := os.Stat(b.resolve(path))
	if err != nil {
		return storage.FileInfo{}, err
	}
	return storage.FileInfo{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

func (b *Backend) Unlink(ctx context.Context, path string) error {
	return os.Remove(b.resolve(path))
}

func (b *Backend) Mkdir(ctx context.Context, path string) error {
	return os.MkdirAll(b.resolve(path), 0o755)
}

func (b *Backend) Listdir(ctx context.Context, path string) ([]storage.FileInfo, error) {
	entries, err := os.ReadDir(b.resolve(path))
	if err != nil {
		return nil, err
	}

	out := make([]storage.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, storage.FileInfo{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir(), ModTime: info.ModTime()})
	}
	return out, nil
}

// Statvfs reports free/total space for the backend's root filesystem
// via the statfs(2) syscall.
func (b *Backend) Statvfs(ctx context.Context) (storage.SpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(b.Root, &stat); err != nil {
		return storage.SpaceInfo{}, fmt.Errorf("statfs %s: %w", b.Root, err)
	}
	blockSize := uint64(stat.Bsize)
	return storage.SpaceInfo{
		FreeBytes:  int64(stat.Bavail * blockSize),
		TotalBytes: int64(stat.Blocks * blockSize),
	}, nil
}
