// Command vfs-mount exposes the storages configured for a printer-agent
// as a read-only FUSE mount for local debugging, grounded on the teacher's
// Inode-based filesystem (shared/pkg/fuse/fs.go's FruitFS/FruitNode)
// generalized from a caching cloud-drive client to direct
// storage.Backend listings and reads; pkg/vfs.NodeInfo serves only as
// the per-node attribute record.
//
// It is not part of the SDK's public embedding contract. It does not
// build a pkg/vfs.Tree: what it shows is each backend's own Listdir
// output, not the in-memory tree a running printer-agent presents to
// Connect.
package main

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/prusa3d/connect-printer-sdk/pkg/storage"
	"github.com/prusa3d/connect-printer-sdk/pkg/vfs"
)

// vfsNode is one entry in the mounted tree. CRITICAL: Getattr must
// never trigger a content read — only Open/Read touch the backend.
type vfsNode struct {
	fs.Inode

	backend storage.Backend
	path    string // backend-relative path, e.g. "/sub/file.gcode"
	info    vfs.NodeInfo
}

var _ fs.InodeEmbedder = (*vfsNode)(nil)
var _ fs.NodeGetattrer = (*vfsNode)(nil)
var _ fs.NodeLookuper = (*vfsNode)(nil)
var _ fs.NodeReaddirer = (*vfsNode)(nil)
var _ fs.NodeOpener = (*vfsNode)(nil)
var _ fs.NodeReader = (*vfsNode)(nil)

func attrFromInfo(out *gofuse.Attr, info vfs.NodeInfo) {
	if info.IsDir {
		out.Mode = 0755 | syscall.S_IFDIR
	} else {
		out.Mode = 0444 | syscall.S_IFREG // read-only mount
	}
	out.Size = uint64(info.Size)
	out.Mtime = uint64(info.MTime)
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func (n *vfsNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	attrFromInfo(&out.Attr, n.info)
	return 0
}

// Lookup lists the backend directory on every call rather than caching
// children in the node, since the backend (especially s3backend) is the
// single source of truth and this tool favors freshness over speed.
func (n *vfsNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.info.IsDir {
		return nil, syscall.ENOTDIR
	}

	entries, err := n.backend.Listdir(ctx, n.path)
	if err != nil {
		return nil, syscall.EIO
	}

	for _, e := range entries {
		if e.Name != name {
			continue
		}
		childPath := joinBackendPath(n.path, name)
		child := &vfsNode{
			backend: n.backend,
			path:    childPath,
			info: vfs.NodeInfo{
				Name:  e.Name,
				Path:  childPath,
				IsDir: e.IsDir,
				Size:  e.Size,
				MTime: e.ModTime.Unix(),
			},
		}
		attrFromInfo(&out.Attr, child.info)
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: mode}), 0
	}
	return nil, syscall.ENOENT
}

func (n *vfsNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.info.IsDir {
		return nil, syscall.ENOTDIR
	}
	entries, err := n.backend.Listdir(ctx, n.path)
	if err != nil {
		return nil, syscall.EIO
	}
	dirEntries := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		dirEntries = append(dirEntries, gofuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(dirEntries), 0
}

func (n *vfsNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.info.IsDir {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	r, err := n.backend.OpenRead(ctx, n.path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &readHandle{data: data}, gofuse.FOPEN_KEEP_CACHE, 0
}

func (n *vfsNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*readHandle)
	if !ok {
		return nil, syscall.EIO
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.data)) {
		return gofuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return gofuse.ReadResultData(h.data[off:end]), 0
}

// readHandle holds a whole-file read materialized on Open, mirroring
// the teacher's small-file fetch-then-serve path (fs.go's
// fetchFullContent) — this tool is for local inspection, not
// production-scale streaming of large gcode files.
type readHandle struct {
	mu   sync.Mutex
	data []byte
}

func joinBackendPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
