// Package vfs implements the mounted virtual filesystem tree of spec §4.3:
// a synthetic root holding named storages, each a tree of files and
// folders. Nodes are arena-indexed (referenced by a stable NodeID rather
// than by pointer) specifically to avoid the parent-back-reference cycle
// the teacher's pointer-based shared/pkg/tree/tree.go and
// shared/pkg/models/filenode.go accept — a printer's filesystem tree is
// long-lived and mutated from multiple producer contexts, so a structure
// a garbage collector can reason about without cycles, and that can be
// locked as a flat table, is worth the indirection.
package vfs

import "time"

// NodeID identifies a node within a Tree's arena. The zero value never
// refers to a live node.
type NodeID uint32

// StorageType enumerates the kinds of storage a mount point represents.
type StorageType string

const (
	StorageLocal  StorageType = "LOCAL"
	StorageSDCard StorageType = "SDCARD"
	StorageUSB    StorageType = "USB"
)

// ChangeKind enumerates the kinds of change emit_file_changed reports
// (spec §4.3).
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "CREATED"
	ChangeModified ChangeKind = "MODIFIED"
	ChangeDeleted  ChangeKind = "DELETED"

	// ChangeMounted and ChangeUnmounted are reported only for a
	// top-level storage root (Mount/Unmount), distinct from ordinary
	// file CRUD, so subscribers can tell a MEDIUM_INSERTED/EJECTED
	// notification apart from a FILE_CHANGED one (spec §4.3).
	ChangeMounted   ChangeKind = "MOUNTED"
	ChangeUnmounted ChangeKind = "UNMOUNTED"
)

// node is the arena slot backing one file or folder. Folders hold
// children in a name->NodeID map, so lookup by name is O(1), plus a
// childOrder slice for listing order, which delete scans in O(children).
type node struct {
	name    string
	isDir   bool
	readOnly bool
	mtime   int64 // seconds since epoch, 64-bit signed (spec §3: Y2038-safe)
	parent  NodeID
	live    bool

	// file fields
	size int64

	// folder fields
	childOrder []string
	children   map[string]NodeID

	// storage-root fields (only set when this folder is a mount point)
	isStorageRoot bool
	storageType   StorageType
	freeSpace     int64
	totalSpace    int64
	lastUpdated   time.Time
}

func newFolder(name string, parent NodeID, mtime int64) *node {
	return &node{
		name:     name,
		isDir:    true,
		parent:   parent,
		mtime:    mtime,
		live:     true,
		children: make(map[string]NodeID),
	}
}

func newFile(name string, parent NodeID, size, mtime int64) *node {
	return &node{
		name:   name,
		isDir:  false,
		parent: parent,
		mtime:  mtime,
		live:   true,
		size:   size,
	}
}

// hidden reports whether the node's own name marks it hidden (spec §3:
// a leading '.' hides the node and, transitively, everything under it).
func (n *node) hidden() bool {
	return len(n.name) > 0 && n.name[0] == '.'
}
