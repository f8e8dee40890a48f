package vfs

import "errors"

// Sentinel errors matching the fault conditions spec.md §4.3/§7 names
// explicitly; callers switch on these with errors.Is.
var (
	ErrAlreadyMounted = errors.New("vfs: storage already mounted")
	ErrNotFound       = errors.New("vfs: node not found")
	ErrNameInvalid    = errors.New("vfs: invalid node name")
	ErrPathNotFound   = errors.New("vfs: parent path not found")
	ErrNotEmpty       = errors.New("vfs: folder not empty")
	ErrNotAFolder     = errors.New("vfs: node is not a folder")
	ErrNotAFile       = errors.New("vfs: node is not a file")
	ErrReadOnly       = errors.New("vfs: storage is read-only")
)
