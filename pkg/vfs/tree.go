package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// rootID is always the arena's root folder; arena[0] is an unused
// sentinel so the zero NodeID can mean "no node".
const rootID NodeID = 1

// NodeInfo is an immutable snapshot of a node, safe to hand back to
// callers outside the Tree's lock.
type NodeInfo struct {
	ID          NodeID
	Name        string
	Path        string
	IsDir       bool
	ReadOnly    bool
	Size        int64
	MTime       int64
	StorageType StorageType
	FreeSpace   int64
	TotalSpace  int64
}

// Tree is the mounted virtual filesystem described in spec §4.3: a
// synthetic root holding one or more named storages. All mutation goes
// through a single RWMutex; producer contexts (telemetry, transfer,
// command handlers) may read and write concurrently, but every mutation
// is a short, non-blocking critical section.
type Tree struct {
	mu      sync.RWMutex
	arena   []*node
	nowFunc func() time.Time

	listeners []func(path string, kind ChangeKind)
}

// New creates an empty Tree with just the synthetic root "/". nowFunc
// defaults to time.Now when nil; tests supply a fixed clock.
func New(nowFunc func() time.Time) *Tree {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	t := &Tree{nowFunc: nowFunc}
	t.arena = append(t.arena, nil) // index 0 sentinel
	root := newFolder("/", 0, nowFunc().Unix())
	t.arena = append(t.arena, root)
	return t
}

// OnChange registers a callback invoked by EmitFileChanged and by
// mutating operations (create_folder, delete, mount, unmount) that
// spec §4.3 defines in terms of notifications. Multiple listeners may be
// registered (e.g. the event translator and pkg/transfer's
// deleted-mid-transfer watcher both subscribe).
func (t *Tree) OnChange(fn func(path string, kind ChangeKind)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tree) notify(path string, kind ChangeKind) {
	t.mu.RLock()
	listeners := append([]func(string, ChangeKind){}, t.listeners...)
	t.mu.RUnlock()
	for _, fn := range listeners {
		fn(path, kind)
	}
}

func (t *Tree) alloc(n *node) NodeID {
	t.arena = append(t.arena, n)
	return NodeID(len(t.arena) - 1)
}

func (t *Tree) get(id NodeID) *node {
	if id == 0 || int(id) >= len(t.arena) {
		return nil
	}
	return t.arena[id]
}

func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if !ValidName(p) {
			return nil, fmt.Errorf("%w: %q", ErrNameInvalid, p)
		}
	}
	return parts, nil
}

// walk resolves path to a NodeID under the given start node, without
// locking (callers hold t.mu).
func (t *Tree) walk(start NodeID, parts []string) (NodeID, error) {
	cur := start
	for _, part := range parts {
		n := t.get(cur)
		if n == nil || !n.isDir {
			return 0, ErrNotFound
		}
		child, ok := n.children[part]
		if !ok {
			return 0, ErrNotFound
		}
		cur = child
	}
	return cur, nil
}

func (t *Tree) nodePath(id NodeID) string {
	var segments []string
	for cur := id; cur != 0 && cur != rootID; {
		n := t.get(cur)
		if n == nil {
			break
		}
		segments = append([]string{n.name}, segments...)
		cur = n.parent
	}
	return "/" + strings.Join(segments, "/")
}

func (t *Tree) info(id NodeID) NodeInfo {
	n := t.get(id)
	return NodeInfo{
		ID:          id,
		Name:        n.name,
		Path:        t.nodePath(id),
		IsDir:       n.isDir,
		ReadOnly:    n.readOnly,
		Size:        n.size,
		MTime:       n.mtime,
		StorageType: n.storageType,
		FreeSpace:   n.freeSpace,
		TotalSpace:  n.totalSpace,
	}
}

// Mount attaches a new named storage as a direct child of the root
// (spec §4.3 mount). Fails ErrAlreadyMounted if the name is already in
// use at the top level.
func (t *Tree) Mount(name string, storageType StorageType, readOnly bool) (NodeInfo, error) {
	if !ValidName(name) {
		return NodeInfo{}, ErrNameInvalid
	}

	t.mu.Lock()

	root := t.get(rootID)
	if _, exists := root.children[name]; exists {
		t.mu.Unlock()
		return NodeInfo{}, ErrAlreadyMounted
	}

	n := newFolder(name, rootID, t.nowFunc().Unix())
	n.isStorageRoot = true
	n.storageType = storageType
	n.readOnly = readOnly
	n.lastUpdated = t.nowFunc()
	id := t.alloc(n)
	root.childOrder = append(root.childOrder, name)
	root.children[name] = id
	info := t.info(id)
	t.mu.Unlock()

	t.notify("/"+name, ChangeMounted)
	return info, nil
}

// Unmount detaches a mounted storage and emits MEDIUM_EJECTED via
// OnChange (spec §4.3 unmount). The caller is expected to translate the
// callback into an events.Event with Kind model.EventMediumEjected.
func (t *Tree) Unmount(name string) error {
	t.mu.Lock()
	root := t.get(rootID)
	_, exists := root.children[name]
	if !exists {
		t.mu.Unlock()
		return ErrNotFound
	}
	delete(root.children, name)
	root.childOrder = removeString(root.childOrder, name)
	t.mu.Unlock()
	t.notify("/"+name, ChangeUnmounted)
	return nil
}

func removeString(ss []string, target string) []string {
	for i, s := range ss {
		if s == target {
			return append(ss[:i], ss[i+1:]...)
		}
	}
	return ss
}

// Get resolves path to its NodeInfo (spec §4.3 get), failing ErrNotFound
// if it does not exist.
func (t *Tree) Get(path string) (NodeInfo, error) {
	parts, err := splitPath(path)
	if err != nil {
		return NodeInfo{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	id, err := t.walk(rootID, parts)
	if err != nil {
		return NodeInfo{}, err
	}
	return t.info(id), nil
}

// CreateFolder creates path (and is a no-op if it already exists as a
// folder). Fails ErrNameInvalid on validation failure and
// ErrPathNotFound when the immediate parent does not exist (spec §4.3
// create_folder — it does not create intermediate parents).
func (t *Tree) CreateFolder(path string, force bool) (NodeInfo, error) {
	parts, err := splitPath(path)
	if err != nil {
		return NodeInfo{}, err
	}
	if len(parts) == 0 {
		return t.Get("/")
	}

	t.mu.Lock()
	parentParts, leaf := parts[:len(parts)-1], parts[len(parts)-1]
	parentID, err := t.walk(rootID, parentParts)
	if err != nil {
		t.mu.Unlock()
		return NodeInfo{}, ErrPathNotFound
	}
	parent := t.get(parentID)
	if !parent.isDir {
		t.mu.Unlock()
		return NodeInfo{}, ErrPathNotFound
	}

	if existingID, ok := parent.children[leaf]; ok {
		existing := t.get(existingID)
		if existing.isDir {
			t.mu.Unlock()
			if force {
				return t.info(existingID), nil
			}
			return t.info(existingID), nil // create_folder is a no-op when the folder exists, forced or not
		}
		t.mu.Unlock()
		return NodeInfo{}, ErrNameInvalid
	}

	n := newFolder(leaf, parentID, t.nowFunc().Unix())
	id := t.alloc(n)
	parent.childOrder = append(parent.childOrder, leaf)
	parent.children[leaf] = id
	info := t.info(id)
	t.mu.Unlock()
	t.notify(info.Path, ChangeCreated)
	return info, nil
}

// CreateFile creates or overwrites a file at path with the given size,
// stamping mtime from the Tree's clock. Not named directly in spec.md's
// operation list, but required by pkg/transfer to materialize a
// completed download (spec §4.4's FINISHING step writes the destination
// node before emitting FILE_CHANGED).
func (t *Tree) CreateFile(path string, size int64) (NodeInfo, error) {
	parts, err := splitPath(path)
	if err != nil {
		return NodeInfo{}, err
	}
	if len(parts) == 0 {
		return NodeInfo{}, ErrNameInvalid
	}

	t.mu.Lock()
	parentParts, leaf := parts[:len(parts)-1], parts[len(parts)-1]
	parentID, err := t.walk(rootID, parentParts)
	if err != nil {
		t.mu.Unlock()
		return NodeInfo{}, ErrPathNotFound
	}
	parent := t.get(parentID)
	if !parent.isDir {
		t.mu.Unlock()
		return NodeInfo{}, ErrPathNotFound
	}
	if parent.readOnly {
		t.mu.Unlock()
		return NodeInfo{}, ErrReadOnly
	}

	kind := ChangeCreated
	now := t.nowFunc().Unix()
	if existingID, ok := parent.children[leaf]; ok {
		existing := t.get(existingID)
		if existing.isDir {
			t.mu.Unlock()
			return NodeInfo{}, ErrNotAFile
		}
		existing.size = size
		existing.mtime = now
		kind = ChangeModified
		info := t.info(existingID)
		t.mu.Unlock()
		t.notify(info.Path, kind)
		return info, nil
	}

	n := newFile(leaf, parentID, size, now)
	id := t.alloc(n)
	parent.childOrder = append(parent.childOrder, leaf)
	parent.children[leaf] = id
	info := t.info(id)
	t.mu.Unlock()
	t.notify(info.Path, kind)
	return info, nil
}

// Delete removes path. A non-empty folder fails ErrNotEmpty unless
// force is set (spec §4.3 delete).
func (t *Tree) Delete(path string, force bool) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return ErrNameInvalid // root is never deletable
	}

	t.mu.Lock()
	parentParts, leaf := parts[:len(parts)-1], parts[len(parts)-1]
	parentID, err := t.walk(rootID, parentParts)
	if err != nil {
		t.mu.Unlock()
		return ErrNotFound
	}
	parent := t.get(parentID)
	id, ok := parent.children[leaf]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	target := t.get(id)
	if target.isDir && len(target.children) > 0 && !force {
		t.mu.Unlock()
		return ErrNotEmpty
	}

	delete(parent.children, leaf)
	parent.childOrder = removeString(parent.childOrder, leaf)
	target.live = false
	fullPath := t.nodePath(id)
	t.mu.Unlock()
	t.notify(fullPath, ChangeDeleted)
	return nil
}

// EmitFileChanged notifies OnChange of an out-of-band change to path
// (spec §4.3 emit_file_changed) — used when a FilesystemWatcher observes
// a mutation the Tree itself did not perform, e.g. a file dropped onto
// an SD card outside the SDK.
func (t *Tree) EmitFileChanged(path string, kind ChangeKind) {
	parts, err := splitPath(path)
	if err != nil {
		return
	}
	if containsHidden(parts) {
		return
	}

	t.notify(path, kind)
}

func containsHidden(parts []string) bool {
	for _, p := range parts {
		if len(p) > 0 && p[0] == '.' {
			return true
		}
	}
	return false
}

// SetSpaceInfo updates a mounted storage's free/total byte counts, as
// reported by the owning pkg/storage.StorageBackend.
func (t *Tree) SetSpaceInfo(storage string, free, total int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	root := t.get(rootID)
	id, ok := root.children[storage]
	if !ok {
		return ErrNotFound
	}
	n := t.get(id)
	n.freeSpace = free
	n.totalSpace = total
	n.lastUpdated = t.nowFunc()
	return nil
}

// GetSpaceInfo returns a mounted storage's free/total byte counts
// (spec §4.3 get_space_info).
func (t *Tree) GetSpaceInfo(storage string) (free, total int64, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	root := t.get(rootID)
	id, ok := root.children[storage]
	if !ok {
		return 0, 0, ErrNotFound
	}
	n := t.get(id)
	return n.freeSpace, n.totalSpace, nil
}

// FlatEntry is one row of the flat listing get_info() produces for the
// SEND_INFO command (spec §4.3).
type FlatEntry struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size,omitempty"`
	MTime    int64  `json:"m_timestamp"`
	ReadOnly bool   `json:"read_only"`
}

// LegacyNode is the nested tree shape older Connect servers still parse
// (spec §4.3: "also emits the legacy nested structure for old servers").
type LegacyNode struct {
	Name     string       `json:"name"`
	IsDir    bool         `json:"is_dir"`
	Size     int64        `json:"size,omitempty"`
	MTime    int64        `json:"m_timestamp"`
	Children []LegacyNode `json:"children,omitempty"`
}

// Info bundles both serializations get_info() produces.
type Info struct {
	Flat   []FlatEntry
	Legacy LegacyNode
}

// GetInfo serializes the tree into the flat structure SEND_INFO sends
// plus the legacy nested structure, skipping hidden nodes and their
// descendants entirely (spec §4.3, §3 "excluded from emitted listings").
func (t *Tree) GetInfo() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var flat []FlatEntry
	var walk func(id NodeID, path string) LegacyNode
	walk = func(id NodeID, path string) LegacyNode {
		n := t.get(id)
		legacy := LegacyNode{Name: n.name, IsDir: n.isDir, Size: n.size, MTime: n.mtime}
		if !n.isDir {
			flat = append(flat, FlatEntry{Path: path, IsDir: false, Size: n.size, MTime: n.mtime, ReadOnly: n.readOnly})
			return legacy
		}

		flat = append(flat, FlatEntry{Path: path, IsDir: true, MTime: n.mtime, ReadOnly: n.readOnly})
		names := append([]string(nil), n.childOrder...)
		sort.Strings(names)
		for _, name := range names {
			if len(name) > 0 && name[0] == '.' {
				continue
			}
			childID := n.children[name]
			childPath := path + "/" + name
			if path == "/" {
				childPath = "/" + name
			}
			legacy.Children = append(legacy.Children, walk(childID, childPath))
		}
		return legacy
	}

	root := walk(rootID, "/")
	return Info{Flat: flat, Legacy: root}
}
