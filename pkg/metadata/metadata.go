// Package metadata implements the sidecar cache of extracted g-code
// metadata described in spec §4.3 ("Metadata cache"): for each file
// with a recognised extension, a record (thumbnail, estimated print
// time, layer height, material, …) is computed lazily by an external
// MetadataExtractor and keyed by (path, mtime, size) so it invalidates
// itself the moment the underlying file changes. The on-disk encoding
// and atomic-write discipline are grounded on the teacher's
// shared/pkg/cache/cache.go (temp file + rename, in-memory index
// guarding the directory).
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is the extracted metadata spec §4.3 names. Fields are left
// unset (zero value) when the extractor could not determine them.
type Record struct {
	Thumbnail        []byte            `json:"thumbnail,omitempty"`
	EstimatedTimeSec int64             `json:"estimated_time_sec,omitempty"`
	LayerHeightMM    float64           `json:"layer_height_mm,omitempty"`
	Material         string            `json:"material,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Empty reports whether extraction yielded nothing worth caching (spec
// §4.3: "If extraction yields an empty record, no cache entry is
// written").
func (r Record) Empty() bool {
	return len(r.Thumbnail) == 0 && r.EstimatedTimeSec == 0 && r.LayerHeightMM == 0 && r.Material == "" && len(r.Extra) == 0
}

// Extractor computes a Record for a file's content. Printer-type-specific
// parsing (thumbnail extraction, slicer header parsing) is intentionally
// kept out of this package — spec.md names it a pluggable boundary —
// and lives in the embedding application.
type Extractor interface {
	Extract(absolutePath string) (Record, error)
}

// key identifies one cache entry the way spec §4.3 specifies: the
// absolute path plus the file's mtime and size at extraction time, so a
// changed file never serves a stale record.
type key struct {
	Path  string `json:"path"`
	MTime int64  `json:"m_timestamp"`
	Size  int64  `json:"size"`
}

func (k key) sidecarName() string {
	return fmt.Sprintf(".%s.cache", filepath.Base(k.Path))
}

// entry is what's persisted to the sidecar file.
type entry struct {
	Key    key    `json:"key"`
	Record Record `json:"record"`
}

// Cache lazily extracts and persists Records next to the files they
// describe, invalidating on mtime/size change (spec §4.3).
type Cache struct {
	extractor Extractor

	mu  sync.Mutex
	hit map[string]entry // path -> last-known entry, to skip a stat+read on the hot path
}

// New builds a Cache backed by extractor.
func New(extractor Extractor) *Cache {
	return &Cache{extractor: extractor, hit: make(map[string]entry)}
}

// Get returns the metadata Record for path, computing and persisting it
// if absent or stale. It reports ok=false if extraction yielded an
// empty record (nothing is cached in that case, per spec).
func (c *Cache) Get(path string, mtime, size int64) (Record, bool, error) {
	k := key{Path: path, MTime: mtime, Size: size}

	c.mu.Lock()
	if cached, ok := c.hit[path]; ok && cached.Key == k {
		c.mu.Unlock()
		return cached.Record, true, nil
	}
	c.mu.Unlock()

	if onDisk, ok := c.readSidecar(k); ok {
		c.mu.Lock()
		c.hit[path] = onDisk
		c.mu.Unlock()
		return onDisk.Record, true, nil
	}

	rec, err := c.extractor.Extract(path)
	if err != nil {
		return Record{}, false, err
	}
	if rec.Empty() {
		c.Invalidate(path)
		return Record{}, false, nil
	}

	e := entry{Key: k, Record: rec}
	if err := c.writeSidecar(k, e); err != nil {
		return Record{}, false, err
	}

	c.mu.Lock()
	c.hit[path] = e
	c.mu.Unlock()
	return rec, true, nil
}

// Invalidate drops any cached record for path, in memory and on disk
// (spec §4.3: "Cache is invalidated when the file is modified or
// deleted").
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.hit, path)
	c.mu.Unlock()

	sidecar := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.cache", filepath.Base(path)))
	_ = os.Remove(sidecar)
}

func (c *Cache) readSidecar(k key) (entry, bool) {
	sidecar := filepath.Join(filepath.Dir(k.Path), k.sidecarName())
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, false
	}
	if e.Key != k {
		return entry{}, false // stale: the file changed since this sidecar was written
	}
	return e, true
}

// writeSidecar persists atomically: write to a temp file in the same
// directory, then rename over the target, matching the teacher's
// cache.Put write discipline so a crash mid-write never leaves a
// half-written sidecar behind.
func (c *Cache) writeSidecar(k key, e entry) error {
	sidecar := filepath.Join(filepath.Dir(k.Path), k.sidecarName())
	tmp := sidecar + ".tmp"

	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("write sidecar temp file: %w", err)
	}
	if err := os.Rename(tmp, sidecar); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename sidecar: %w", err)
	}
	return nil
}
