package vfs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/prusa3d/connect-printer-sdk/pkg/printerlog"
	"go.uber.org/zap"
)

// FilesystemWatcher abstracts the platform mechanism that detects
// out-of-band filesystem changes (spec's design note: "inotify / kqueue
// / ReadDirectoryChangesW / polling are all valid implementations").
// A concrete watcher calls Tree.EmitFileChanged for every change it
// observes; the Tree itself never touches the OS filesystem.
type FilesystemWatcher interface {
	// Watch blocks until ctx is cancelled, invoking onChange for every
	// detected create/modify/delete under root.
	Watch(ctx context.Context, root string, onChange func(path string, kind ChangeKind)) error
}

// PollingWatcher is a portable FilesystemWatcher fallback: it stats the
// tree on an interval and diffs against its last snapshot. Modeled on
// the teacher's phase0/internal/watcher/watcher.go scan loop, adapted
// from a flat single-subscriber channel into the Tree's onChange
// callback shape and widened to report create/modify/delete instead of
// only modify.
type PollingWatcher struct {
	Interval time.Duration
}

// NewPollingWatcher builds a PollingWatcher with the given scan
// interval, defaulting to 2s.
func NewPollingWatcher(interval time.Duration) *PollingWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollingWatcher{Interval: interval}
}

func (w *PollingWatcher) Watch(ctx context.Context, root string, onChange func(path string, kind ChangeKind)) error {
	state, err := w.scan(root)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next, err := w.scan(root)
			if err != nil {
				printerlog.Warn("vfs: poll scan failed", zap.Error(err))
				continue
			}
			diff(state, next, onChange)
			state = next
		}
	}
}

func (w *PollingWatcher) scan(root string) (map[string]int64, error) {
	state := make(map[string]int64)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best effort: transient stat errors don't abort the scan
		}
		if info.IsDir() {
			return nil
		}
		state[path] = info.ModTime().Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func diff(prev, next map[string]int64, onChange func(path string, kind ChangeKind)) {
	for path, mtime := range next {
		if prevMtime, existed := prev[path]; !existed {
			onChange(path, ChangeCreated)
		} else if prevMtime != mtime {
			onChange(path, ChangeModified)
		}
	}
	for path := range prev {
		if _, stillExists := next[path]; !stillExists {
			onChange(path, ChangeDeleted)
		}
	}
}
