package cachestore

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tweag/resourcetracker/internal/logging"
)

// InvalidationWatcher notices when another process's GC sweep (spec.md
// §3: "a soft tombstone swept by an external GC pass") removes a cache
// file or its sidecar out from under this process, and calls back so
// the interned Resource can be invalidated instead of trusting stale
// in-memory state. Grounded on the teacher's fs/watcher.ManifestWatcher,
// which follows the same notify-then-reconcile shape for a different
// file.
type InvalidationWatcher struct {
	fsWatcher *fsnotify.Watcher
	onRemoved func(path string)
	closeOnce sync.Once
}

// NewInvalidationWatcher creates a watcher with an empty watch set;
// rootDir is not used, and directories are added with Watch. Once
// Start runs, onRemoved is invoked (from the watcher goroutine) with the
// path of every file removed or renamed inside a watched directory.
func NewInvalidationWatcher(rootDir string, onRemoved func(path string)) (*InvalidationWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &InvalidationWatcher{fsWatcher: fsWatcher, onRemoved: onRemoved}, nil
}

// Start begins watching in the background until ctx is cancelled.
func (w *InvalidationWatcher) Start(ctx context.Context) {
	go func() {
		defer w.Stop()
		for {
			select {
			case event, ok := <-w.fsWatcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					logging.Debugf("cache file externally invalidated: %s", event.Name)
					w.onRemoved(event.Name)
				}
			case err, ok := <-w.fsWatcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("cache invalidation watcher: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Watch adds a directory to the watch set. It is safe to call multiple
// times for the same path.
func (w *InvalidationWatcher) Watch(dir string) error {
	return w.fsWatcher.Add(dir)
}

// Stop releases the underlying inotify/kqueue handle.
func (w *InvalidationWatcher) Stop() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsWatcher.Close()
	})
	return err
}
