// Package tamper is the Tamper Watcher: fsnotify-backed invalidation of the
// Exe Cache when a watched executable is modified or replaced on disk, with
// a re-stat fallback for when inotify's watch descriptor budget is
// exhausted. Grounded on the sigma Detection Engine's rule-directory
// watcher (same fsnotify event-loop shape, one level up from files to
// executables) and, for the degraded-mode idea, the Exe Cache's own
// capacity reasoning.
package tamper

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/snitchd/snitchd/procfs"
	"github.com/snitchd/snitchd/types"
)

// ChangeFunc is called once per watched path that was modified, removed, or
// renamed out from under its watch.
type ChangeFunc func(id types.ExeId, path string)

// Watcher holds one fsnotify watch per distinct executable path currently
// cached, falling back to periodic re-stat for paths added after the
// underlying inotify instance runs out of watch descriptors.
type Watcher struct {
	onChange ChangeFunc
	logger   *slog.Logger

	fs *fsnotify.Watcher

	mu       sync.Mutex
	byPath   map[string]types.ExeId
	pathByID map[types.ExeId]string
	fallback map[string]fallbackEntry
	degraded bool
}

type fallbackEntry struct {
	id       types.ExeId
	lastSeen types.ExeId
}

func New(onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		onChange: onChange,
		logger:   logger,
		fs:       fs,
		byPath:   make(map[string]types.ExeId),
		pathByID: make(map[types.ExeId]string),
		fallback: make(map[string]fallbackEntry),
	}, nil
}

// Watch begins watching path for modification. On inotify exhaustion it
// silently falls back to re-stat polling and logs once that the watcher is
// running in degraded mode.
func (w *Watcher) Watch(path string, id types.ExeId) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fs.Add(path); err != nil {
		if !w.degraded {
			w.degraded = true
			w.logger.Warn("tamper watcher degraded to re-stat fallback", "error", err)
		}
		w.fallback[path] = fallbackEntry{id: id, lastSeen: id}
		w.pathByID[id] = path
		return
	}
	w.byPath[path] = id
	w.pathByID[id] = path
}

// Unwatch stops watching path, called when the Exe Cache evicts the entry
// for reasons other than tamper detection (LRU capacity).
func (w *Watcher) Unwatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.byPath[path]; ok {
		w.fs.Remove(path)
		delete(w.byPath, path)
		delete(w.pathByID, id)
	}
	if entry, ok := w.fallback[path]; ok {
		delete(w.pathByID, entry.id)
	}
	delete(w.fallback, path)
}

// Forget unwatches whatever path is currently associated with id, if any. The
// Exe Cache's eviction callback calls this since it only knows the evicted
// identity, not the path that was watched on its behalf.
func (w *Watcher) Forget(id types.ExeId) {
	w.mu.Lock()
	path, ok := w.pathByID[id]
	w.mu.Unlock()
	if ok {
		w.Unwatch(path)
	}
}

// Run processes fsnotify events and drives the re-stat fallback poller until
// stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			w.fs.Close()
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("tamper watcher", "error", err)
		case <-ticker.C:
			w.pollFallback()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) == 0 {
		return
	}
	w.mu.Lock()
	id, ok := w.byPath[ev.Name]
	if ok {
		delete(w.byPath, ev.Name)
		delete(w.pathByID, id)
	}
	w.mu.Unlock()
	if ok {
		w.onChange(id, ev.Name)
	}
}

func (w *Watcher) pollFallback() {
	w.mu.Lock()
	paths := make(map[string]fallbackEntry, len(w.fallback))
	for p, e := range w.fallback {
		paths[p] = e
	}
	w.mu.Unlock()

	for path, entry := range paths {
		current, err := procfsStatPath(path)
		if err != nil || current != entry.lastSeen {
			w.mu.Lock()
			delete(w.fallback, path)
			delete(w.pathByID, entry.id)
			w.mu.Unlock()
			w.onChange(entry.id, path)
		}
	}
}

// procfsStatPath stats a binary path directly (not through /proc/<pid>/exe,
// since fallback watches are keyed by path, not by a live pid).
func procfsStatPath(path string) (types.ExeId, error) {
	return procfs.StatPath(path)
}
