// Package watcher observes the sandbox scratch filesystem and emits batched
// file changes for the reconciler. Ordering is best-effort: a file event may
// precede the event for its parent directory.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mosaic/sync/internal/filesync"
)

const defaultBatchWindow = 100 * time.Millisecond

// Detector is the change source the reconciler consumes.
type Detector interface {
	Changes() <-chan []filesync.FileChange
	Close() error
}

// FSWatcher watches a directory tree with fsnotify, translating native events
// into '/'-rooted FileChanges relative to the watched root.
type FSWatcher struct {
	root    string
	window  time.Duration
	watcher *fsnotify.Watcher
	changes chan []filesync.FileChange

	mu        sync.Mutex
	dirs      map[string]bool // relative '/'-rooted path -> known directory
	closed    bool
	closeOnce sync.Once
}

func New(root string) (*FSWatcher, error) {
	return NewWithWindow(root, defaultBatchWindow)
}

func NewWithWindow(root string, window time.Duration) (*FSWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FSWatcher{
		root:    root,
		window:  window,
		watcher: fsw,
		changes: make(chan []filesync.FileChange, 16),
		dirs:    make(map[string]bool),
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *FSWatcher) Changes() <-chan []filesync.FileChange {
	return w.changes
}

func (w *FSWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// addRecursive registers root and every subdirectory. fsnotify watches are
// not recursive on their own.
func (w *FSWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		if rel := w.relPath(path); rel != "/" {
			w.mu.Lock()
			w.dirs[rel] = true
			w.mu.Unlock()
		}
		return nil
	})
}

// run translates raw events and flushes them in small batches so one save
// that touches several files surfaces as a single burst.
func (w *FSWatcher) run() {
	var batch []filesync.FileChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = nil
		select {
		case w.changes <- out:
		default:
			log.Printf("watcher: dropping batch of %d changes, consumer too slow", len(out))
		}
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				flush()
				close(w.changes)
				return
			}
			if change, ok := w.translate(event); ok {
				batch = append(batch, change)
				if timer == nil {
					timer = time.NewTimer(w.window)
				} else {
					timer.Reset(w.window)
				}
				timerC = timer.C
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				continue
			}
			log.Printf("watcher: %v", err)
		case <-timerC:
			timerC = nil
			flush()
		}
	}
}

func (w *FSWatcher) translate(event fsnotify.Event) (filesync.FileChange, bool) {
	changeType, ok := classify(event.Op)
	if !ok {
		return filesync.FileChange{}, false
	}

	rel := w.relPath(event.Name)
	if rel == "/" {
		return filesync.FileChange{}, false
	}

	isDir := false
	switch changeType {
	case filesync.ChangeDeleted:
		// The path is gone; fall back to what we knew about it.
		w.mu.Lock()
		isDir = w.dirs[rel]
		delete(w.dirs, rel)
		w.mu.Unlock()
	default:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isDir = true
			w.mu.Lock()
			w.dirs[rel] = true
			w.mu.Unlock()
			if changeType == filesync.ChangeAdded {
				if err := w.addRecursive(event.Name); err != nil {
					log.Printf("watcher: watch new dir %s: %v", event.Name, err)
				}
			}
		}
	}

	return filesync.FileChange{Path: rel, Type: changeType, IsDirectory: isDir}, true
}

func (w *FSWatcher) relPath(name string) string {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + strings.TrimPrefix(filepath.ToSlash(rel), "./")
}

// classify maps a native op to a change type. Chmod-only events carry no
// content change and are ignored.
func classify(op fsnotify.Op) (filesync.ChangeType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return filesync.ChangeAdded, true
	case op.Has(fsnotify.Write):
		return filesync.ChangeModified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return filesync.ChangeDeleted, true
	default:
		return "", false
	}
}
