package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"mosaic/sync/internal/filesync"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		op       fsnotify.Op
		expected filesync.ChangeType
		emitted  bool
	}{
		{name: "create", op: fsnotify.Create, expected: filesync.ChangeAdded, emitted: true},
		{name: "write", op: fsnotify.Write, expected: filesync.ChangeModified, emitted: true},
		{name: "remove", op: fsnotify.Remove, expected: filesync.ChangeDeleted, emitted: true},
		{name: "rename", op: fsnotify.Rename, expected: filesync.ChangeDeleted, emitted: true},
		{name: "chmod only", op: fsnotify.Chmod, emitted: false},
		{name: "create and chmod", op: fsnotify.Create | fsnotify.Chmod, expected: filesync.ChangeAdded, emitted: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := classify(tc.op)
			if ok != tc.emitted {
				t.Fatalf("classify(%v) emitted=%v, want %v", tc.op, ok, tc.emitted)
			}
			if ok && got != tc.expected {
				t.Errorf("classify(%v) = %v, want %v", tc.op, got, tc.expected)
			}
		})
	}
}

func TestRelPath(t *testing.T) {
	w := &FSWatcher{root: "/sandbox/proj"}
	cases := map[string]string{
		"/sandbox/proj":           "/",
		"/sandbox/proj/a.txt":     "/a.txt",
		"/sandbox/proj/dir/b.txt": "/dir/b.txt",
	}
	for in, want := range cases {
		if got := w.relPath(in); got != want {
			t.Errorf("relPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatcherEmitsBatchedChanges(t *testing.T) {
	root := t.TempDir()
	w, err := NewWithWindow(root, 50*time.Millisecond)
	if err != nil {
		t.Skipf("fsnotify unavailable: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	seen := map[string]filesync.FileChange{}
	deadline := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case batch := <-w.Changes():
			for _, change := range batch {
				seen[change.Path] = change
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	file, ok := seen["/a.txt"]
	if !ok || file.IsDirectory {
		t.Errorf("expected file change for /a.txt, got %+v", seen)
	}
	dir, ok := seen["/docs"]
	if !ok || !dir.IsDirectory {
		t.Errorf("expected directory change for /docs, got %+v", seen)
	}
}
