package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestDocumentHistoryLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Snapshot{
		Content: json.RawMessage(`[{"type":"hero","props":{"title":"Welcome"}}]`),
		Root:    json.RawMessage(`{"theme":"light"}`),
	}

	if err := svc.EnsureRepo("doc-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Idempotent on an existing repo.
	if err := svc.EnsureRepo("doc-1", Snapshot{}, "Avery"); err != nil {
		t.Fatalf("EnsureRepo() second call error = %v", err)
	}

	updated := initial
	updated.Content = json.RawMessage(`[{"type":"hero","props":{"title":"Updated"}}]`)
	commit, err := svc.CommitSnapshot("doc-1", updated, "Avery", "Update hero title")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	history, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Author != "Avery" {
		t.Errorf("unexpected author: %+v", history[0])
	}

	got, err := svc.GetByHash("doc-1", commit.Hash)
	if err != nil {
		t.Fatalf("GetByHash() error = %v", err)
	}
	if !bytes.Contains(got.Content, []byte("Updated")) {
		t.Fatalf("unexpected snapshot at %s: %s", commit.Hash, got.Content)
	}

	head, headCommit, err := svc.Head("doc-1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if headCommit.Hash != commit.Hash {
		t.Errorf("head commit %s, want %s", headCommit.Hash, commit.Hash)
	}
	if !bytes.Equal(head.Root, initial.Root) {
		t.Errorf("root lost in round-trip: %s", head.Root)
	}
}

func TestConcurrentCommitsSameDocument(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Snapshot{Content: json.RawMessage(`[]`)}
	if err := svc.EnsureRepo("doc-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := Snapshot{
				Content: json.RawMessage(fmt.Sprintf(`[{"v":%d}]`, idx)),
			}
			if _, err := svc.CommitSnapshot("doc-1", next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitSnapshot() concurrent error = %v", err)
		}
	}

	history, err := svc.History("doc-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d commits, got %d", writers+1, len(history))
	}
}
