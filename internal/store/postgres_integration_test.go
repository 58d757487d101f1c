package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// openTestDB connects to the database named by MOSAIC_TEST_DATABASE_URL,
// resets the public schema and applies all migrations. Tests skip when the
// variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("MOSAIC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MOSAIC_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestFileRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	dir, err := s.InsertFile(ctx, "dir_1", CreateFile{
		ProjectID: "proj-1",
		Path:      "src",
		Name:      "src",
		IsFolder:  true,
	})
	if err != nil {
		t.Fatalf("insert dir: %v", err)
	}

	file, err := s.InsertFile(ctx, "fil_1", CreateFile{
		ProjectID: "proj-1",
		Path:      "src/main.js",
		Name:      "main.js",
		ParentID:  dir.ID,
		Content:   []byte("console.log(1)"),
	})
	if err != nil {
		t.Fatalf("insert file: %v", err)
	}
	if file.ParentID != dir.ID {
		t.Errorf("parent id %q, want %q", file.ParentID, dir.ID)
	}

	// Same path in the same project must conflict.
	_, err = s.InsertFile(ctx, "fil_2", CreateFile{
		ProjectID: "proj-1",
		Path:      "src/main.js",
		Name:      "main.js",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Same path in another project is fine.
	if _, err := s.InsertFile(ctx, "fil_3", CreateFile{
		ProjectID: "proj-2",
		Path:      "src/main.js",
		Name:      "main.js",
	}); err != nil {
		t.Fatalf("insert in other project: %v", err)
	}

	if err := s.UpdateFileContent(ctx, file.ID, []byte("console.log(2)"), ""); err != nil {
		t.Fatalf("update content: %v", err)
	}
	content, blobKey, err := s.GetFileContent(ctx, file.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if string(content) != "console.log(2)" || blobKey != "" {
		t.Errorf("content %q blobKey %q", content, blobKey)
	}

	if err := s.UpdateFileContent(ctx, "missing", nil, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	files, err := s.ListFiles(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 records in proj-1, got %d", len(files))
	}

	removed, err := s.DeleteFileTree(ctx, file.ID)
	if err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != file.ID {
		t.Fatalf("expected one removed record, got %+v", removed)
	}
	if _, err := s.GetFile(ctx, file.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteFileTreeRemovesDescendants(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	dir, err := s.InsertFile(ctx, "dir_1", CreateFile{
		ProjectID: "proj-1", Path: "a", Name: "a", IsFolder: true,
	})
	if err != nil {
		t.Fatalf("insert dir: %v", err)
	}
	sub, err := s.InsertFile(ctx, "dir_2", CreateFile{
		ProjectID: "proj-1", Path: "a/sub", Name: "sub", IsFolder: true, ParentID: dir.ID,
	})
	if err != nil {
		t.Fatalf("insert subdir: %v", err)
	}
	if _, err := s.InsertFile(ctx, "fil_1", CreateFile{
		ProjectID: "proj-1", Path: "a/sub/c.txt", Name: "c.txt", ParentID: sub.ID, BlobKey: "projects/proj-1/files/fil_1",
	}); err != nil {
		t.Fatalf("insert nested file: %v", err)
	}
	// A sibling whose path merely shares the prefix string must survive.
	if _, err := s.InsertFile(ctx, "fil_2", CreateFile{
		ProjectID: "proj-1", Path: "ab.txt", Name: "ab.txt",
	}); err != nil {
		t.Fatalf("insert sibling: %v", err)
	}
	// Same path in another project must survive.
	if _, err := s.InsertFile(ctx, "fil_3", CreateFile{
		ProjectID: "proj-2", Path: "a/sub/c.txt", Name: "c.txt",
	}); err != nil {
		t.Fatalf("insert other project: %v", err)
	}

	removed, err := s.DeleteFileTree(ctx, dir.ID)
	if err != nil {
		t.Fatalf("delete tree: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("expected 3 removed records, got %d: %+v", len(removed), removed)
	}
	keys := make(map[string]string, len(removed))
	for _, rec := range removed {
		keys[rec.ID] = rec.BlobKey
	}
	if keys["fil_1"] != "projects/proj-1/files/fil_1" {
		t.Errorf("removed records missing blob key: %+v", keys)
	}

	files, err := s.ListFiles(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 1 || files[0].Path != "ab.txt" {
		t.Fatalf("expected only ab.txt to survive, got %+v", files)
	}
	other, err := s.ListFiles(ctx, "proj-2")
	if err != nil {
		t.Fatalf("list other project: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("delete leaked into another project: %+v", other)
	}

	if removed, err := s.DeleteFileTree(ctx, "missing"); err != nil || len(removed) != 0 {
		t.Fatalf("expected no-op for unknown id, got %v %+v", err, removed)
	}
}

func TestSnapshotUpsert(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	first := DocumentSnapshot{
		DocumentID: "doc-1",
		ProjectID:  "proj-1",
		Content:    json.RawMessage(`[{"type":"hero"}]`),
		Root:       json.RawMessage(`{}`),
		UpdatedBy:  "alice",
	}
	if err := s.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	second := first
	second.Content = json.RawMessage(`[{"type":"text"}]`)
	second.UpdatedBy = "bob"
	if err := s.SaveSnapshot(ctx, second); err != nil {
		t.Fatalf("upsert snapshot: %v", err)
	}

	got, err := s.GetSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.UpdatedBy != "bob" {
		t.Errorf("updatedBy %q, want bob", got.UpdatedBy)
	}
	if !strings.Contains(string(got.Content), "text") {
		t.Errorf("content %s", got.Content)
	}

	if _, err := s.GetSnapshot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
