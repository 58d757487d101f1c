package app

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"

	"mosaic/sync/internal/blob"
	"mosaic/sync/internal/filesync"
	"mosaic/sync/internal/search"
	"mosaic/sync/internal/store"
	"mosaic/sync/internal/util"
)

// fileBackend adapts the Postgres store, the blob store and the search index
// into the reconciler's backend interface. Content is offloaded to object
// storage when a blob store is configured; the row then carries only the key.
type fileBackend struct {
	store  dataStore
	blobs  blob.Store
	search *search.Service
}

func (b *fileBackend) List(ctx context.Context, projectID string) ([]filesync.Record, error) {
	rows, err := b.store.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	records := make([]filesync.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, filesync.Record{
			ID:       row.ID,
			Path:     row.Path,
			Name:     row.Name,
			IsFolder: row.IsFolder,
			ParentID: row.ParentID,
		})
	}
	return records, nil
}

func (b *fileBackend) Create(ctx context.Context, projectID string, req filesync.CreateRequest) (filesync.Record, error) {
	prefix := "fil"
	if req.IsFolder {
		prefix = "dir"
	}
	id := util.NewID(prefix)

	in := store.CreateFile{
		ProjectID: projectID,
		Path:      req.Path,
		Name:      req.Name,
		IsFolder:  req.IsFolder,
		ParentID:  req.ParentID,
		Content:   req.Content,
	}
	if b.blobs != nil && !req.IsFolder {
		key := blob.Key(projectID, id)
		if err := b.blobs.Put(ctx, key, req.Content); err != nil {
			return filesync.Record{}, err
		}
		in.Content = nil
		in.BlobKey = key
	}

	row, err := b.store.InsertFile(ctx, id, in)
	if errors.Is(err, store.ErrConflict) {
		return filesync.Record{}, filesync.ErrConflict
	}
	if err != nil {
		return filesync.Record{}, err
	}

	if b.search != nil {
		b.search.IndexFile(search.FileEntry{
			ID:        row.ID,
			ProjectID: row.ProjectID,
			Path:      row.Path,
			Name:      row.Name,
			IsFolder:  row.IsFolder,
		})
	}

	return filesync.Record{
		ID:       row.ID,
		Path:     row.Path,
		Name:     row.Name,
		IsFolder: row.IsFolder,
		ParentID: row.ParentID,
	}, nil
}

func (b *fileBackend) Update(ctx context.Context, id string, content []byte) error {
	if b.blobs == nil {
		return b.store.UpdateFileContent(ctx, id, content, "")
	}

	row, err := b.store.GetFile(ctx, id)
	if err != nil {
		return err
	}
	key := row.BlobKey
	if key == "" {
		key = blob.Key(row.ProjectID, id)
	}
	if err := b.blobs.Put(ctx, key, content); err != nil {
		return err
	}
	return b.store.UpdateFileContent(ctx, id, nil, key)
}

// Delete removes a record from every durable sink. Folder deletes take the
// whole subtree with them so the store never lists files whose directory is
// gone. An unknown id is a no-op.
func (b *fileBackend) Delete(ctx context.Context, id string) error {
	removed, err := b.store.DeleteFileTree(ctx, id)
	if err != nil {
		return err
	}
	for _, row := range removed {
		if b.blobs != nil && row.BlobKey != "" {
			if err := b.blobs.Remove(ctx, row.BlobKey); err != nil {
				log.Printf("app: remove blob %s: %v", row.BlobKey, err)
			}
		}
		if b.search != nil {
			b.search.DeleteFile(row.ID)
		}
	}
	return nil
}

// scratchFS reads sandbox content from the project's scratch directory.
type scratchFS struct {
	root string
}

func (f scratchFS) ReadFile(p string) ([]byte, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(p, "/"))
	return os.ReadFile(filepath.Join(f.root, rel))
}
