package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when an insert collides with an existing record,
// e.g. a file created at a path that already exists in the project.
var ErrConflict = errors.New("record already exists")

// ErrNotFound is returned when a lookup target does not exist.
var ErrNotFound = errors.New("record not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListFiles(ctx context.Context, projectID string) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, name, is_folder, COALESCE(parent_id, ''), COALESCE(blob_key, ''), updated_at
		FROM project_files
		WHERE project_id = $1
		ORDER BY path
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	items := make([]FileRecord, 0)
	for rows.Next() {
		var item FileRecord
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Path, &item.Name, &item.IsFolder, &item.ParentID, &item.BlobKey, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file records: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id string) (FileRecord, error) {
	var item FileRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, path, name, is_folder, COALESCE(parent_id, ''), COALESCE(blob_key, ''), updated_at
		FROM project_files
		WHERE id = $1
	`, id).Scan(&item.ID, &item.ProjectID, &item.Path, &item.Name, &item.IsFolder, &item.ParentID, &item.BlobKey, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertFile(ctx context.Context, id string, in CreateFile) (FileRecord, error) {
	var item FileRecord
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO project_files (id, project_id, path, name, is_folder, parent_id, content, blob_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''))
		RETURNING id, project_id, path, name, is_folder, COALESCE(parent_id, ''), COALESCE(blob_key, ''), updated_at
	`, id, in.ProjectID, in.Path, in.Name, in.IsFolder, in.ParentID, in.Content, in.BlobKey).
		Scan(&item.ID, &item.ProjectID, &item.Path, &item.Name, &item.IsFolder, &item.ParentID, &item.BlobKey, &item.UpdatedAt)
	if isUniqueViolation(err) {
		return FileRecord{}, ErrConflict
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("insert file: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateFileContent(ctx context.Context, id string, content []byte, blobKey string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE project_files
		SET content = $2, blob_key = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, id, content, blobKey)
	if err != nil {
		return fmt.Errorf("update file content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update file content rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetFileContent(ctx context.Context, id string) ([]byte, string, error) {
	var content []byte
	var blobKey string
	err := s.db.QueryRowContext(ctx, `
		SELECT content, COALESCE(blob_key, '') FROM project_files WHERE id = $1
	`, id).Scan(&content, &blobKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get file content: %w", err)
	}
	return content, blobKey, nil
}

// DeleteFileTree removes a file record and, for folders, every descendant
// under the folder's path in the same transaction. The removed records are
// returned so callers can clean up blobs and search entries. An unknown id
// removes nothing.
func (s *PostgresStore) DeleteFileTree(ctx context.Context, id string) ([]FileRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID, path string
	var isFolder bool
	err = tx.QueryRowContext(ctx, `
		SELECT project_id, path, is_folder FROM project_files WHERE id = $1
	`, id).Scan(&projectID, &path, &isFolder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up file for delete: %w", err)
	}

	query := `
		DELETE FROM project_files
		WHERE id = $1
		RETURNING id, project_id, path, name, is_folder, COALESCE(parent_id, ''), COALESCE(blob_key, ''), updated_at
	`
	args := []any{id}
	if isFolder {
		query = `
			DELETE FROM project_files
			WHERE project_id = $1 AND (path = $2 OR starts_with(path, $2 || '/'))
			RETURNING id, project_id, path, name, is_folder, COALESCE(parent_id, ''), COALESCE(blob_key, ''), updated_at
		`
		args = []any{projectID, path}
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete file tree: %w", err)
	}
	defer rows.Close()

	var removed []FileRecord
	for rows.Next() {
		var item FileRecord
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Path, &item.Name, &item.IsFolder, &item.ParentID, &item.BlobKey, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deleted record: %w", err)
		}
		removed = append(removed, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted records: %w", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete tx: %w", err)
	}
	return removed, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, documentID string) (DocumentSnapshot, error) {
	var snap DocumentSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, project_id, content, root, updated_by_name, updated_at
		FROM document_snapshots
		WHERE document_id = $1
	`, documentID).Scan(&snap.DocumentID, &snap.ProjectID, &snap.Content, &snap.Root, &snap.UpdatedBy, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentSnapshot{}, ErrNotFound
	}
	if err != nil {
		return DocumentSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap DocumentSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (document_id, project_id, content, root, updated_by_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (document_id) DO UPDATE
		SET content = EXCLUDED.content, root = EXCLUDED.root,
			updated_by_name = EXCLUDED.updated_by_name, updated_at = NOW()
	`, snap.DocumentID, snap.ProjectID, snap.Content, snap.Root, snap.UpdatedBy)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
