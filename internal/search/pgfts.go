package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole service is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across project_files and
// document_snapshots using plainto_tsquery and ts_rank, with ts_headline
// for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Project files sub-query
	if q.FilterType == "" || q.FilterType == ResultFile {
		fileWhere := "f.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			fileWhere += fmt.Sprintf(" AND f.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'file'::text AS type, f.id, f.name AS title,
				ts_headline('english', f.path, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				f.project_id, f.path,
				ts_rank(f.fts, %s) AS rank
			FROM project_files f
			WHERE %s`, tsQuery, tsQuery, fileWhere))
	}

	// Document snapshots sub-query
	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "to_tsvector('english', coalesce(ds.content::text, '')) @@ " + tsQuery
		if q.FilterProjectID != "" {
			docWhere += fmt.Sprintf(" AND ds.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, ds.document_id AS id, ds.document_id AS title,
				ts_headline('english', coalesce(ds.content::text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ds.project_id, ''::text AS path,
				ts_rank(to_tsvector('english', coalesce(ds.content::text, '')), %s) AS rank
			FROM document_snapshots ds
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, path
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.Path); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllEntries returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllEntries(ctx context.Context) ([]FileEntry, []DocumentEntry, error) {
	fileRows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, path, name, is_folder
		FROM project_files
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load files: %w", err)
	}
	defer fileRows.Close()

	files := make([]FileEntry, 0)
	for fileRows.Next() {
		var f FileEntry
		if err := fileRows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Name, &f.IsFolder); err != nil {
			return nil, nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := fileRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate files: %w", err)
	}

	docRows, err := p.db.QueryContext(ctx, `
		SELECT document_id, project_id, coalesce(content::text, '')
		FROM document_snapshots
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentEntry, 0)
	for docRows.Next() {
		var d DocumentEntry
		if err := docRows.Scan(&d.ID, &d.ProjectID, &d.Text); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		d.Title = d.ID
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	return files, documents, nil
}
