package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexFile indexes a synced file (fire-and-forget to Meilisearch).
func (s *Service) IndexFile(f FileEntry) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexFile(f); err != nil {
			log.Printf("search: index file %s: %v", f.ID, err)
		}
	}()
}

// IndexDocument indexes a document snapshot (fire-and-forget to Meilisearch).
func (s *Service) IndexDocument(d DocumentEntry) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(d); err != nil {
			log.Printf("search: index document %s: %v", d.ID, err)
		}
	}()
}

// DeleteFile removes a file from the search index (fire-and-forget).
func (s *Service) DeleteFile(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteFile(id); err != nil {
			log.Printf("search: delete file %s: %v", id, err)
		}
	}()
}

// DeleteDocument removes a document from the search index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			log.Printf("search: delete document %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called at startup if Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	files, documents, err := s.pgfts.LoadAllEntries(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	for _, f := range files {
		if err := s.meili.IndexFile(f); err != nil {
			log.Printf("search: reindex file %s: %v", f.ID, err)
		}
	}
	for _, d := range documents {
		if err := s.meili.IndexDocument(d); err != nil {
			log.Printf("search: reindex document %s: %v", d.ID, err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
