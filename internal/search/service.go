package search

import (
	"context"
	"log"
	"strings"

	"arbor/api/internal/store"
)

// MetaSearcher is the fallback backend: a substring scan over persisted
// tree metadata. Both snapshot stores implement it.
type MetaSearcher interface {
	SearchMeta(ctx context.Context, text string, limit int) ([]store.TreeMeta, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// the metadata store.
type Service struct {
	meili    *Meili
	fallback MetaSearcher
}

// NewService creates a search service. meili may be nil when
// Meilisearch is not configured.
func NewService(meili *Meili, fallback MetaSearcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise the metadata store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to metadata scan: %v", err)
	}

	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	metas, err := s.fallback.SearchMeta(ctx, q.Text, limit)
	if err != nil {
		log.Printf("search: metadata scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results := make([]Result, 0, len(metas))
	for _, m := range metas {
		results = append(results, Result{
			TreeID:    m.TreeID,
			Title:     m.Title,
			Snippet:   matchingNodeTitle(m.NodeTitles, q.Text),
			NodeCount: m.NodeCount,
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexTree pushes one tree into Meilisearch, fire and forget. It is
// the flush hook called by the registry, so it must never block.
func (s *Service) IndexTree(treeID, title string, nodeTitles []string, nodeCount int) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := TreeRecord{TreeID: treeID, Title: title, NodeTitles: nodeTitles, NodeCount: nodeCount}
	go func() {
		if err := s.meili.IndexTree(rec); err != nil {
			log.Printf("search: index tree %s: %v", treeID, err)
		}
	}()
}

// DeleteTree removes a tree from the index, fire and forget.
func (s *Service) DeleteTree(treeID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTree(treeID); err != nil {
			log.Printf("search: delete tree %s: %v", treeID, err)
		}
	}()
}

// matchingNodeTitle picks the first newline-separated node title that
// contains the query text, as a snippet stand-in.
func matchingNodeTitle(nodeTitles, text string) string {
	needle := strings.ToLower(text)
	for _, title := range strings.Split(nodeTitles, "\n") {
		if needle != "" && strings.Contains(strings.ToLower(title), needle) {
			return title
		}
	}
	return ""
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
