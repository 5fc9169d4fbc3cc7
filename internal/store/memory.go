package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process SnapshotStore used when no DATABASE_URL
// is configured, and by tests. Data does not survive a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	metas map[string]TreeMeta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		metas: make(map[string]TreeMeta),
	}
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, treeID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[treeID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, treeID string, blob []byte, meta TreeMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := make([]byte, len(blob))
	copy(saved, blob)
	s.blobs[treeID] = saved

	now := time.Now()
	meta.TreeID = treeID
	meta.UpdatedAt = now
	if prev, ok := s.metas[treeID]; ok {
		meta.CreatedAt = prev.CreatedAt
		if meta.Owner == "" {
			meta.Owner = prev.Owner
		}
	} else {
		meta.CreatedAt = now
	}
	s.metas[treeID] = meta
	return nil
}

func (s *MemoryStore) GetMeta(_ context.Context, treeID string) (TreeMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metas[treeID]
	if !ok {
		return TreeMeta{}, ErrNotFound
	}
	return meta, nil
}

func (s *MemoryStore) ListMeta(_ context.Context) ([]TreeMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]TreeMeta, 0, len(s.metas))
	for _, meta := range s.metas {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].UpdatedAt.After(metas[j].UpdatedAt) })
	return metas, nil
}

// SearchMeta mirrors the Postgres fallback search for in-memory runs.
func (s *MemoryStore) SearchMeta(_ context.Context, text string, limit int) ([]TreeMeta, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(text)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var metas []TreeMeta
	for _, meta := range s.metas {
		if strings.Contains(strings.ToLower(meta.Title), needle) ||
			strings.Contains(strings.ToLower(meta.NodeTitles), needle) {
			metas = append(metas, meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].UpdatedAt.After(metas[j].UpdatedAt) })
	if len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
