// Package app is the HTTP application layer: it owns the service facade
// over the registry, store, search, and history, and the hand-routed
// HTTP surface in front of it.
package app

import (
	"context"
	"errors"

	"arbor/api/internal/history"
	"arbor/api/internal/registry"
	"arbor/api/internal/search"
	"arbor/api/internal/store"
	"arbor/api/internal/tree"
)

// Service wires the collaboration core to the HTTP surface.
type Service struct {
	registry *registry.Registry
	store    store.SnapshotStore
	search   *search.Service
	history  *history.Service
}

func NewService(reg *registry.Registry, st store.SnapshotStore, se *search.Service, hi *history.Service) *Service {
	return &Service{
		registry: reg,
		store:    st,
		search:   se,
		history:  hi,
	}
}

// UpdateTree applies one patch synchronously: the whole dictionary is
// validated and applied or nothing is, and the resulting delta reaches
// every connected session before the call returns.
func (s *Service) UpdateTree(ctx context.Context, treeID string, patch tree.Patch) error {
	handle, err := s.registry.Acquire(ctx, treeID)
	if err != nil {
		return err
	}
	defer s.registry.Release(handle)

	delta, err := handle.Doc.ApplyPatch(patch)
	if err != nil {
		return errInvalidPatch(err)
	}
	if delta.Empty() {
		return nil
	}

	b, err := delta.Encode()
	if err != nil {
		return err
	}
	s.registry.Publish(treeID, "", registry.KindUpdate, b)
	return nil
}

// Trees returns the materialized view of every tree currently loaded in
// memory, keyed by tree id.
func (s *Service) Trees() map[string]tree.View {
	return s.registry.LoadedTrees()
}

// Tree returns one tree's materialized view, loading it from the store
// if needed. Unknown trees are a 404, not an implicit create.
func (s *Service) Tree(ctx context.Context, treeID string) (tree.View, error) {
	if view, ok := s.registry.LoadedTrees()[treeID]; ok {
		return view, nil
	}
	if _, err := s.store.GetMeta(ctx, treeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return tree.View{}, errTreeNotFound()
		}
		return tree.View{}, err
	}

	handle, err := s.registry.Acquire(ctx, treeID)
	if err != nil {
		return tree.View{}, err
	}
	defer s.registry.Release(handle)
	return handle.Doc.Materialize(), nil
}

// ListMeta returns persisted tree metadata, newest first.
func (s *Service) ListMeta(ctx context.Context) ([]store.TreeMeta, error) {
	return s.store.ListMeta(ctx)
}

// Meta returns one tree's persisted metadata.
func (s *Service) Meta(ctx context.Context, treeID string) (store.TreeMeta, error) {
	meta, err := s.store.GetMeta(ctx, treeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.TreeMeta{}, errTreeNotFound()
		}
		return store.TreeMeta{}, err
	}
	return meta, nil
}

// Search runs a full-text query over tree and node titles.
func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// History lists the archived snapshots of a tree, newest first.
func (s *Service) History(treeID string, limit int) ([]history.CommitInfo, error) {
	if s.history == nil {
		return []history.CommitInfo{}, nil
	}
	return s.history.History(treeID, limit)
}

// Ping checks store connectivity for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
