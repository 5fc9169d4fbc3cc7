package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.LoadSnapshot(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unseen tree, got %v", err)
	}

	blob := []byte("opaque-state")
	if err := s.SaveSnapshot(ctx, "t1", blob, TreeMeta{Title: "My Tree", NodeCount: 3}); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	got, err := s.LoadSnapshot(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("snapshot corrupted: %q", got)
	}

	meta, err := s.GetMeta(ctx, "t1")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if meta.Title != "My Tree" || meta.NodeCount != 3 {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if meta.CreatedAt.IsZero() || meta.UpdatedAt.IsZero() {
		t.Fatal("timestamps must be set")
	}
}

func TestMemoryStoreMetaNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetMeta(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSavePreservesCreatedAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, "t1", []byte("v1"), TreeMeta{Title: "A"}); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetMeta(ctx, "t1")

	if err := s.SaveSnapshot(ctx, "t1", []byte("v2"), TreeMeta{Title: "B"}); err != nil {
		t.Fatal(err)
	}
	second, _ := s.GetMeta(ctx, "t1")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("re-saving must not change created_at")
	}
	if second.Title != "B" {
		t.Fatalf("expected updated title, got %q", second.Title)
	}
}

func TestMemoryStoreSearch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.SaveSnapshot(ctx, "t1", []byte("x"), TreeMeta{Title: "Project Plan", NodeTitles: "roadmap budget"})
	_ = s.SaveSnapshot(ctx, "t2", []byte("y"), TreeMeta{Title: "Groceries", NodeTitles: "milk eggs"})

	hits, err := s.SearchMeta(ctx, "budget", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].TreeID != "t1" {
		t.Fatalf("expected t1 only, got %+v", hits)
	}
}
