// Package store persists tree snapshots and their lightweight metadata.
// The snapshot blob is opaque to this package: it is the document's own
// encoded state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no snapshot or metadata exists for a
// tree id. First access of a brand-new tree is expected to hit it.
var ErrNotFound = errors.New("store: tree not found")

// TreeMeta is the lightweight per-tree record kept alongside the
// snapshot blob.
type TreeMeta struct {
	TreeID     string    `json:"treeId"`
	Owner      string    `json:"owner"`
	Title      string    `json:"title"`
	NodeCount  int       `json:"nodeCount"`
	NodeTitles string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SnapshotStore is the persistence adapter contract. Implementations
// must treat the blob as opaque bytes.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, treeID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, treeID string, blob []byte, meta TreeMeta) error
	GetMeta(ctx context.Context, treeID string) (TreeMeta, error)
	ListMeta(ctx context.Context) ([]TreeMeta, error)
	SearchMeta(ctx context.Context, text string, limit int) ([]TreeMeta, error)
	Ping(ctx context.Context) error
	Close() error
}
