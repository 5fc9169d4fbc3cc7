package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements SnapshotStore on two tables: tree_snapshots
// for the opaque state blob and tree_meta for the lightweight record.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, treeID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM tree_snapshots WHERE tree_id=$1`, treeID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", treeID, err)
	}
	return blob, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, treeID string, blob []byte, meta TreeMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", treeID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tree_snapshots (tree_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tree_id) DO UPDATE SET state=EXCLUDED.state, updated_at=NOW()
	`, treeID, blob); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save snapshot %s: %w", treeID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tree_meta (tree_id, owner, title, node_count, node_titles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (tree_id) DO UPDATE SET
			title=EXCLUDED.title,
			node_count=EXCLUDED.node_count,
			node_titles=EXCLUDED.node_titles,
			updated_at=NOW()
	`, treeID, meta.Owner, meta.Title, meta.NodeCount, meta.NodeTitles); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("save meta %s: %w", treeID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", treeID, err)
	}
	return nil
}

func (s *PostgresStore) GetMeta(ctx context.Context, treeID string) (TreeMeta, error) {
	var meta TreeMeta
	err := s.db.QueryRowContext(ctx, `
		SELECT tree_id, owner, title, node_count, node_titles, created_at, updated_at
		FROM tree_meta WHERE tree_id=$1
	`, treeID).Scan(&meta.TreeID, &meta.Owner, &meta.Title, &meta.NodeCount, &meta.NodeTitles, &meta.CreatedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TreeMeta{}, ErrNotFound
	}
	if err != nil {
		return TreeMeta{}, fmt.Errorf("get meta %s: %w", treeID, err)
	}
	return meta, nil
}

func (s *PostgresStore) ListMeta(ctx context.Context) ([]TreeMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tree_id, owner, title, node_count, node_titles, created_at, updated_at
		FROM tree_meta ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list meta: %w", err)
	}
	defer rows.Close()

	var metas []TreeMeta
	for rows.Next() {
		var meta TreeMeta
		if err := rows.Scan(&meta.TreeID, &meta.Owner, &meta.Title, &meta.NodeCount, &meta.NodeTitles, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// SearchMeta is the Postgres-side fallback for tree search: a substring
// match over the title and flattened node titles.
func (s *PostgresStore) SearchMeta(ctx context.Context, text string, limit int) ([]TreeMeta, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tree_id, owner, title, node_count, node_titles, created_at, updated_at
		FROM tree_meta
		WHERE title ILIKE '%' || $1 || '%' OR node_titles ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC
		LIMIT $2
	`, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search meta: %w", err)
	}
	defer rows.Close()

	var metas []TreeMeta
	for rows.Next() {
		var meta TreeMeta
		if err := rows.Scan(&meta.TreeID, &meta.Owner, &meta.Title, &meta.NodeCount, &meta.NodeTitles, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
