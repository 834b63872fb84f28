// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGTreeStore is the Postgres-backed TreeStore. One row per node; subtree
// reads assemble descendants by path prefix.
type PGTreeStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGTreeStore creates the store and initializes its schema.
func NewPGTreeStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGTreeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGTreeStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize tree schema: %w", err)
	}
	return s, nil
}

func (s *PGTreeStore) initializeSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_nodes (
			path          TEXT PRIMARY KEY,
			doc           JSONB NOT NULL,
			last_updated  BIGINT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	// Prefix scans for subtree reads and deletes.
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_sync_nodes_prefix
		ON sync_nodes (path text_pattern_ops)
	`)
	return err
}

func (s *PGTreeStore) GetNode(ctx context.Context, path string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM sync_nodes WHERE path = $1`, path).Scan(&raw)
	own := map[string]any(nil)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &own); err != nil {
			return nil, fmt.Errorf("failed to decode node %s: %w", path, err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// Node itself absent; descendants may still exist.
	default:
		return nil, fmt.Errorf("failed to read node %s: %w", path, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT path, doc FROM sync_nodes WHERE path LIKE $1 || '/%' ORDER BY path
	`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subtree %s: %w", path, err)
	}
	defer rows.Close()

	rel := make(map[string]map[string]any)
	prefix := path + "/"
	for rows.Next() {
		var p string
		var docRaw []byte
		if err := rows.Scan(&p, &docRaw); err != nil {
			return nil, fmt.Errorf("failed to scan subtree row: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(docRaw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode node %s: %w", p, err)
		}
		rel[strings.TrimPrefix(p, prefix)] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subtree %s: %w", path, err)
	}

	if own == nil && len(rel) == 0 {
		return nil, nil
	}
	return assembleTree(own, rel), nil
}

func (s *PGTreeStore) PutNode(ctx context.Context, path string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", path, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_nodes (path, doc, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET doc = EXCLUDED.doc, last_updated = EXCLUDED.last_updated
	`, path, raw, docLastUpdated(doc))
	if err != nil {
		return fmt.Errorf("failed to put node %s: %w", path, err)
	}
	return nil
}

func (s *PGTreeStore) PatchNode(ctx context.Context, path string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode patch %s: %w", path, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_nodes (path, doc, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET
			doc = sync_nodes.doc || EXCLUDED.doc,
			last_updated = GREATEST(sync_nodes.last_updated, EXCLUDED.last_updated)
	`, path, raw, docLastUpdated(fields))
	if err != nil {
		return fmt.Errorf("failed to patch node %s: %w", path, err)
	}
	return nil
}

func (s *PGTreeStore) DeleteNode(ctx context.Context, path string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync_nodes WHERE path = $1 OR path LIKE $1 || '/%'
	`, path)
	if err != nil {
		return fmt.Errorf("failed to delete node %s: %w", path, err)
	}
	return nil
}

func docLastUpdated(doc map[string]any) int64 {
	switch v := doc["lastUpdated"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
