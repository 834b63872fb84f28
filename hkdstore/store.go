// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

// Package hkdstore provides the local durable store for the HKD POS sync
// core: per-collection JSON documents in SQLite plus the sync metadata that
// must survive restarts (outbox rows, pull watermarks, notification markers).
//
// Documents are schemaless maps keyed by "id". The store extracts the
// conflict-resolution fields (lastUpdated, _deleted) into real columns so the
// sync engine can query them without parsing every document.
package hkdstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStorage marks local store I/O failures. Callers should treat read
// failures as degradable (fall back to empty) and surface write failures.
var ErrStorage = errors.New("storage failure")

// Store is the SQLite-backed local durable store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the store schema on the given database and returns the
// store. The database is expected to be a per-device SQLite file (or
// :memory: in tests).
func Open(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying database for advanced callers (tests, tooling).
func (s *Store) DB() *sql.DB { return s.db }

func initializeSchema(db *sql.DB) error {
	// WAL keeps the UI responsive while the sync engine writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// One row per (collection, id). The doc column holds the full JSON
		// document; last_updated/deleted mirror the doc for cheap queries.
		`CREATE TABLE IF NOT EXISTS _store_documents (
			collection    TEXT NOT NULL,
			id            TEXT NOT NULL,
			doc           TEXT NOT NULL,
			last_updated  INTEGER NOT NULL DEFAULT 0,
			deleted       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, id)
		)`,

		// Pending mutation intents awaiting transmission, in insertion order.
		`CREATE TABLE IF NOT EXISTS _sync_outbox (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			type            TEXT NOT NULL,
			data            TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending'
			                CHECK (status IN ('pending','synced','error','dead')),
			timestamp       INTEGER NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			synced_at       INTEGER NOT NULL DEFAULT 0
		)`,

		// One watermark per entity collection, bounding incremental pulls.
		`CREATE TABLE IF NOT EXISTS _sync_watermark (
			store_name           TEXT PRIMARY KEY,
			last_sync_timestamp  INTEGER NOT NULL DEFAULT 0
		)`,

		// Ids the realtime listener has already notified about, so reconnect
		// replays do not re-fire side effects.
		`CREATE TABLE IF NOT EXISTS _sync_seen (
			collection  TEXT NOT NULL,
			id          TEXT NOT NULL,
			seen_at     INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create store table: %w", err)
		}
	}

	// Secondary index used for Owner.phone uniqueness checks.
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_phone
		ON _store_documents (collection, json_extract(doc, '$.phone'))
	`); err != nil {
		return fmt.Errorf("failed to create phone index: %w", err)
	}
	return nil
}

// Get returns the document with the given id, or nil when absent. Tombstoned
// documents (_deleted: true) are returned as-is; callers that only want live
// records must check the flag.
func (s *Store) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM _store_documents WHERE collection = ? AND id = ?
	`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrStorage, collection, id, err)
	}
	return decodeDoc(raw)
}

// GetAll returns every live (non-tombstoned) document in the collection.
func (s *Store) GetAll(ctx context.Context, collection string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM _store_documents
		WHERE collection = ? AND deleted = 0
		ORDER BY id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, collection, err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrStorage, collection, err)
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %v", ErrStorage, collection, err)
	}
	return docs, nil
}

// Put upserts the document by its "id" field. The upsert is a single atomic
// statement, so the realtime listener and sync engine may interleave safely.
func (s *Store) Put(ctx context.Context, collection string, doc map[string]any) error {
	id, _ := doc["id"].(string)
	if id == "" {
		return fmt.Errorf("%w: put %s: document missing id", ErrStorage, collection)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %v", ErrStorage, collection, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO _store_documents (collection, id, doc, last_updated, deleted)
		VALUES (?, ?, ?, ?, ?)
	`, collection, id, string(raw), docTimestamp(doc), boolToInt(docDeleted(doc)))
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrStorage, collection, id, err)
	}
	return nil
}

// Delete removes the document entirely. Soft deletion is a Put of a
// tombstoned document; this is the hard removal used when a remote tombstone
// is applied locally.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM _store_documents WHERE collection = ? AND id = ?
	`, collection, id); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrStorage, collection, id, err)
	}
	return nil
}

// GetByIndex returns the first live document whose top-level field equals the
// given value. Used for the Owner.phone uniqueness check.
func (s *Store) GetByIndex(ctx context.Context, collection, field string, value any) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM _store_documents
		WHERE collection = ? AND deleted = 0 AND json_extract(doc, '$.'||?) = ?
		LIMIT 1
	`, collection, field, value).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: index %s.%s: %v", ErrStorage, collection, field, err)
	}
	return decodeDoc(raw)
}

// FindByField returns every live document whose top-level field equals the
// given value (e.g. all products of one category).
func (s *Store) FindByField(ctx context.Context, collection, field string, value any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM _store_documents
		WHERE collection = ? AND deleted = 0 AND json_extract(doc, '$.'||?) = ?
		ORDER BY id
	`, collection, field, value)
	if err != nil {
		return nil, fmt.Errorf("%w: find %s.%s: %v", ErrStorage, collection, field, err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrStorage, collection, err)
		}
		doc, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %v", ErrStorage, collection, err)
	}
	return docs, nil
}

// SweepTombstones hard-removes tombstoned documents whose lastUpdated is
// older than the cutoff. Tombstones must outlive the sync round-trip; the
// engine calls this with a retention window of days, not seconds.
func (s *Store) SweepTombstones(ctx context.Context, olderThan int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM _store_documents WHERE deleted = 1 AND last_updated < ?
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep tombstones: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func decodeDoc(raw string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: decode document: %v", ErrStorage, err)
	}
	return doc, nil
}

// docTimestamp reads lastUpdated from a document, tolerating the numeric
// types JSON decoding produces.
func docTimestamp(doc map[string]any) int64 {
	switch v := doc["lastUpdated"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func docDeleted(doc map[string]any) bool {
	v, _ := doc["_deleted"].(bool)
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
