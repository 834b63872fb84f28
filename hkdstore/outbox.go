// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdstore

import (
	"context"
	"fmt"
)

// Outbox entry statuses.
const (
	OutboxPending = "pending"
	OutboxSynced  = "synced"
	OutboxError   = "error"
	OutboxDead    = "dead"
)

// OutboxEntry is one durable pending mutation intent. Data is the JSON
// document captured at mutation time; Type is the entity kind, with a
// "_delete" suffix for soft deletions.
type OutboxEntry struct {
	Seq           int64
	ID            string
	Type          string
	Data          string
	Status        string
	Timestamp     int64
	Attempts      int
	NextAttemptAt int64
	LastError     string
	SyncedAt      int64
}

// AppendOutbox appends a new entry in pending state. Entries are never
// coalesced: duplicates for the same entity are acceptable, the last one wins
// at apply time on the remote side.
func (s *Store) AppendOutbox(ctx context.Context, e *OutboxEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_outbox (id, type, data, status, timestamp, attempts, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Type, e.Data, OutboxPending, e.Timestamp, 0, 0, "")
	if err != nil {
		return fmt.Errorf("%w: append outbox %s: %v", ErrStorage, e.ID, err)
	}
	e.Status = OutboxPending
	e.Seq, _ = res.LastInsertId()
	return nil
}

// PendingOutbox returns entries eligible for transmission, in insertion
// order. Entries in error state are retried once their backoff window has
// elapsed; dead entries are excluded.
func (s *Store) PendingOutbox(ctx context.Context, now int64) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, type, data, status, timestamp, attempts, next_attempt_at, last_error, synced_at
		FROM _sync_outbox
		WHERE status IN ('pending','error') AND next_attempt_at <= ?
		ORDER BY seq
	`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending outbox: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// DeadOutbox returns the dead-letter list for status reporting.
func (s *Store) DeadOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, type, data, status, timestamp, attempts, next_attempt_at, last_error, synced_at
		FROM _sync_outbox
		WHERE status = 'dead'
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead outbox: %v", ErrStorage, err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// MarkOutboxSynced transitions an entry to synced.
func (s *Store) MarkOutboxSynced(ctx context.Context, id string, syncedAt int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE _sync_outbox SET status = ?, last_error = '', synced_at = ? WHERE id = ?
	`, OutboxSynced, syncedAt, id); err != nil {
		return fmt.Errorf("%w: mark outbox synced %s: %v", ErrStorage, id, err)
	}
	return nil
}

// MarkOutboxError records a failed attempt: bumps the attempt counter, stores
// the error text and the next attempt time, and flips the entry to dead once
// attempts reach the threshold.
func (s *Store) MarkOutboxError(ctx context.Context, id, lastError string, attempts int, nextAttemptAt int64, dead bool) error {
	status := OutboxError
	if dead {
		status = OutboxDead
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE _sync_outbox SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?
	`, status, attempts, nextAttemptAt, lastError, id); err != nil {
		return fmt.Errorf("%w: mark outbox error %s: %v", ErrStorage, id, err)
	}
	return nil
}

// OutboxCounts returns the pending (incl. retrying) and dead entry counts.
func (s *Store) OutboxCounts(ctx context.Context) (pending int, dead int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('pending','error') THEN 1 END),
			COUNT(CASE WHEN status = 'dead' THEN 1 END)
		FROM _sync_outbox
	`).Scan(&pending, &dead)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: count outbox: %v", ErrStorage, err)
	}
	return pending, dead, nil
}

// SweepOutbox purges synced entries older than the cutoff. Error entries are
// kept for retry and dead entries are kept for inspection.
func (s *Store) SweepOutbox(ctx context.Context, syncedBefore int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM _sync_outbox WHERE status = 'synced' AND synced_at < ?
	`, syncedBefore)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep outbox: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanOutboxRows(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.Data, &e.Status, &e.Timestamp,
			&e.Attempts, &e.NextAttemptAt, &e.LastError, &e.SyncedAt); err != nil {
			return nil, fmt.Errorf("%w: scan outbox entry: %v", ErrStorage, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate outbox: %v", ErrStorage, err)
	}
	return entries, nil
}
