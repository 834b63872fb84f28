// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Watermark returns the last successful pull timestamp for a collection, or
// zero when the collection has never been pulled.
func (s *Store) Watermark(ctx context.Context, storeName string) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_timestamp FROM _sync_watermark WHERE store_name = ?
	`, storeName).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: watermark %s: %v", ErrStorage, storeName, err)
	}
	return ts, nil
}

// SetWatermark advances the pull watermark for a collection.
func (s *Store) SetWatermark(ctx context.Context, storeName string, ts int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO _sync_watermark (store_name, last_sync_timestamp)
		VALUES (?, ?)
	`, storeName, ts); err != nil {
		return fmt.Errorf("%w: set watermark %s: %v", ErrStorage, storeName, err)
	}
	return nil
}

// MarkSeen records that an id has been observed by the realtime listener and
// reports whether this was the first observation. Notification side effects
// fire only on first observation, which de-duplicates reconnect replays.
func (s *Store) MarkSeen(ctx context.Context, collection, id string, now int64) (first bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO _sync_seen (collection, id, seen_at) VALUES (?, ?, ?)
	`, collection, id, now)
	if err != nil {
		return false, fmt.Errorf("%w: mark seen %s/%s: %v", ErrStorage, collection, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SweepSeen purges seen markers older than the cutoff, keeping the table
// bounded on long-lived devices.
func (s *Store) SweepSeen(ctx context.Context, olderThan int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM _sync_seen WHERE seen_at < ?
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep seen: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
