// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Datkep92/banbia-sub000/hkdstore"
)

// OutboxConfig tunes retry behavior: capped exponential backoff plus a
// dead-letter threshold, so a permanently failing entry cannot hammer the
// remote store forever.
type OutboxConfig struct {
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	MaxAttempts int           // entries flip to dead at this attempt count
	Retention   time.Duration // synced entries older than this are purged
}

// DefaultOutboxConfig returns the production retry policy.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
		MaxAttempts: 10,
		Retention:   24 * time.Hour,
	}
}

// Outbox manages the durable queue of pending mutation intents. Entries are
// delivered at least once: a pending entry is never dropped silently, error
// entries are retried with backoff until they sync or go dead.
type Outbox struct {
	store  *hkdstore.Store
	config OutboxConfig
	logger *slog.Logger
}

// NewOutbox creates an outbox manager over the local durable store.
func NewOutbox(store *hkdstore.Store, config OutboxConfig, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{store: store, config: config, logger: logger}
}

// Enqueue appends a pending entry for the given entity kind and document.
// Documents tagged as remote-origin are skipped: echoing a pulled record back
// to the remote store would create a sync loop.
func (o *Outbox) Enqueue(ctx context.Context, kind EntityKind, doc Doc) error {
	return o.enqueue(ctx, string(kind), doc)
}

// EnqueueDelete appends a soft-delete intent for the given entity kind.
func (o *Outbox) EnqueueDelete(ctx context.Context, kind EntityKind, doc Doc) error {
	return o.enqueue(ctx, string(kind)+DeleteSuffix, doc)
}

func (o *Outbox) enqueue(ctx context.Context, entryType string, doc Doc) error {
	if IsRemoteOrigin(doc) {
		o.logger.Debug("skipping outbox enqueue for remote-origin document",
			"type", entryType, "id", DocID(doc))
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	entry := &hkdstore.OutboxEntry{
		ID:        uuid.New().String(),
		Type:      entryType,
		Data:      string(raw),
		Timestamp: nowMillis(),
	}
	if err := o.store.AppendOutbox(ctx, entry); err != nil {
		return fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return nil
}

// ListPending returns the entries due for transmission, in insertion order.
func (o *Outbox) ListPending(ctx context.Context) ([]hkdstore.OutboxEntry, error) {
	return o.store.PendingOutbox(ctx, nowMillis())
}

// MarkSynced transitions an entry to synced.
func (o *Outbox) MarkSynced(ctx context.Context, entry *hkdstore.OutboxEntry) error {
	return o.store.MarkOutboxSynced(ctx, entry.ID, nowMillis())
}

// MarkError records a failed attempt, schedules the retry with capped
// exponential backoff and flips the entry to dead once it exhausts its
// attempts.
func (o *Outbox) MarkError(ctx context.Context, entry *hkdstore.OutboxEntry, cause error) error {
	attempts := entry.Attempts + 1
	dead := o.config.MaxAttempts > 0 && attempts >= o.config.MaxAttempts
	next := nowMillis() + o.backoff(attempts).Milliseconds()
	if dead {
		o.logger.Warn("outbox entry moved to dead letters",
			"id", entry.ID, "type", entry.Type, "attempts", attempts, "error", cause)
	} else {
		o.logger.Debug("outbox entry failed, scheduling retry",
			"id", entry.ID, "type", entry.Type, "attempts", attempts, "error", cause)
	}
	return o.store.MarkOutboxError(ctx, entry.ID, cause.Error(), attempts, next, dead)
}

// Sweep purges synced entries older than the retention window. Error entries
// stay for retry, dead entries stay for inspection.
func (o *Outbox) Sweep(ctx context.Context) error {
	cutoff := nowMillis() - o.config.Retention.Milliseconds()
	n, err := o.store.SweepOutbox(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Debug("swept synced outbox entries", "count", n)
	}
	return nil
}

// Counts returns the pending and dead entry counts for status reporting.
func (o *Outbox) Counts(ctx context.Context) (pending, dead int, err error) {
	return o.store.OutboxCounts(ctx)
}

// DeadLetters returns the dead entries surfaced via sync status.
func (o *Outbox) DeadLetters(ctx context.Context) ([]hkdstore.OutboxEntry, error) {
	return o.store.DeadOutbox(ctx)
}

func (o *Outbox) backoff(attempts int) time.Duration {
	d := o.config.BackoffMin
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.config.BackoffMax {
			return o.config.BackoffMax
		}
	}
	if d > o.config.BackoffMax {
		d = o.config.BackoffMax
	}
	return d
}
