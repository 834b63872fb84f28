// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Datkep92/banbia-sub000/hkdstore"
)

// Notifier receives the side-effect notification (sound, toast, badge) for a
// newly observed remote record. Fired at most once per distinct id.
type Notifier interface {
	Notify(collection string, doc Doc)
}

// ChangeCallback is invoked after the listener applies a remote change, so
// views can re-read and refresh.
type ChangeCallback func(Event)

// Listener subscribes to the remote change feed per owner collection and
// applies events immediately, independent of the polling engine. Realtime is
// an optimization, never a requirement for correctness: when the feed cannot
// be subscribed the listener retries quietly and polling remains the
// fallback path.
type Listener struct {
	engine   *Engine
	remote   RemoteStore
	store    *hkdstore.Store
	sctx     *SyncContext
	notifier Notifier
	logger   *slog.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.RWMutex
	callbacks map[string][]ChangeCallback
}

// NewListener creates a realtime listener sharing the engine's apply path,
// so realtime and pull merging cannot diverge. notifier may be nil.
func NewListener(engine *Engine, remote RemoteStore, store *hkdstore.Store,
	sctx *SyncContext, notifier Notifier, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		engine:     engine,
		remote:     remote,
		store:      store,
		sctx:       sctx,
		notifier:   notifier,
		logger:     logger,
		backoffMin: 1 * time.Second,
		backoffMax: 60 * time.Second,
		callbacks:  make(map[string][]ChangeCallback),
	}
}

// OnRemoteChange registers a callback for one collection's remote changes.
func (l *Listener) OnRemoteChange(collection string, cb ChangeCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks[collection] = append(l.callbacks[collection], cb)
}

// Start launches one subscription loop per collection. Loops end when the
// context is cancelled.
func (l *Listener) Start(ctx context.Context) {
	for _, collection := range Collections {
		go l.subscribeLoop(ctx, collection)
	}
}

// subscribeLoop keeps one collection subscribed, reconnecting with capped
// backoff. Subscription failures are silent by design.
func (l *Listener) subscribeLoop(ctx context.Context, collection string) {
	backoff := l.backoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := l.remote.Subscribe(ctx, l.sctx.OwnerID, collection)
		if err != nil {
			l.logger.Debug("realtime subscribe failed, polling remains the fallback",
				"collection", collection, "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, l.backoffMax)
			continue
		}
		backoff = l.backoffMin

		for ev := range events {
			if err := l.handleEvent(ctx, collection, ev); err != nil {
				l.logger.Debug("failed to apply realtime event",
					"collection", collection, "id", ev.ID, "error", err)
			}
		}
		// Feed closed (disconnect or server restart): resubscribe.
	}
}

// handleEvent applies one feed event with the same last-write-wins rule as
// the pull phase, then fires the notification exactly once per distinct new
// id and invokes registered callbacks.
func (l *Listener) handleEvent(ctx context.Context, collection string, ev Event) error {
	if ev.Collection != "" {
		collection = ev.Collection
	}

	switch ev.Type {
	case EventDelete:
		if err := l.engine.deleteLocalCascade(ctx, collection, ev.ID); err != nil {
			return err
		}
	case EventPut:
		if ev.Doc == nil {
			return nil
		}
		// Existence check before put: re-notifying on every reconnect replay
		// would fire the sound/toast repeatedly for records we already hold.
		existing, err := l.store.Get(ctx, collection, ev.ID)
		if err != nil {
			existing = nil
		}
		applied, err := l.engine.ApplyRemote(ctx, collection, ev.ID, ev.Doc)
		if err != nil {
			return err
		}
		if applied && existing == nil && !IsDeleted(ev.Doc) {
			l.notifyOnce(ctx, collection, ev.Doc)
		}
		if !applied {
			return nil
		}
	default:
		return nil
	}

	l.mu.RLock()
	cbs := append([]ChangeCallback(nil), l.callbacks[collection]...)
	l.mu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
	return nil
}

// notifyOnce fires the side-effect notification if this id has never been
// seen on this device. The marker is durable, so a restart does not replay
// notifications either.
func (l *Listener) notifyOnce(ctx context.Context, collection string, doc Doc) {
	if l.notifier == nil {
		return
	}
	first, err := l.store.MarkSeen(ctx, collection, DocID(doc), nowMillis())
	if err != nil {
		l.logger.Debug("failed to record seen marker", "collection", collection, "error", err)
		return
	}
	if first {
		l.notifier.Notify(collection, doc)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
