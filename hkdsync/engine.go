// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Datkep92/banbia-sub000/hkdstore"
)

// Config tunes the sync engine.
type Config struct {
	SyncInterval       time.Duration // periodic pass interval
	TombstoneRetention time.Duration // local tombstones older than this are purged
	SeenRetention      time.Duration // notification de-dup markers
	Outbox             OutboxConfig
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:       30 * time.Second,
		TombstoneRetention: 30 * 24 * time.Hour,
		SeenRetention:      30 * 24 * time.Hour,
		Outbox:             DefaultOutboxConfig(),
	}
}

// SyncStats summarizes one sync pass, reported to the caller of ForceSync so
// the UI can toast success/failure counts.
type SyncStats struct {
	Pulled      int
	Pushed      int
	PushErrors  int
	PullErrors  int
	CompletedAt int64
}

// Engine is the pull/push/merge loop at the center of the system. One pass
// pulls every collection for the current owner (remote wins by last-write-
// wins), then drains the outbox (local intents pushed in insertion order).
// Pull always completes before push within a pass, so a push cannot be
// immediately overwritten by a stale pull in the same pass.
type Engine struct {
	store    *hkdstore.Store
	remote   RemoteStore
	resolver *PathResolver
	outbox   *Outbox
	policy   ConflictPolicy
	sctx     *SyncContext
	config   *Config
	logger   *slog.Logger

	kick chan struct{}
}

// NewEngine wires the sync engine. policy defaults to LastWriteWins when nil.
func NewEngine(store *hkdstore.Store, remote RemoteStore, resolver *PathResolver,
	outbox *Outbox, sctx *SyncContext, config *Config, policy ConflictPolicy,
	logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if policy == nil {
		policy = LastWriteWins{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		remote:   remote,
		resolver: resolver,
		outbox:   outbox,
		policy:   policy,
		sctx:     sctx,
		config:   config,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Run executes the periodic sync loop until the context is cancelled. Kicks
// (online transitions, post-mutation nudges) trigger an immediate pass.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	// Initial pass so a freshly started device converges without waiting a
	// full interval.
	if _, err := e.SyncOnce(ctx); err != nil {
		e.logger.Debug("initial sync pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if _, err := e.SyncOnce(ctx); err != nil {
			e.logger.Debug("sync pass failed", "error", err)
		}
	}
}

// Kick requests an immediate sync pass without blocking. Used after local
// mutations and on connectivity transitions.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SetOnline records a connectivity transition; a transition to online kicks
// an immediate pass so offline-queued mutations drain promptly.
func (e *Engine) SetOnline(online bool) {
	wasOnline := e.sctx.Online()
	e.sctx.SetOnline(online)
	if online && !wasOnline {
		e.logger.Info("connectivity restored, draining outbox")
		e.Kick()
	}
}

// ForceSync runs a pass immediately on behalf of an explicit user action and
// reports its stats.
func (e *Engine) ForceSync(ctx context.Context) (SyncStats, error) {
	return e.SyncOnce(ctx)
}

// SyncOnce runs a single full pass. A request while another pass is in
// flight is a silent no-op: not queued, not retried, the next timer tick
// catches up. stats is a named return so the deferred completion stamp is
// visible to the caller.
func (e *Engine) SyncOnce(ctx context.Context) (stats SyncStats, err error) {
	if !e.sctx.TryBegin() {
		return stats, nil
	}
	sawNetworkErr := false
	defer func() {
		stats.CompletedAt = nowMillis()
		e.sctx.End(stats.CompletedAt, !sawNetworkErr)
	}()

	// Pull phase: per-collection failures are isolated so one bad collection
	// does not block the rest.
	for _, collection := range Collections {
		pulled, err := e.pullCollection(ctx, collection)
		stats.Pulled += pulled
		if err != nil {
			stats.PullErrors++
			if errors.Is(err, ErrNetwork) {
				sawNetworkErr = true
			}
			e.logger.Debug("pull failed", "collection", collection, "error", err)
			continue
		}
	}

	// Push phase: drain the outbox in insertion order, isolating per-entry
	// failures.
	pushed, pushErrs, netErr := e.pushOutbox(ctx)
	stats.Pushed = pushed
	stats.PushErrors = pushErrs
	sawNetworkErr = sawNetworkErr || netErr

	e.sctx.SetOnline(!sawNetworkErr)

	if err := e.cleanup(ctx); err != nil {
		e.logger.Debug("cleanup sweep failed", "error", err)
	}
	return stats, nil
}

// pullCollection pulls one collection for the current owner and merges it
// into the local store. Pulls read the full remote snapshot rather than
// filtering by the stored watermark: the LWW merge makes reapplying unchanged
// records an idempotent no-op at this data scale, and the watermark records
// the pull horizon for incremental-pull capable remotes and status queries.
// It advances only after a fully successful pass over the collection.
func (e *Engine) pullCollection(ctx context.Context, collection string) (int, error) {
	// Nested products arrive embedded in their category nodes and are pulled
	// by the categories pass; their watermark mirrors the categories horizon.
	if collection == ColProducts && e.resolver.Layout() == NestedProducts {
		ts, err := e.store.Watermark(ctx, ColCategories)
		if err != nil {
			return 0, err
		}
		return 0, e.store.SetWatermark(ctx, collection, ts)
	}

	path, err := e.resolver.CollectionPath(collection, e.sctx.OwnerID)
	if err != nil {
		return 0, err
	}

	applied := 0
	if collection == ColOwners {
		doc, err := e.remote.Get(ctx, path)
		if err != nil {
			return 0, err
		}
		if doc != nil {
			ok, err := e.ApplyRemote(ctx, ColOwners, e.sctx.OwnerID, doc)
			if err != nil {
				return 0, err
			}
			if ok {
				applied++
			}
		}
	} else {
		tree, err := e.remote.GetTree(ctx, path)
		if err != nil {
			return 0, err
		}
		for id, doc := range tree {
			n, err := e.applyPulledNode(ctx, collection, id, doc)
			applied += n
			if err != nil {
				return applied, err
			}
		}
	}

	if err := e.store.SetWatermark(ctx, collection, nowMillis()); err != nil {
		return applied, err
	}
	return applied, nil
}

// applyPulledNode applies one pulled child node. Category nodes in the
// nested layout carry their products as object-valued children; those are
// split out and applied to the products collection.
func (e *Engine) applyPulledNode(ctx context.Context, collection, id string, doc Doc) (int, error) {
	applied := 0
	if collection == ColCategories && e.resolver.Layout() == NestedProducts {
		catDoc, products := splitCategoryNode(doc)
		ok, err := e.ApplyRemote(ctx, ColCategories, id, catDoc)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
		for pid, pdoc := range products {
			ok, err := e.ApplyRemote(ctx, ColProducts, pid, pdoc)
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
			}
		}
		return applied, nil
	}

	ok, err := e.ApplyRemote(ctx, collection, id, doc)
	if err != nil {
		return applied, err
	}
	if ok {
		applied++
	}
	return applied, nil
}

// ApplyRemote merges one remote document into the local store under the
// last-write-wins rule. Remote tombstones hard-delete the local record and
// cascade to contained records. A local tombstone is never overwritten
// unless the remote copy carries a strictly newer non-deleted write. Applied
// documents are tagged remote-origin so they are not re-enqueued.
//
// The realtime listener shares this code path so pull and push-update
// semantics cannot diverge.
func (e *Engine) ApplyRemote(ctx context.Context, collection, id string, doc Doc) (bool, error) {
	if DocID(doc) == "" {
		doc["id"] = id
	}

	if IsDeleted(doc) {
		if err := e.deleteLocalCascade(ctx, collection, id); err != nil {
			return false, err
		}
		return true, nil
	}

	local, err := e.store.Get(ctx, collection, id)
	if err != nil {
		// Reads degrade: treat as absent and let the upsert repair state.
		e.logger.Debug("local read failed during apply, treating as absent",
			"collection", collection, "id", id, "error", err)
		local = nil
	}

	// Local tombstone wins over a pull that has not yet observed the
	// deletion round-trip.
	if local != nil && IsDeleted(local) && LastUpdated(doc) <= LastUpdated(local) {
		return false, nil
	}

	if !e.policy.ShouldApply(local, doc) {
		e.logger.Debug("discarding losing remote write",
			"collection", collection, "id", id,
			"localTs", LastUpdated(local), "remoteTs", LastUpdated(doc))
		return false, nil
	}

	TagRemoteOrigin(doc)
	if err := e.store.Put(ctx, collection, doc); err != nil {
		return false, err
	}
	return true, nil
}

// deleteLocalCascade hard-deletes a local record and every record it owns or
// contains: a category takes its products, an owner takes everything.
func (e *Engine) deleteLocalCascade(ctx context.Context, collection, id string) error {
	switch collection {
	case ColCategories:
		products, err := e.store.FindByField(ctx, ColProducts, "categoryId", id)
		if err != nil {
			return err
		}
		for _, p := range products {
			if err := e.store.Delete(ctx, ColProducts, DocID(p)); err != nil {
				return err
			}
		}
	case ColOwners:
		for _, owned := range []string{ColCategories, ColProducts, ColSales} {
			docs, err := e.store.FindByField(ctx, owned, "ownerId", id)
			if err != nil {
				return err
			}
			for _, d := range docs {
				if err := e.store.Delete(ctx, owned, DocID(d)); err != nil {
					return err
				}
			}
		}
	}
	return e.store.Delete(ctx, collection, id)
}

// pushOutbox drains due outbox entries in insertion order. A failing entry is
// marked error (with backoff scheduling) and the drain continues; one failure
// must never abort the whole batch.
func (e *Engine) pushOutbox(ctx context.Context) (pushed, failed int, sawNetworkErr bool) {
	entries, err := e.outbox.ListPending(ctx)
	if err != nil {
		e.logger.Debug("failed to list pending outbox", "error", err)
		return 0, 0, false
	}
	for i := range entries {
		entry := &entries[i]
		if err := e.pushEntry(ctx, entry); err != nil {
			failed++
			if errors.Is(err, ErrNetwork) {
				sawNetworkErr = true
			}
			if merr := e.outbox.MarkError(ctx, entry, err); merr != nil {
				e.logger.Debug("failed to mark outbox error", "id", entry.ID, "error", merr)
			}
			continue
		}
		if err := e.outbox.MarkSynced(ctx, entry); err != nil {
			e.logger.Debug("failed to mark outbox synced", "id", entry.ID, "error", err)
			continue
		}
		pushed++
	}
	return pushed, failed, sawNetworkErr
}

// pushEntry transmits one outbox entry: resolves its remote path and performs
// the write or soft-delete. Owners additionally update the auth lookup node;
// sales are mirrored to the cross-owner reporting root.
func (e *Engine) pushEntry(ctx context.Context, entry *hkdstore.OutboxEntry) error {
	var doc Doc
	if err := json.Unmarshal([]byte(entry.Data), &doc); err != nil {
		return fmt.Errorf("failed to decode outbox payload: %w", err)
	}

	kind := EntityKind(trimDeleteSuffix(entry.Type))
	id := DocID(doc)
	ownerID, _ := doc["ownerId"].(string)
	if kind == KindOwner {
		ownerID = id
	}
	categoryID, _ := doc["categoryId"].(string)

	path, err := e.resolver.PathFor(kind, ownerID, categoryID, id)
	if err != nil {
		return err
	}

	if IsDeleteKind(entry.Type) {
		now := nowMillis()
		tombstone := Doc{
			"_deleted":    true,
			"_deletedAt":  now,
			"lastUpdated": now,
		}
		if ts := asInt64(doc["_deletedAt"]); ts > 0 {
			tombstone["_deletedAt"] = ts
			tombstone["lastUpdated"] = LastUpdated(doc)
		}
		if err := e.remote.Patch(ctx, path, tombstone); err != nil {
			return err
		}
		if kind == KindSale {
			return e.remote.Patch(ctx, e.resolver.SalesMirrorPath(id), tombstone)
		}
		return nil
	}

	if err := e.remote.Put(ctx, path, doc); err != nil {
		return err
	}

	switch kind {
	case KindSale:
		if err := e.remote.Put(ctx, e.resolver.SalesMirrorPath(id), doc); err != nil {
			return err
		}
		e.markSaleSynced(ctx, id)
	case KindOwner:
		phone, _ := doc["phone"].(string)
		hash, _ := doc["passwordHash"].(string)
		if phone != "" {
			auth := Doc{"ownerId": id, "passwordHash": hash}
			if err := e.remote.Put(ctx, e.resolver.AuthPath(phone), auth); err != nil {
				return err
			}
		}
	}
	return nil
}

// markSaleSynced flips the sale's bookkeeping flag after a successful push.
// lastUpdated is deliberately untouched: the flag is not a business edit.
func (e *Engine) markSaleSynced(ctx context.Context, saleID string) {
	sale, err := e.store.Get(ctx, ColSales, saleID)
	if err != nil || sale == nil {
		return
	}
	sale["synced"] = true
	TagRemoteOrigin(sale)
	if err := e.store.Put(ctx, ColSales, sale); err != nil {
		e.logger.Debug("failed to mark sale synced", "id", saleID, "error", err)
	}
}

// cleanup runs the retention sweeps: synced outbox entries, aged local
// tombstones and stale notification markers.
func (e *Engine) cleanup(ctx context.Context) error {
	if err := e.outbox.Sweep(ctx); err != nil {
		return err
	}
	now := nowMillis()
	if _, err := e.store.SweepTombstones(ctx, now-e.config.TombstoneRetention.Milliseconds()); err != nil {
		return err
	}
	if _, err := e.store.SweepSeen(ctx, now-e.config.SeenRetention.Milliseconds()); err != nil {
		return err
	}
	return nil
}

// splitCategoryNode separates a nested category node into the category's own
// scalar fields and its embedded product children (object-valued fields).
func splitCategoryNode(node Doc) (Doc, map[string]Doc) {
	catDoc := make(Doc)
	products := make(map[string]Doc)
	for k, v := range node {
		if child, ok := v.(map[string]any); ok {
			products[k] = child
			continue
		}
		catDoc[k] = v
	}
	return catDoc, products
}

func trimDeleteSuffix(entryType string) string {
	if IsDeleteKind(entryType) {
		return entryType[:len(entryType)-len(DeleteSuffix)]
	}
	return entryType
}
