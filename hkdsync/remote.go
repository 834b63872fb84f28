// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import "context"

// Event types on the remote change feed.
const (
	EventPut    = "put"
	EventDelete = "delete"
)

// Event is one remote change observed by the realtime feed.
type Event struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Doc        Doc    `json:"doc,omitempty"`
}

// RemoteStore wraps the cloud realtime database with path-based primitives.
// Implementations must stamp a "_syncedAt" marker on writes and must never
// transmit undefined values (callers normalize documents first, the adapter
// normalizes again as a guard).
//
// Get returns nil, nil for an absent node. GetTree returns the direct
// children of a node as id -> document.
type RemoteStore interface {
	Get(ctx context.Context, path string) (Doc, error)
	GetTree(ctx context.Context, path string) (map[string]Doc, error)
	Put(ctx context.Context, path string, doc Doc) error
	// Patch merges fields into an existing node, creating it when absent.
	// Soft deletion is a Patch of the tombstone fields so devices pulling by
	// lastUpdated watermark still observe the deletion event.
	Patch(ctx context.Context, path string, fields Doc) error
	// Delete hard-removes a node and its subtree. Only the dedicated
	// true-delete operation uses this; normal flows soft-delete via Patch.
	Delete(ctx context.Context, path string) error
	// Subscribe streams change events for one owner collection. The channel
	// closes when the context is cancelled or the feed fails; the realtime
	// listener treats failure as a silent degradation to polling.
	Subscribe(ctx context.Context, ownerID, collection string) (<-chan Event, error)
}
