// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

// ConflictPolicy decides whether an incoming document replaces the local one.
// The engine consults it for every pull and realtime apply; a future
// implementation could add field-level merge or conflict logging without
// touching the engine's control flow.
type ConflictPolicy interface {
	// ShouldApply returns true when incoming must replace local.
	// local is nil when no local record exists.
	ShouldApply(local, incoming Doc) bool
}

// LastWriteWins resolves conflicts by comparing lastUpdated timestamps: the
// incoming document wins iff it is strictly newer. Concurrent edits from two
// devices converge to whichever write carries the larger timestamp; this is
// an accepted, documented inconsistency window.
//
// A local tombstone is never overwritten unless the incoming document is a
// strictly newer non-deleted write: an administrator's deletion must not be
// resurrected by a pull that has not yet observed the deletion round-trip.
type LastWriteWins struct{}

func (LastWriteWins) ShouldApply(local, incoming Doc) bool {
	if local == nil {
		return true
	}
	return LastUpdated(incoming) > LastUpdated(local)
}
