// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"sync"
	"sync/atomic"
)

// SyncContext holds the mutable sync state: current owner, the in-flight
// guard, online state and the last successful pass timestamp. It is injected
// into the engine, outbox manager and realtime listener so each is
// independently testable.
type SyncContext struct {
	OwnerID string

	inFlight   sync.Mutex // held for the duration of one sync pass
	online     atomic.Bool
	syncing    atomic.Bool
	lastSyncAt atomic.Int64
}

// NewSyncContext creates a context for one signed-in owner. Devices start
// optimistically online; the first failed remote call flips the state.
func NewSyncContext(ownerID string) *SyncContext {
	sc := &SyncContext{OwnerID: ownerID}
	sc.online.Store(true)
	return sc
}

// TryBegin attempts to start a sync pass. It returns false when a pass is
// already in flight; the caller must treat that as a silent no-op (the next
// timer tick will catch up).
func (sc *SyncContext) TryBegin() bool {
	if !sc.inFlight.TryLock() {
		return false
	}
	sc.syncing.Store(true)
	return true
}

// End finishes a sync pass started with TryBegin.
func (sc *SyncContext) End(completedAt int64, ok bool) {
	if ok {
		sc.lastSyncAt.Store(completedAt)
	}
	sc.syncing.Store(false)
	sc.inFlight.Unlock()
}

// SetOnline records a connectivity transition.
func (sc *SyncContext) SetOnline(online bool) { sc.online.Store(online) }

// Online reports the last known connectivity state.
func (sc *SyncContext) Online() bool { return sc.online.Load() }

// Syncing reports whether a pass is currently in flight.
func (sc *SyncContext) Syncing() bool { return sc.syncing.Load() }

// LastSyncAt returns the completion time of the last successful pass.
func (sc *SyncContext) LastSyncAt() int64 { return sc.lastSyncAt.Load() }
