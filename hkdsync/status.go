// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"context"

	"github.com/Datkep92/banbia-sub000/hkdstore"
)

// SyncStatus is the snapshot exposed to the UI layer.
type SyncStatus struct {
	Online      bool                   `json:"online"`
	Syncing     bool                   `json:"syncing"`
	LastSyncAt  int64                  `json:"lastSyncAt"`
	Pending     int                    `json:"pending"`
	Dead        int                    `json:"dead"`
	DeadLetters []hkdstore.OutboxEntry `json:"deadLetters,omitempty"`
}

// GetSyncStatus reports connectivity, in-flight state, the last successful
// pass and the outbox backlog including dead letters.
func (s *Service) GetSyncStatus(ctx context.Context) (SyncStatus, error) {
	pending, dead, err := s.outbox.Counts(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	status := SyncStatus{
		Online:     s.sctx.Online(),
		Syncing:    s.sctx.Syncing(),
		LastSyncAt: s.sctx.LastSyncAt(),
		Pending:    pending,
		Dead:       dead,
	}
	if dead > 0 {
		letters, err := s.outbox.DeadLetters(ctx)
		if err != nil {
			return status, err
		}
		status.DeadLetters = letters
	}
	return status, nil
}
