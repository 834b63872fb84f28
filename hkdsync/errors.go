// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import "errors"

// Error taxonomy. Validation failures are reported to the caller and never
// retried; network failures fall back to local persistence plus the outbox
// (offline is an expected state, not an exception); a missing category fails
// the single outbox entry, never the whole sync pass.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNetwork         = errors.New("remote store unreachable")
	ErrMissingCategory = errors.New("product has no resolvable category path")
)

// Result is the outcome of a UI-facing mutation. Operations return results
// rather than raising, so view layers can render inline messages.
type Result struct {
	Success      bool   `json:"success"`
	ID           string `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
	SavedOffline bool   `json:"savedOffline,omitempty"`
}

func okResult(id string) Result {
	return Result{Success: true, ID: id}
}

func errResult(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
