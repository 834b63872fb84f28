// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"
)

// ChangeEvent is one entry on the change feed. The wire shape matches what
// subscribed sync clients decode.
type ChangeEvent struct {
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Doc        map[string]any `json:"doc,omitempty"`
}

// Hub fans change events out to SSE subscribers. Topics are keyed by
// "owner/collection". Slow subscribers drop events rather than block writers.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[chan ChangeEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan ChangeEvent]struct{})}
}

// Subscribe registers a subscriber for one owner/collection topic. The
// returned function removes the subscription and closes the channel.
func (h *Hub) Subscribe(ownerID, collection string) (<-chan ChangeEvent, func()) {
	topic := ownerID + "/" + collection
	ch := make(chan ChangeEvent, 64)

	h.mu.Lock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[chan ChangeEvent]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if subs, ok := h.topics[topic]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers an event to every subscriber of the owner/collection topic.
func (h *Hub) Publish(ownerID, collection string, ev ChangeEvent) {
	topic := ownerID + "/" + collection

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.topics[topic] {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; it will resync on reconnect.
		}
	}
}
