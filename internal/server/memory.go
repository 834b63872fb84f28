// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"strings"
	"sync"
)

// MemoryTreeStore is an in-memory TreeStore used by tests and local
// development runs without Postgres.
type MemoryTreeStore struct {
	mu    sync.RWMutex
	nodes map[string]map[string]any
}

// NewMemoryTreeStore creates an empty in-memory tree.
func NewMemoryTreeStore() *MemoryTreeStore {
	return &MemoryTreeStore{nodes: make(map[string]map[string]any)}
}

func (m *MemoryTreeStore) GetNode(_ context.Context, path string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	own := m.nodes[path]
	rel := make(map[string]map[string]any)
	prefix := path + "/"
	for p, doc := range m.nodes {
		if strings.HasPrefix(p, prefix) {
			rel[strings.TrimPrefix(p, prefix)] = copyDoc(doc)
		}
	}
	if own == nil && len(rel) == 0 {
		return nil, nil
	}
	return assembleTree(copyDoc(own), rel), nil
}

func (m *MemoryTreeStore) PutNode(_ context.Context, path string, doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[path] = copyDoc(doc)
	return nil
}

func (m *MemoryTreeStore) PatchNode(_ context.Context, path string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.nodes[path]
	if node == nil {
		node = make(map[string]any, len(fields))
		m.nodes[path] = node
	}
	for k, v := range fields {
		node[k] = v
	}
	return nil
}

func (m *MemoryTreeStore) DeleteNode(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, path)
	prefix := path + "/"
	for p := range m.nodes {
		if strings.HasPrefix(p, prefix) {
			delete(m.nodes, p)
		}
	}
	return nil
}

func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
