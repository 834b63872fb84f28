// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/Datkep92/banbia-sub000/hkdstore"
)

func newTestStore(t *testing.T) *hkdstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := hkdstore.Open(db, nil)
	require.NoError(t, err)
	return store
}

// fixedClock pins nowMillis to a settable value for deterministic
// last-write-wins scenarios.
type fixedClock struct {
	mu  sync.Mutex
	now int64
}

func useFixedClock(t *testing.T, start int64) *fixedClock {
	t.Helper()
	c := &fixedClock{now: start}
	prev := nowMillis
	nowMillis = func() int64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.now
	}
	t.Cleanup(func() { nowMillis = prev })
	return c
}

func (c *fixedClock) Set(now int64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *fixedClock) Advance(d int64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// fakeRemote is an in-memory RemoteStore. Nodes are stored flat by full path;
// GetTree nests up to two levels so the nested product layout works.
type fakeRemote struct {
	mu    sync.Mutex
	nodes map[string]Doc

	failErr error // returned by every write/read when set

	subsMu sync.Mutex
	subs   map[string]chan Event
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		nodes: make(map[string]Doc),
		subs:  make(map[string]chan Event),
	}
}

func (f *fakeRemote) seed(path string, doc Doc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[path] = copyDoc(doc)
}

func (f *fakeRemote) node(path string) Doc {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.nodes[path]
	if !ok {
		return nil
	}
	return copyDoc(doc)
}

func (f *fakeRemote) Get(_ context.Context, path string) (Doc, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.node(path), nil
}

func (f *fakeRemote) GetTree(_ context.Context, path string) (map[string]Doc, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	tree := make(map[string]Doc)
	prefix := path + "/"
	for p, doc := range f.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		segs := strings.Split(strings.TrimPrefix(p, prefix), "/")
		switch len(segs) {
		case 1:
			child := tree[segs[0]]
			if child == nil {
				child = make(Doc)
				tree[segs[0]] = child
			}
			for k, v := range doc {
				child[k] = v
			}
		case 2:
			// Grandchild embedded into its parent node, the nested layout.
			parent := tree[segs[0]]
			if parent == nil {
				parent = make(Doc)
				tree[segs[0]] = parent
			}
			parent[segs[1]] = copyDoc(doc)
		}
	}
	return tree, nil
}

func (f *fakeRemote) Put(_ context.Context, path string, doc Doc) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[path] = copyDoc(doc)
	return nil
}

func (f *fakeRemote) Patch(_ context.Context, path string, fields Doc) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	node := f.nodes[path]
	if node == nil {
		node = make(Doc)
		f.nodes[path] = node
	}
	for k, v := range fields {
		node[k] = v
	}
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, path string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, path)
	prefix := path + "/"
	for p := range f.nodes {
		if strings.HasPrefix(p, prefix) {
			delete(f.nodes, p)
		}
	}
	return nil
}

func (f *fakeRemote) Subscribe(_ context.Context, ownerID, collection string) (<-chan Event, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	ch := make(chan Event, 16)
	f.subs[ownerID+"/"+collection] = ch
	return ch, nil
}

func copyDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// syncRig wires a full engine stack over in-memory stores.
type syncRig struct {
	store    *hkdstore.Store
	remote   *fakeRemote
	resolver *PathResolver
	outbox   *Outbox
	sctx     *SyncContext
	engine   *Engine
	service  *Service
}

func newSyncRig(t *testing.T, ownerID string, layout ProductLayout) *syncRig {
	t.Helper()
	store := newTestStore(t)
	remote := newFakeRemote()
	resolver := NewPathResolver(DefaultRoots(), layout)
	sctx := NewSyncContext(ownerID)
	outbox := NewOutbox(store, DefaultOutboxConfig(), nil)
	engine := NewEngine(store, remote, resolver, outbox, sctx, nil, nil, nil)
	service := NewService(store, outbox, engine, remote, resolver, sctx, nil)
	return &syncRig{
		store:    store,
		remote:   remote,
		resolver: resolver,
		outbox:   outbox,
		sctx:     sctx,
		engine:   engine,
		service:  service,
	}
}
