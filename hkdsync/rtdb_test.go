// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Datkep92/banbia-sub000/internal/server"
)

// newRemoteFixture runs the real HTTP server over the in-memory tree store
// and returns an adapter authenticated as ownerID.
func newRemoteFixture(t *testing.T, ownerID string) *HTTPRemoteStore {
	t.Helper()
	jwtAuth := server.NewJWTAuth("test-secret")
	srv := server.NewServer(server.NewMemoryTreeStore(), jwtAuth, nil, "")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token, err := jwtAuth.GenerateToken(ownerID, "device-1", time.Hour)
	require.NoError(t, err)

	return NewHTTPRemoteStore(ts.URL, func(context.Context) (string, error) {
		return token, nil
	}, nil)
}

func TestHTTPRemoteStorePutGetRoundTrip(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	ctx := context.Background()

	doc := Doc{"id": "c1", "name": "Đồ uống", "ownerId": "o1", "lastUpdated": float64(1234)}
	require.NoError(t, remote.Put(ctx, "hkd/o1/categories/c1", doc))

	got, err := remote.Get(ctx, "hkd/o1/categories/c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Đồ uống", got["name"])

	// The offline mutation time stays the conflict arbiter.
	require.Equal(t, int64(1234), LastUpdated(got))
	// Writes are stamped with the transmission marker, and the local-only
	// remote-origin tag never reaches the wire.
	require.NotZero(t, asInt64(got["_syncedAt"]))
	require.NotContains(t, got, "_synced")
}

func TestHTTPRemoteStorePutStampsMissingTimestamp(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	ctx := context.Background()

	require.NoError(t, remote.Put(ctx, "hkd/o1/categories/c1", Doc{"id": "c1"}))
	got, err := remote.Get(ctx, "hkd/o1/categories/c1")
	require.NoError(t, err)
	require.NotZero(t, LastUpdated(got))
}

func TestHTTPRemoteStoreGetAbsentReturnsNil(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	got, err := remote.Get(context.Background(), "hkd/o1/categories/nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestHTTPRemoteStoreGetTree(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	ctx := context.Background()

	require.NoError(t, remote.Put(ctx, "hkd/o1/categories/c1", Doc{"id": "c1", "name": "Đồ uống"}))
	require.NoError(t, remote.Put(ctx, "hkd/o1/categories/c2", Doc{"id": "c2", "name": "Đồ ăn"}))

	tree, err := remote.GetTree(ctx, "hkd/o1/categories")
	require.NoError(t, err)
	require.Len(t, tree, 2)
	require.Equal(t, "Đồ uống", tree["c1"]["name"])
	require.Equal(t, "Đồ ăn", tree["c2"]["name"])
}

func TestHTTPRemoteStorePatchMergesFields(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	ctx := context.Background()

	require.NoError(t, remote.Put(ctx, "hkd/o1/products/p1",
		Doc{"id": "p1", "name": "Trà đá", "lastUpdated": float64(100)}))
	require.NoError(t, remote.Patch(ctx, "hkd/o1/products/p1",
		Doc{"_deleted": true, "_deletedAt": float64(200), "lastUpdated": float64(200)}))

	got, err := remote.Get(ctx, "hkd/o1/products/p1")
	require.NoError(t, err)
	require.Equal(t, true, got["_deleted"])
	// Patch merges: the business fields survive.
	require.Equal(t, "Trà đá", got["name"])
	require.Equal(t, int64(200), LastUpdated(got))
}

func TestHTTPRemoteStoreDeleteRemovesSubtree(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	ctx := context.Background()

	require.NoError(t, remote.Put(ctx, "hkd/o1/info", Doc{"id": "o1"}))
	require.NoError(t, remote.Put(ctx, "hkd/o1/categories/c1", Doc{"id": "c1"}))
	require.NoError(t, remote.Delete(ctx, "hkd/o1"))

	got, err := remote.Get(ctx, "hkd/o1/info")
	require.NoError(t, err)
	require.Nil(t, got)
	got, err = remote.Get(ctx, "hkd/o1/categories/c1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestHTTPRemoteStoreRejectsBadToken(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	remote.Token = func(context.Context) (string, error) { return "garbage", nil }

	err := remote.Put(context.Background(), "hkd/o1/info", Doc{"id": "o1"})
	require.Error(t, err)
	// An auth rejection is not a connectivity problem.
	require.NotErrorIs(t, err, ErrNetwork)
}

func TestHTTPRemoteStoreSubscribeDeliversEvents(t *testing.T) {
	remote := newRemoteFixture(t, "o1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := remote.Subscribe(ctx, "o1", ColCategories)
	require.NoError(t, err)

	// The write lands after the subscription is established.
	require.NoError(t, remote.Put(ctx, "hkd/o1/categories/c1",
		Doc{"id": "c1", "name": "Đồ uống", "lastUpdated": float64(100)}))

	select {
	case ev := <-events:
		require.Equal(t, EventPut, ev.Type)
		require.Equal(t, ColCategories, ev.Collection)
		require.Equal(t, "c1", ev.ID)
		require.Equal(t, "Đồ uống", ev.Doc["name"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
