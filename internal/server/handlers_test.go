// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type serverFixture struct {
	ts    *httptest.Server
	token string
}

func newServerFixture(t *testing.T, ownerID string) *serverFixture {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	srv := NewServer(NewMemoryTreeStore(), jwtAuth, nil, "")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token, err := jwtAuth.GenerateToken(ownerID, "device-1", time.Hour)
	require.NoError(t, err)
	return &serverFixture{ts: ts, token: token}
}

func (f *serverFixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func TestDataEndpointsRequireAuth(t *testing.T) {
	f := newServerFixture(t, "o1")

	resp, err := http.Get(f.ts.URL + "/v1/data/hkd/o1/info")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open.
	resp, err = http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDataPutGetDelete(t *testing.T) {
	f := newServerFixture(t, "o1")

	resp := f.request(t, http.MethodPut, "/v1/data/hkd/o1/info",
		map[string]any{"id": "o1", "name": "Quán Cô Ba", "lastUpdated": 100})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/v1/data/hkd/o1/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decodeBody(t, resp)
	require.Equal(t, "Quán Cô Ba", doc["name"])

	resp = f.request(t, http.MethodDelete, "/v1/data/hkd/o1/info", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/v1/data/hkd/o1/info", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDataGetAssemblesSubtree(t *testing.T) {
	f := newServerFixture(t, "o1")

	resp := f.request(t, http.MethodPut, "/v1/data/hkd/o1/categories/c1",
		map[string]any{"id": "c1", "name": "Đồ uống"})
	resp.Body.Close()
	resp = f.request(t, http.MethodPut, "/v1/data/hkd/o1/categories/c1/p1",
		map[string]any{"id": "p1", "name": "Trà đá"})
	resp.Body.Close()

	resp = f.request(t, http.MethodGet, "/v1/data/hkd/o1/categories", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tree := decodeBody(t, resp)

	c1, ok := tree["c1"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Đồ uống", c1["name"])
	p1, ok := c1["p1"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Trà đá", p1["name"])
}

func TestDataPatchMergesFields(t *testing.T) {
	f := newServerFixture(t, "o1")

	resp := f.request(t, http.MethodPut, "/v1/data/hkd/o1/products/p1",
		map[string]any{"id": "p1", "name": "Trà đá", "stock": 10})
	resp.Body.Close()
	resp = f.request(t, http.MethodPatch, "/v1/data/hkd/o1/products/p1",
		map[string]any{"stock": 8})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/v1/data/hkd/o1/products/p1", nil)
	doc := decodeBody(t, resp)
	require.Equal(t, float64(8), doc["stock"])
	require.Equal(t, "Trà đá", doc["name"])

	// Patch creates the node when absent.
	resp = f.request(t, http.MethodPatch, "/v1/data/hkd/o1/products/p2",
		map[string]any{"_deleted": true})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDataRejectsInvalidPaths(t *testing.T) {
	f := newServerFixture(t, "o1")

	resp := f.request(t, http.MethodGet, "/v1/data/hkd/../secrets", nil)
	resp.Body.Close()
	// Either the router normalizes the traversal away or the handler rejects
	// it; it must never be treated as a valid path.
	require.NotEqual(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodPut, "/v1/data/hkd/o1/info", "not an object")
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeliversChangeEvents(t *testing.T) {
	f := newServerFixture(t, "o1")

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/stream/o1/categories", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	put := f.request(t, http.MethodPut, "/v1/data/hkd/o1/categories/c1",
		map[string]any{"id": "c1", "name": "Đồ uống"})
	put.Body.Close()

	type lineResult struct {
		line string
		err  error
	}
	lines := make(chan lineResult, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				lines <- lineResult{line: line}
				return
			}
		}
		lines <- lineResult{err: scanner.Err()}
	}()

	select {
	case res := <-lines:
		require.NoError(t, res.err)
		var ev ChangeEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(res.line, "data: ")), &ev))
		require.Equal(t, "put", ev.Type)
		require.Equal(t, "categories", ev.Collection)
		require.Equal(t, "c1", ev.ID)
		require.Equal(t, "Đồ uống", ev.Doc["name"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}
}

func TestStreamRejectsForeignOwner(t *testing.T) {
	f := newServerFixture(t, "o1")

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/stream/o2/categories", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChangeTopicMapping(t *testing.T) {
	srv := NewServer(NewMemoryTreeStore(), NewJWTAuth("test-secret"), nil, "")
	tests := []struct {
		path       string
		owner      string
		collection string
		id         string
		ok         bool
	}{
		{"hkd/o1/info", "o1", "hkds", "o1", true},
		{"hkd/o1/categories/c1", "o1", "categories", "c1", true},
		{"hkd/o1/categories/c1/p1", "o1", "products", "p1", true},
		{"hkd/o1/products/p1", "o1", "products", "p1", true},
		{"hkd/o1/sales/s1", "o1", "sales", "s1", true},
		{"sales/s1", "", "", "", false},
		{"auth/0901234567", "", "", "", false},
		{"hkd/o1", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			owner, collection, id, ok := srv.changeTopic(tt.path)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.owner, owner)
				require.Equal(t, tt.collection, collection)
				require.Equal(t, tt.id, id)
			}
		})
	}
}

func TestChangeTopicHonorsConfiguredEntityRoot(t *testing.T) {
	srv := NewServer(NewMemoryTreeStore(), NewJWTAuth("test-secret"), nil, "shop")

	owner, collection, id, ok := srv.changeTopic("shop/o1/info")
	require.True(t, ok)
	require.Equal(t, "o1", owner)
	require.Equal(t, "hkds", collection)
	require.Equal(t, "o1", id)

	// Paths under the default root no longer match once the root is changed.
	_, _, _, ok = srv.changeTopic("hkd/o1/info")
	require.False(t, ok)
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe("o1", "sales")
	defer unsubscribe()

	// Overflow the buffer; Publish must not block.
	for i := 0; i < 200; i++ {
		hub.Publish("o1", "sales", ChangeEvent{Type: "put", ID: "s1"})
	}
	require.NotEmpty(t, ch)

	// A different topic never reaches this subscriber.
	hub.Publish("o1", "products", ChangeEvent{Type: "put", ID: "p1"})
	hub.Publish("o2", "sales", ChangeEvent{Type: "put", ID: "x1"})
}

func TestJWTRoundTrip(t *testing.T) {
	a := NewJWTAuth("secret-a")
	token, err := a.GenerateToken("o1", "device-7", time.Hour)
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "o1", claims.Subject)
	require.Equal(t, "device-7", claims.DeviceID)

	// A different secret must reject the token.
	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestAssembleTreeNestsDescendants(t *testing.T) {
	got := assembleTree(
		map[string]any{"id": "c1", "name": "Đồ uống"},
		map[string]map[string]any{
			"p1":       {"id": "p1", "name": "Trà đá"},
			"p2/extra": {"note": "deep"},
		},
	)
	require.Equal(t, "Đồ uống", got["name"])
	p1 := got["p1"].(map[string]any)
	require.Equal(t, "Trà đá", p1["name"])
	p2 := got["p2"].(map[string]any)
	extra := p2["extra"].(map[string]any)
	require.Equal(t, "deep", extra["note"])
}
