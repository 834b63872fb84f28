// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPRemoteStore talks to the realtime tree database over its REST API:
// GET/PUT/PATCH/DELETE /v1/data/{path} plus an SSE change feed at
// /v1/stream/{owner}/{collection}.
type HTTPRemoteStore struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns a bearer token
	HTTP    *http.Client
	logger  *slog.Logger

	// Streaming requests must not inherit the request timeout, the feed is
	// long-lived and bounded by the subscription context instead.
	stream *http.Client
}

// NewHTTPRemoteStore creates a remote store adapter for the given base URL.
func NewHTTPRemoteStore(baseURL string, token func(context.Context) (string, error), logger *slog.Logger) *HTTPRemoteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemoteStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
		logger:  logger,
	}
}

// Get reads a single node. Absent nodes return nil, nil.
func (r *HTTPRemoteStore) Get(ctx context.Context, path string) (Doc, error) {
	body, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil || body == nil {
		return nil, err
	}
	var doc Doc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode remote node %s: %w", path, err)
	}
	return doc, nil
}

// GetTree reads a node and returns its direct children as id -> document.
// Scalar fields of the node itself are ignored.
func (r *HTTPRemoteStore) GetTree(ctx context.Context, path string) (map[string]Doc, error) {
	body, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil || body == nil {
		return nil, err
	}
	var node map[string]any
	if err := json.Unmarshal(body, &node); err != nil {
		return nil, fmt.Errorf("failed to decode remote tree %s: %w", path, err)
	}
	tree := make(map[string]Doc, len(node))
	for id, v := range node {
		if child, ok := v.(map[string]any); ok {
			tree[id] = child
		}
	}
	return tree, nil
}

// Put replaces a node. The document is normalized (no undefined values) and
// stamped with a _syncedAt marker; lastUpdated is stamped only when absent so
// the offline mutation time remains the conflict arbiter.
func (r *HTTPRemoteStore) Put(ctx context.Context, path string, doc Doc) error {
	doc = Normalize(doc)
	if LastUpdated(doc) == 0 {
		doc["lastUpdated"] = nowMillis()
	}
	doc["_syncedAt"] = nowMillis()
	delete(doc, "_synced") // local-only tag, never transmitted
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode remote payload: %w", err)
	}
	_, err = r.do(ctx, http.MethodPut, path, payload)
	return err
}

// Patch merges fields into a node, creating it when absent.
func (r *HTTPRemoteStore) Patch(ctx context.Context, path string, fields Doc) error {
	fields = Normalize(fields)
	fields["_syncedAt"] = nowMillis()
	delete(fields, "_synced")
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode remote patch: %w", err)
	}
	_, err = r.do(ctx, http.MethodPatch, path, payload)
	return err
}

// Delete hard-removes a node and its subtree.
func (r *HTTPRemoteStore) Delete(ctx context.Context, path string) error {
	_, err := r.do(ctx, http.MethodDelete, path, nil)
	return err
}

// Subscribe opens the SSE change feed for one owner collection. Events arrive
// on the returned channel until the context is cancelled or the feed fails;
// the channel is closed either way.
func (r *HTTPRemoteStore) Subscribe(ctx context.Context, ownerID, collection string) (<-chan Event, error) {
	url := fmt.Sprintf("%s/v1/stream/%s/%s", r.BaseURL, ownerID, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	if err := r.authorize(ctx, req); err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: stream returned status %d: %s", ErrNetwork, resp.StatusCode, string(body))
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				r.logger.Debug("skipping malformed stream event", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// do performs one request against the data API. Absent nodes (404) return
// nil, nil; transport failures and server errors wrap ErrNetwork so callers
// can fall back to local-only persistence.
func (r *HTTPRemoteStore) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	url := r.BaseURL + "/v1/data/" + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if err := r.authorize(ctx, req); err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: server returned status %d: %s", ErrNetwork, resp.StatusCode, string(respBody))
	case resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote store returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrNetwork, err)
	}
	return respBody, nil
}

func (r *HTTPRemoteStore) authorize(ctx context.Context, req *http.Request) error {
	if r.Token == nil {
		return nil
	}
	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
