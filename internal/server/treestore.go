// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

// Package server implements the self-hostable remote side of the HKD sync
// pair: a path-addressed JSON tree over Postgres with an SSE change feed,
// speaking the API the sync core's HTTPRemoteStore expects.
package server

import (
	"context"
	"strings"
)

// TreeStore persists the JSON tree. Nodes live at slash-separated paths and
// hold flat JSON objects; reading a path yields the node's own fields merged
// with its descendants, nested by relative path.
type TreeStore interface {
	// GetNode returns the assembled subtree at path, or nil when neither the
	// node nor any descendant exists.
	GetNode(ctx context.Context, path string) (map[string]any, error)
	// PutNode replaces the node's own fields.
	PutNode(ctx context.Context, path string, doc map[string]any) error
	// PatchNode merges fields into the node, creating it when absent.
	PatchNode(ctx context.Context, path string, fields map[string]any) error
	// DeleteNode removes the node and its entire subtree.
	DeleteNode(ctx context.Context, path string) error
}

// assembleTree merges a node's own fields with its descendants. rel maps
// descendant paths (relative to the node) to their field sets.
func assembleTree(own map[string]any, rel map[string]map[string]any) map[string]any {
	root := make(map[string]any, len(own)+len(rel))
	for k, v := range own {
		root[k] = v
	}
	for relPath, fields := range rel {
		node := root
		for _, seg := range strings.Split(relPath, "/") {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
		for k, v := range fields {
			node[k] = v
		}
	}
	return root
}
