// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

// Package hkdsync implements the offline-first bidirectional sync core for
// the HKD POS application: pending-mutation outbox, remote store adapter with
// path resolution, pull/push sync engine with last-write-wins merging, and a
// realtime change listener.
package hkdsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// Doc is a schemaless entity document, the unit of storage and transmission.
// Every document carries an "id", a "lastUpdated" unix-millisecond timestamp
// (the sole conflict arbiter) and optionally the tombstone fields "_deleted"
// and "_deletedAt". Documents written as a direct result of a remote pull are
// tagged "_synced": true so they are never re-enqueued to the outbox.
type Doc = map[string]any

// Local collection names, one per entity type.
const (
	ColOwners     = "hkds"
	ColCategories = "categories"
	ColProducts   = "products"
	ColSales      = "sales"
)

// Collections lists the synced collections in pull order. Owners come first
// so categories and products pulled in the same pass resolve their owner.
var Collections = []string{ColOwners, ColCategories, ColProducts, ColSales}

// Owner statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// FallbackCategoryName is the literal fallback category that always exists
// for every owner. Products whose category is unknown land here.
const FallbackCategoryName = "Khác"

// Owner is a household business unit. Never hard-deleted by normal flows;
// deactivation flips Status, removal writes a tombstone.
type Owner struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Address      string `json:"address"`
	PasswordHash string `json:"passwordHash"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
	LastUpdated  int64  `json:"lastUpdated"`
}

// Category belongs to exactly one owner.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerID     string `json:"ownerId"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Product belongs to one owner and one category. Stock never goes negative.
type Product struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"ownerId"`
	CategoryID  string  `json:"categoryId"`
	Name        string  `json:"name"`
	Code        string  `json:"code"`
	Price       float64 `json:"price"`
	Cost        float64 `json:"cost"`
	Stock       float64 `json:"stock"`
	Unit        string  `json:"unit"`
	Barcode     string  `json:"barcode"`
	CreatedAt   int64   `json:"createdAt"`
	LastUpdated int64   `json:"lastUpdated"`
}

// LineItem is one sale line. All string fields default to empty string
// rather than being absent: the remote store rejects undefined values.
type LineItem struct {
	ProductID    string  `json:"productId"`
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	OriginalName string  `json:"originalName"`
	Price        float64 `json:"price"`
	Cost         float64 `json:"cost"`
	Quantity     float64 `json:"quantity"`
	Unit         string  `json:"unit"`
	Total        float64 `json:"total"`
}

// Sale is immutable once created except for the synced/lastUpdated
// bookkeeping fields.
type Sale struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	OwnerName     string     `json:"ownerName"`
	CustomerName  string     `json:"customerName"`
	CustomerPhone string     `json:"customerPhone"`
	Items         []LineItem `json:"items"`
	Subtotal      float64    `json:"subtotal"`
	Discount      float64    `json:"discount"`
	Tax           float64    `json:"tax"`
	Total         float64    `json:"total"`
	PaymentMethod string     `json:"paymentMethod"`
	Timestamp     int64      `json:"timestamp"`
	Synced        bool       `json:"synced"`
	LastUpdated   int64      `json:"lastUpdated"`
}

// nowMillis is the timestamp source for lastUpdated stamps; overridable in
// tests to drive last-write-wins scenarios deterministically.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// ToDoc converts a typed entity to its document form via JSON round-trip, so
// field names on the wire always match the struct tags.
func ToDoc(v any) (Doc, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode entity document: %w", err)
	}
	return doc, nil
}

// FromDoc decodes a document into a typed entity.
func FromDoc(doc Doc, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// DocID returns the document id.
func DocID(doc Doc) string {
	id, _ := doc["id"].(string)
	return id
}

// LastUpdated returns the document's conflict timestamp, tolerating the
// numeric types JSON decoding produces.
func LastUpdated(doc Doc) int64 {
	return asInt64(doc["lastUpdated"])
}

// IsDeleted reports whether the document is a soft-delete tombstone.
func IsDeleted(doc Doc) bool {
	v, _ := doc["_deleted"].(bool)
	return v
}

// IsRemoteOrigin reports whether the document was written as a direct result
// of a remote pull or realtime event, and therefore must not be re-enqueued.
func IsRemoteOrigin(doc Doc) bool {
	v, _ := doc["_synced"].(bool)
	return v
}

// TagRemoteOrigin marks a document as remote-origin before a local write.
func TagRemoteOrigin(doc Doc) Doc {
	doc["_synced"] = true
	return doc
}

// Tombstone converts a document into a soft-delete tombstone in place.
func Tombstone(doc Doc, now int64) Doc {
	doc["_deleted"] = true
	doc["_deletedAt"] = now
	doc["lastUpdated"] = now
	return doc
}

// Normalize replaces nil values with their zero equivalents so no undefined
// field ever reaches the remote store: strings become "", absent maps become
// empty objects, nil list entries are dropped.
func Normalize(doc Doc) Doc {
	for k, v := range doc {
		switch tv := v.(type) {
		case nil:
			doc[k] = ""
		case map[string]any:
			doc[k] = Normalize(tv)
		case []any:
			items := make([]any, 0, len(tv))
			for _, it := range tv {
				if it == nil {
					continue
				}
				if m, ok := it.(map[string]any); ok {
					it = Normalize(m)
				}
				items = append(items, it)
			}
			doc[k] = items
		}
	}
	return doc
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
