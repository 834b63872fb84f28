// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"fmt"
	"strings"
)

// EntityKind identifies an entity type for path resolution and outbox entry
// typing.
type EntityKind string

const (
	KindOwner    EntityKind = "hkd"
	KindCategory EntityKind = "category"
	KindProduct  EntityKind = "product"
	KindSale     EntityKind = "sale"
)

// DeleteSuffix marks an outbox entry as a soft-delete intent.
const DeleteSuffix = "_delete"

// ProductLayout selects how product paths are laid out on the remote store.
type ProductLayout int

const (
	// NestedProducts addresses a product through its owning category:
	// {entityRoot}/{owner}/categories/{category}/{product}.
	NestedProducts ProductLayout = iota
	// FlatProducts addresses a product directly:
	// {entityRoot}/{owner}/products/{product}.
	FlatProducts
)

// Roots names the top-level nodes of the remote tree.
type Roots struct {
	Entity string // owner-scoped data
	Sales  string // cross-owner sales mirror for reporting
	Auth   string // phone -> credentials lookup
}

// DefaultRoots returns the production tree roots.
func DefaultRoots() Roots {
	return Roots{Entity: "hkd", Sales: "sales", Auth: "auth"}
}

// PathResolver is the single place remote paths are constructed. Both the
// push and pull phases resolve through it, so the nested and flattened
// product layouts cannot drift apart again.
type PathResolver struct {
	roots  Roots
	layout ProductLayout
}

// NewPathResolver creates a resolver for the given roots and product layout.
func NewPathResolver(roots Roots, layout ProductLayout) *PathResolver {
	return &PathResolver{roots: roots, layout: layout}
}

// Layout returns the configured product layout.
func (r *PathResolver) Layout() ProductLayout { return r.layout }

// PathFor resolves the remote path of a single entity. parentID is the
// category id and is required for products in the nested layout: a product
// write without a known category must fail fast rather than silently land on
// a wrong path.
func (r *PathResolver) PathFor(kind EntityKind, ownerID, parentID, id string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner id required for %s path", ErrValidation, kind)
	}
	switch kind {
	case KindOwner:
		return join(r.roots.Entity, ownerID, "info"), nil
	case KindCategory:
		if id == "" {
			return "", fmt.Errorf("%w: category id required", ErrValidation)
		}
		return join(r.roots.Entity, ownerID, "categories", id), nil
	case KindProduct:
		if id == "" {
			return "", fmt.Errorf("%w: product id required", ErrValidation)
		}
		if r.layout == FlatProducts {
			return join(r.roots.Entity, ownerID, "products", id), nil
		}
		if parentID == "" {
			return "", fmt.Errorf("%w: product %s", ErrMissingCategory, id)
		}
		return join(r.roots.Entity, ownerID, "categories", parentID, id), nil
	case KindSale:
		if id == "" {
			return "", fmt.Errorf("%w: sale id required", ErrValidation)
		}
		return join(r.roots.Entity, ownerID, "sales", id), nil
	default:
		return "", fmt.Errorf("%w: unknown entity kind %q", ErrValidation, kind)
	}
}

// SalesMirrorPath resolves the flattened cross-owner mirror of a sale, used
// by reporting queries that span owners.
func (r *PathResolver) SalesMirrorPath(saleID string) string {
	return join(r.roots.Sales, saleID)
}

// AuthPath resolves the credentials node for a phone number.
func (r *PathResolver) AuthPath(phone string) string {
	return join(r.roots.Auth, phone)
}

// OwnerRoot resolves the root node of one owner, removed only by the
// dedicated true-delete operation.
func (r *PathResolver) OwnerRoot(ownerID string) string {
	return join(r.roots.Entity, ownerID)
}

// CollectionPath resolves the node the pull phase reads for one collection.
func (r *PathResolver) CollectionPath(collection, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner id required for collection path", ErrValidation)
	}
	switch collection {
	case ColOwners:
		return join(r.roots.Entity, ownerID, "info"), nil
	case ColCategories:
		return join(r.roots.Entity, ownerID, "categories"), nil
	case ColProducts:
		if r.layout == FlatProducts {
			return join(r.roots.Entity, ownerID, "products"), nil
		}
		// Nested products are pulled together with their categories.
		return join(r.roots.Entity, ownerID, "categories"), nil
	case ColSales:
		return join(r.roots.Entity, ownerID, "sales"), nil
	default:
		return "", fmt.Errorf("%w: unknown collection %q", ErrValidation, collection)
	}
}

// KindForCollection maps a local collection to its entity kind.
func KindForCollection(collection string) (EntityKind, bool) {
	switch collection {
	case ColOwners:
		return KindOwner, true
	case ColCategories:
		return KindCategory, true
	case ColProducts:
		return KindProduct, true
	case ColSales:
		return KindSale, true
	default:
		return "", false
	}
}

// CollectionForKind maps an entity kind (or its delete variant) back to the
// local collection it lives in.
func CollectionForKind(kind EntityKind) (string, bool) {
	switch EntityKind(strings.TrimSuffix(string(kind), DeleteSuffix)) {
	case KindOwner:
		return ColOwners, true
	case KindCategory:
		return ColCategories, true
	case KindProduct:
		return ColProducts, true
	case KindSale:
		return ColSales, true
	default:
		return "", false
	}
}

// IsDeleteKind reports whether an outbox entry type is a soft-delete intent.
func IsDeleteKind(entryType string) bool {
	return strings.HasSuffix(entryType, DeleteSuffix)
}

func join(parts ...string) string {
	return strings.Join(parts, "/")
}
