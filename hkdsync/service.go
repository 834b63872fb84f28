// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package hkdsync

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Datkep92/banbia-sub000/hkdstore"
)

// phoneRe accepts Vietnamese mobile/landline numbers: a leading zero and 9
// or 10 further digits.
var phoneRe = regexp.MustCompile(`^0\d{9,10}$`)

const minPasswordLen = 6

// Service exposes the narrow operation set the UI layer calls into. Every
// mutation writes the local durable store first, then enqueues the intent to
// the outbox; offline is an expected state and mutations succeed locally
// regardless of connectivity.
type Service struct {
	store    *hkdstore.Store
	outbox   *Outbox
	engine   *Engine
	remote   RemoteStore
	resolver *PathResolver
	sctx     *SyncContext
	logger   *slog.Logger
}

// NewService wires the application service over the sync core.
func NewService(store *hkdstore.Store, outbox *Outbox, engine *Engine,
	remote RemoteStore, resolver *PathResolver, sctx *SyncContext, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		outbox:   outbox,
		engine:   engine,
		remote:   remote,
		resolver: resolver,
		sctx:     sctx,
		logger:   logger,
	}
}

// CreateOwner validates and creates a household business unit. The phone
// number must be well-formed and unique (checked against the local secondary
// index); the password is hashed with bcrypt before it is stored anywhere.
func (s *Service) CreateOwner(ctx context.Context, name, phone, address, password string) Result {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" {
		return errResult(fmt.Errorf("%w: name is required", ErrValidation))
	}
	if !phoneRe.MatchString(phone) {
		return errResult(fmt.Errorf("%w: invalid phone number %q", ErrValidation, phone))
	}
	if len(password) < minPasswordLen {
		return errResult(fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLen))
	}

	existing, err := s.store.GetByIndex(ctx, ColOwners, "phone", phone)
	if err != nil {
		return errResult(err)
	}
	if existing != nil {
		return errResult(fmt.Errorf("%w: phone number already registered", ErrValidation))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errResult(fmt.Errorf("failed to hash password: %w", err))
	}

	now := nowMillis()
	owner := Owner{
		ID:           uuid.New().String(),
		Name:         name,
		Phone:        phone,
		Address:      address,
		PasswordHash: string(hash),
		Status:       StatusActive,
		CreatedAt:    now,
		LastUpdated:  now,
	}
	doc, err := ToDoc(owner)
	if err != nil {
		return errResult(err)
	}
	if res := s.writeAndEnqueue(ctx, ColOwners, KindOwner, doc); !res.Success {
		return res
	}

	// Every owner starts with the fallback category, so products always have
	// a resolvable category path.
	if _, err := s.ensureFallbackCategory(ctx, owner.ID); err != nil {
		s.logger.Warn("failed to create fallback category", "ownerId", owner.ID, "error", err)
	}

	res := okResult(owner.ID)
	res.SavedOffline = !s.sctx.Online()
	return res
}

// UpdateOwner applies field edits to an owner and queues the update.
func (s *Service) UpdateOwner(ctx context.Context, ownerID string, fields Doc) Result {
	doc, err := s.store.Get(ctx, ColOwners, ownerID)
	if err != nil {
		return errResult(err)
	}
	if doc == nil || IsDeleted(doc) {
		return errResult(fmt.Errorf("%w: owner %s not found", ErrValidation, ownerID))
	}
	for k, v := range fields {
		switch k {
		case "id", "createdAt", "passwordHash", "_deleted", "_synced":
			// Not editable through this operation.
		default:
			doc[k] = v
		}
	}
	return s.writeAndEnqueue(ctx, ColOwners, KindOwner, doc)
}

// ToggleOwnerStatus flips an owner between active and inactive. Owners are
// never hard-deleted by normal flows.
func (s *Service) ToggleOwnerStatus(ctx context.Context, ownerID, newStatus string) Result {
	if newStatus != StatusActive && newStatus != StatusInactive {
		return errResult(fmt.Errorf("%w: invalid status %q", ErrValidation, newStatus))
	}
	return s.UpdateOwner(ctx, ownerID, Doc{"status": newStatus})
}

// AddCategory creates a category for an owner.
func (s *Service) AddCategory(ctx context.Context, ownerID, name string) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return errResult(fmt.Errorf("%w: category name is required", ErrValidation))
	}
	cat := Category{
		ID:          uuid.New().String(),
		Name:        name,
		OwnerID:     ownerID,
		LastUpdated: nowMillis(),
	}
	doc, err := ToDoc(cat)
	if err != nil {
		return errResult(err)
	}
	return s.writeAndEnqueue(ctx, ColCategories, KindCategory, doc)
}

// AddProduct creates a product. A product without a known live category is
// assigned to the owner's fallback category rather than being written to an
// unresolvable path.
func (s *Service) AddProduct(ctx context.Context, p Product) Result {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errResult(fmt.Errorf("%w: product name is required", ErrValidation))
	}
	if p.OwnerID == "" {
		return errResult(fmt.Errorf("%w: product owner is required", ErrValidation))
	}
	if p.Price < 0 || p.Cost < 0 || p.Stock < 0 {
		return errResult(fmt.Errorf("%w: price, cost and stock must not be negative", ErrValidation))
	}

	catOK := false
	if p.CategoryID != "" {
		cat, err := s.store.Get(ctx, ColCategories, p.CategoryID)
		if err != nil {
			return errResult(err)
		}
		catOK = cat != nil && !IsDeleted(cat)
	}
	if !catOK {
		fallbackID, err := s.ensureFallbackCategory(ctx, p.OwnerID)
		if err != nil {
			return errResult(err)
		}
		p.CategoryID = fallbackID
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := nowMillis()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	p.LastUpdated = now

	doc, err := ToDoc(p)
	if err != nil {
		return errResult(err)
	}
	return s.writeAndEnqueue(ctx, ColProducts, KindProduct, doc)
}

// DeleteProduct soft-deletes a product: a local tombstone plus a queued
// remote tombstone. The local tombstone wins over any pull that has not yet
// observed the deletion round-trip.
func (s *Service) DeleteProduct(ctx context.Context, productID string) Result {
	doc, err := s.store.Get(ctx, ColProducts, productID)
	if err != nil {
		return errResult(err)
	}
	if doc == nil {
		return errResult(fmt.Errorf("%w: product %s not found", ErrValidation, productID))
	}
	return s.tombstoneAndEnqueue(ctx, ColProducts, KindProduct, doc)
}

// DeleteCategory soft-deletes a category and cascades to its products.
func (s *Service) DeleteCategory(ctx context.Context, categoryID string) Result {
	doc, err := s.store.Get(ctx, ColCategories, categoryID)
	if err != nil {
		return errResult(err)
	}
	if doc == nil {
		return errResult(fmt.Errorf("%w: category %s not found", ErrValidation, categoryID))
	}

	products, err := s.store.FindByField(ctx, ColProducts, "categoryId", categoryID)
	if err != nil {
		return errResult(err)
	}
	for _, p := range products {
		if res := s.tombstoneAndEnqueue(ctx, ColProducts, KindProduct, p); !res.Success {
			return res
		}
	}
	return s.tombstoneAndEnqueue(ctx, ColCategories, KindCategory, doc)
}

// SaleItemInput is one requested sale line.
type SaleItemInput struct {
	ProductID string
	Quantity  float64
}

// RecordSale validates stock for every line item, decrements stock (floored
// at zero), writes the immutable sale document and queues it for sync. When
// the remote store is unreachable the sale still succeeds locally and the
// result carries SavedOffline.
func (s *Service) RecordSale(ctx context.Context, ownerID string, items []SaleItemInput, customerName, paymentMethod string) Result {
	if len(items) == 0 {
		return errResult(fmt.Errorf("%w: sale has no items", ErrValidation))
	}
	ownerDoc, err := s.store.Get(ctx, ColOwners, ownerID)
	if err != nil {
		return errResult(err)
	}
	if ownerDoc == nil || IsDeleted(ownerDoc) {
		return errResult(fmt.Errorf("%w: owner %s not found", ErrValidation, ownerID))
	}

	// Validate every line before mutating anything: an insufficient-stock
	// sale is rejected with no stock change at all.
	type line struct {
		product Product
		doc     Doc
		qty     float64
	}
	lines := make([]line, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return errResult(fmt.Errorf("%w: quantity must be positive", ErrValidation))
		}
		doc, err := s.store.Get(ctx, ColProducts, it.ProductID)
		if err != nil {
			return errResult(err)
		}
		if doc == nil || IsDeleted(doc) {
			return errResult(fmt.Errorf("%w: product %s not found", ErrValidation, it.ProductID))
		}
		var p Product
		if err := FromDoc(doc, &p); err != nil {
			return errResult(err)
		}
		if p.Stock < it.Quantity {
			return errResult(fmt.Errorf("%w: insufficient stock for %s (have %g, need %g)",
				ErrValidation, p.Name, p.Stock, it.Quantity))
		}
		lines = append(lines, line{product: p, doc: doc, qty: it.Quantity})
	}

	now := nowMillis()
	sale := Sale{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		OwnerName:     str(ownerDoc["name"]),
		CustomerName:  customerName,
		CustomerPhone: "",
		PaymentMethod: paymentMethod,
		Timestamp:     now,
		LastUpdated:   now,
	}
	for _, ln := range lines {
		item := LineItem{
			ProductID:    ln.product.ID,
			Code:         ln.product.Code,
			Name:         ln.product.Name,
			OriginalName: ln.product.Name,
			Price:        ln.product.Price,
			Cost:         ln.product.Cost,
			Quantity:     ln.qty,
			Unit:         ln.product.Unit,
			Total:        ln.product.Price * ln.qty,
		}
		sale.Items = append(sale.Items, item)
		sale.Subtotal += item.Total
	}
	sale.Total = sale.Subtotal - sale.Discount + sale.Tax

	// Decrement stock transactionally per product, floored at zero.
	for _, ln := range lines {
		stock := ln.product.Stock - ln.qty
		if stock < 0 {
			stock = 0
		}
		ln.doc["stock"] = stock
		ln.doc["lastUpdated"] = now
		delete(ln.doc, "_synced")
		if err := s.store.Put(ctx, ColProducts, ln.doc); err != nil {
			return errResult(err)
		}
		if err := s.outbox.Enqueue(ctx, KindProduct, ln.doc); err != nil {
			return errResult(err)
		}
	}

	saleDoc, err := ToDoc(sale)
	if err != nil {
		return errResult(err)
	}
	if res := s.writeAndEnqueue(ctx, ColSales, KindSale, saleDoc); !res.Success {
		return res
	}

	res := okResult(sale.ID)
	res.SavedOffline = !s.sctx.Online()
	return res
}

// TrueDeleteOwner hard-removes an owner's entire root node from the remote
// store and all local records. This is the only hard remove in the system;
// normal deactivation uses ToggleOwnerStatus.
func (s *Service) TrueDeleteOwner(ctx context.Context, ownerID string) Result {
	if err := s.remote.Delete(ctx, s.resolver.OwnerRoot(ownerID)); err != nil {
		return errResult(err)
	}
	if err := s.engine.deleteLocalCascade(ctx, ColOwners, ownerID); err != nil {
		return errResult(err)
	}
	return okResult(ownerID)
}

// ensureFallbackCategory returns the id of the owner's "Khác" category,
// creating it when absent.
func (s *Service) ensureFallbackCategory(ctx context.Context, ownerID string) (string, error) {
	cats, err := s.store.FindByField(ctx, ColCategories, "ownerId", ownerID)
	if err != nil {
		return "", err
	}
	for _, c := range cats {
		if name, _ := c["name"].(string); name == FallbackCategoryName {
			return DocID(c), nil
		}
	}
	cat := Category{
		ID:          uuid.New().String(),
		Name:        FallbackCategoryName,
		OwnerID:     ownerID,
		LastUpdated: nowMillis(),
	}
	doc, err := ToDoc(cat)
	if err != nil {
		return "", err
	}
	if res := s.writeAndEnqueue(ctx, ColCategories, KindCategory, doc); !res.Success {
		return "", fmt.Errorf("%s", res.Error)
	}
	return cat.ID, nil
}

// writeAndEnqueue is the canonical local-first mutation: stamp lastUpdated,
// persist locally, queue the intent, nudge the engine.
func (s *Service) writeAndEnqueue(ctx context.Context, collection string, kind EntityKind, doc Doc) Result {
	if LastUpdated(doc) == 0 {
		doc["lastUpdated"] = nowMillis()
	}
	delete(doc, "_synced")
	if err := s.store.Put(ctx, collection, doc); err != nil {
		return errResult(err)
	}
	if err := s.outbox.Enqueue(ctx, kind, doc); err != nil {
		return errResult(err)
	}
	s.engine.Kick()
	return okResult(DocID(doc))
}

func (s *Service) tombstoneAndEnqueue(ctx context.Context, collection string, kind EntityKind, doc Doc) Result {
	Tombstone(doc, nowMillis())
	delete(doc, "_synced")
	if err := s.store.Put(ctx, collection, doc); err != nil {
		return errResult(err)
	}
	if err := s.outbox.EnqueueDelete(ctx, kind, doc); err != nil {
		return errResult(err)
	}
	s.engine.Kick()
	return okResult(DocID(doc))
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
