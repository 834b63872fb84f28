// Copyright 2025 Datkep92
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Datkep92/banbia-sub000/internal/auth"
)

// Server exposes the tree data API and the SSE change feed.
type Server struct {
	store      TreeStore
	hub        *Hub
	jwt        *JWTAuth
	entityRoot string
	logger     *slog.Logger
}

// NewServer creates the HTTP server around a tree store. entityRoot is the
// top-level node holding owner-scoped data; it must match the root the sync
// clients resolve paths under, or their writes will not feed the change
// stream. Empty selects the default "hkd".
func NewServer(store TreeStore, jwtAuth *JWTAuth, logger *slog.Logger, entityRoot string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if entityRoot == "" {
		entityRoot = "hkd"
	}
	return &Server{
		store:      store,
		hub:        NewHub(),
		jwt:        jwtAuth,
		entityRoot: entityRoot,
		logger:     logger,
	}
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/data/*", s.handleGet)
			r.Put("/data/*", s.handlePut)
			r.Patch("/data/*", s.handlePatch)
			r.Delete("/data/*", s.handleDelete)
			r.Get("/stream/{owner}/{collection}", s.handleStream)
		})
	})
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, deviceID, err := s.jwt.identify(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := auth.SetOwnerID(r.Context(), ownerID)
		ctx = auth.SetDeviceID(ctx, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path, err := dataPath(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	node, err := s.store.GetNode(r.Context(), path)
	if err != nil {
		s.logger.Error("tree read failed", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("read failed"))
		return
	}
	if node == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("node not found"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(node)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	path, doc, ok := s.decodeWrite(w, r)
	if !ok {
		return
	}
	if err := s.store.PutNode(r.Context(), path, doc); err != nil {
		s.logger.Error("tree put failed", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("write failed"))
		return
	}
	s.publishChange(path, doc)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	path, fields, ok := s.decodeWrite(w, r)
	if !ok {
		return
	}
	if err := s.store.PatchNode(r.Context(), path, fields); err != nil {
		s.logger.Error("tree patch failed", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("write failed"))
		return
	}
	// Publish the merged node so subscribers see a full document.
	node, err := s.store.GetNode(r.Context(), path)
	if err != nil || node == nil {
		node = fields
	}
	s.publishChange(path, node)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path, err := dataPath(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.DeleteNode(r.Context(), path); err != nil {
		s.logger.Error("tree delete failed", "path", path, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("delete failed"))
		return
	}
	if owner, collection, id, ok := s.changeTopic(path); ok {
		s.hub.Publish(owner, collection, ChangeEvent{
			Type:       "delete",
			Collection: collection,
			ID:         id,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner")
	collection := chi.URLParam(r, "collection")

	// Devices may only stream their own data.
	if authOwner, ok := auth.GetOwnerID(r.Context()); !ok || authOwner != ownerID {
		s.writeError(w, http.StatusForbidden, fmt.Errorf("owner mismatch"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	events, unsubscribe := s.hub.Subscribe(ownerID, collection)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode stream event", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) decodeWrite(w http.ResponseWriter, r *http.Request) (string, map[string]any, bool) {
	path, err := dataPath(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return "", nil, false
	}
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %v", err))
		return "", nil, false
	}
	return path, doc, true
}

func (s *Server) publishChange(path string, doc map[string]any) {
	if owner, collection, id, ok := s.changeTopic(path); ok {
		s.hub.Publish(owner, collection, ChangeEvent{
			Type:       "put",
			Collection: collection,
			ID:         id,
			Doc:        doc,
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// dataPath extracts the tree path from a /v1/data/* request.
func dataPath(r *http.Request) (string, error) {
	path := strings.Trim(chi.URLParam(r, "*"), "/")
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid path segment")
		}
	}
	return path, nil
}

// changeTopic maps a tree path to the owner/collection topic and entity id it
// affects. Writes outside the owner-scoped entity tree (the sales mirror, the
// auth lookup) publish nothing.
func (s *Server) changeTopic(path string) (owner, collection, id string, ok bool) {
	segs := strings.Split(path, "/")
	if segs[0] != s.entityRoot || len(segs) < 3 {
		return "", "", "", false
	}
	owner = segs[1]
	switch {
	case len(segs) == 3 && segs[2] == "info":
		return owner, "hkds", owner, true
	case len(segs) == 4 && segs[2] == "categories":
		return owner, "categories", segs[3], true
	case len(segs) == 4 && segs[2] == "products":
		return owner, "products", segs[3], true
	case len(segs) == 4 && segs[2] == "sales":
		return owner, "sales", segs[3], true
	case len(segs) == 5 && segs[2] == "categories":
		// Nested product under its category.
		return owner, "products", segs[4], true
	default:
		return "", "", "", false
	}
}
