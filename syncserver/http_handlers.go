// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/m-thenot/preorder-sync/syncwire"
)

// HTTPHandlers exposes the SyncService over plain net/http, the teacher's
// own idiom (oversync/http_handlers.go never reaches for a web
// framework for its sync endpoints).
type HTTPHandlers struct {
	service     *SyncService
	broadcaster *Broadcaster
	logger      *slog.Logger
}

func NewHTTPHandlers(service *SyncService, broadcaster *Broadcaster, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, broadcaster: broadcaster, logger: logger}
}

// Register wires every endpoint named in spec §6 onto mux, mirroring the
// example binary's registration style (examples/nethttp_server).
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/push", h.handlePush)
	mux.HandleFunc("GET /sync/pull", h.handlePull)
	mux.HandleFunc("GET /sync/snapshot", h.handleSnapshot)
	mux.HandleFunc("GET /sync/events", h.handleEvents)
	mux.HandleFunc("GET /sync/changelog", h.handleChangeLogAdmin)
	mux.HandleFunc("GET /partners", h.handlePartners)
	mux.HandleFunc("GET /products", h.handleProducts)
	mux.HandleFunc("GET /units", h.handleUnits)
}

func (h *HTTPHandlers) handlePush(w http.ResponseWriter, r *http.Request) {
	var req syncwire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := h.service.ProcessPush(r.Context(), req)
	if err != nil {
		h.logger.Error("process push", "error", err)
		h.writeError(w, http.StatusInternalServerError, "push processing failed")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) handlePull(w http.ResponseWriter, r *http.Request) {
	since, err := parseInt64Param(r, "since", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	limit, err := parseIntParam(r, "limit", 100)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	resp, err := h.service.ProcessPull(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("process pull", "error", err)
		h.writeError(w, http.StatusInternalServerError, "pull processing failed")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ProcessSnapshot(r.Context())
	if err != nil {
		h.logger.Error("process snapshot", "error", err)
		h.writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	h.broadcaster.ServeHTTP(w, r)
}

// handleChangeLogAdmin serves the admin/diagnostics surface supplemented
// per SPEC_FULL §C, adapted from oversync/admin.go's failure-inspection
// endpoints to this domain's change-log-only (no materialization) model.
func (h *HTTPHandlers) handleChangeLogAdmin(w http.ResponseWriter, r *http.Request) {
	since, err := parseInt64Param(r, "since", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	entries, err := ListChangeLog(r.Context(), h.service.pool, since, 500)
	if err != nil {
		h.logger.Error("list change log", "error", err)
		h.writeError(w, http.StatusInternalServerError, "change log query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"operations": entries})
}

func (h *HTTPHandlers) handlePartners(w http.ResponseWriter, r *http.Request) {
	bags, err := queryBags(r.Context(), h.service.pool, `SELECT id, name, code, type FROM partners`, []string{"id", "name", "code", "type"})
	if err != nil {
		h.logger.Error("list partners", "error", err)
		h.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"partners": bags})
}

func (h *HTTPHandlers) handleProducts(w http.ResponseWriter, r *http.Request) {
	bags, err := queryBags(r.Context(), h.service.pool, `SELECT id, name, short_name, sku, code FROM products`, []string{"id", "name", "short_name", "sku", "code"})
	if err != nil {
		h.logger.Error("list products", "error", err)
		h.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"products": bags})
}

func (h *HTTPHandlers) handleUnits(w http.ResponseWriter, r *http.Request) {
	bags, err := queryBags(r.Context(), h.service.pool, `SELECT id, name, abbreviation FROM units`, []string{"id", "name", "abbreviation"})
	if err != nil {
		h.logger.Error("list units", "error", err)
		h.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"units": bags})
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func parseInt64Param(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
