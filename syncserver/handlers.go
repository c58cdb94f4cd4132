// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qashsolutions/mango-sub000/healthrecord"
	"github.com/qashsolutions/mango-sub000/internal/auth"
)

// Handlers exposes the sync API over HTTP.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, logger: logger}
}

// Router mounts the sync API behind JWT authentication. A bare HEAD /
// responds unauthenticated so clients can probe connectivity.
func Router(service *Service, jwtAuth *JWTAuth, logger *slog.Logger) http.Handler {
	h := NewHandlers(service, logger)
	r := chi.NewRouter()

	r.Head("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post("/sync/push", h.HandlePush)
		r.Get("/sync/pull", h.HandlePull)
		r.Delete("/sync/records/{id}", h.HandleDelete)
	})
	return r
}

// HandlePush processes one pushed record.
func (h *Handlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "missing identity")
		return
	}

	var rec healthrecord.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse record")
		return
	}

	resp, err := h.service.ProcessPush(r.Context(), userID, &rec)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, "invalid_record", verr.Error())
			return
		}
		h.logger.Error("failed to process push", "error", err, "user_id", userID, "record_id", rec.ID)
		writeError(w, http.StatusInternalServerError, "push_failed", "failed to process push")
		return
	}
	writeJSON(w, h.logger, resp)
}

// HandlePull processes a watermark pull.
func (h *Handlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "missing identity")
		return
	}
	deviceID, _ := auth.DeviceID(r.Context())

	since := int64(0)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be a non-negative integer")
			return
		}
		since = parsed
	}
	sinceID := r.URL.Query().Get("since_id")

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	excludeDevice := deviceID
	if r.URL.Query().Get("include_self") == "true" {
		excludeDevice = ""
	}

	resp, err := h.service.ProcessPull(r.Context(), userID, since, sinceID, excludeDevice, limit)
	if err != nil {
		h.logger.Error("failed to process pull", "error", err, "user_id", userID, "since", since)
		writeError(w, http.StatusInternalServerError, "pull_failed", "failed to process pull")
		return
	}
	writeJSON(w, h.logger, resp)
}

// HandleDelete garbage-collects one record.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "missing identity")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "record id required")
		return
	}

	if err := h.service.ProcessDelete(r.Context(), userID, id); err != nil {
		h.logger.Error("failed to process delete", "error", err, "user_id", userID, "record_id", id)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to process delete")
		return
	}
	writeJSON(w, h.logger, map[string]string{"status": "deleted"})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}
