package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/database"
	"github.com/snappy-loop/backdrop/internal/services"
)

// ListGenerations handles GET /v1/generations
func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var cursor *time.Time
	if v := r.URL.Query().Get("cursor"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = &t
	}

	page, err := h.generations.List(r.Context(), limit, cursor)
	if err != nil {
		if errors.Is(err, services.ErrHistoryUnavailable) {
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to list generations")
		writeJSONError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// GetGeneration handles GET /v1/generations/{id}
func (h *Handler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid generation id")
		return
	}

	g, err := h.generations.Get(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "generation not found")
		return
	case errors.Is(err, services.ErrHistoryUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("generation_id", id.String()).Msg("Failed to get generation")
		writeJSONError(w, http.StatusInternalServerError, "failed to get generation")
		return
	}

	writeJSON(w, http.StatusOK, g)
}
