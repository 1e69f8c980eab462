// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/plexguide/huntarr/internal/models"
)

type StatsHandler struct {
	store *models.AppStatsStore
}

func NewStatsHandler(store *models.AppStatsStore) *StatsHandler {
	return &StatsHandler{store: store}
}

func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.List(r.Context())
	if err != nil {
		RespondDomainError(w, err, "Failed to load stats")
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

// Reset clears lifetime stats for every app.
func (h *StatsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Reset(r.Context()); err != nil {
		RespondDomainError(w, err, "Failed to reset stats")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
