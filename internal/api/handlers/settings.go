// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/models"
	"github.com/plexguide/huntarr/internal/services/cycle"
)

type SettingsHandler struct {
	store   *models.AppSettingsStore
	manager *cycle.Manager
}

func NewSettingsHandler(store *models.AppSettingsStore, manager *cycle.Manager) *SettingsHandler {
	return &SettingsHandler{store: store, manager: manager}
}

func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/{app}", h.Get)
	r.Put("/{app}", h.Put)
}

// Get returns the settings of one app with API keys redacted.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	app, err := domain.ParseBaseApp(chi.URLParam(r, "app"))
	if err != nil {
		RespondDomainError(w, err, "Invalid app")
		return
	}

	settings, err := h.store.Get(r.Context(), app)
	if err != nil {
		RespondDomainError(w, err, "Failed to load settings")
		return
	}
	RespondJSON(w, http.StatusOK, settings.Redacted())
}

// Put replaces the settings of one app. Redacted or blank API keys keep the
// stored value.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	app, err := domain.ParseBaseApp(chi.URLParam(r, "app"))
	if err != nil {
		RespondDomainError(w, err, "Invalid app")
		return
	}

	var input models.AppSettings
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		log.Warn().Err(err).Msg("failed to decode settings request")
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	input.App = app

	saved, err := h.store.Put(r.Context(), &input)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSettings) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		RespondDomainError(w, err, "Failed to save settings")
		return
	}

	if err := h.manager.ApplySettings(saved); err != nil {
		RespondDomainError(w, err, "Failed to apply settings")
		return
	}

	RespondJSON(w, http.StatusOK, saved.Redacted())
}
