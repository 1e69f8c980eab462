// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/domain"
	"github.com/plexguide/huntarr/internal/services/cycle"
)

const (
	defaultResetWait = 60 * time.Second
	maxResetWait     = 10 * time.Minute
	defaultActivity  = 50
)

// AppsHandler exposes cycle status and the admin operations.
type AppsHandler struct {
	manager *cycle.Manager
}

func NewAppsHandler(manager *cycle.Manager) *AppsHandler {
	return &AppsHandler{manager: manager}
}

func (h *AppsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Route("/{app}", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/enable", h.Enable)
		r.Post("/disable", h.Disable)
		r.Post("/reset", h.Reset)
		r.Put("/cap", h.SetCap)
		r.Get("/activity", h.Activity)
	})
}

// appFromPath accepts bare and scoped identifiers and returns the identity
// the store keys on.
func appFromPath(r *http.Request) (domain.AppIdentity, error) {
	return domain.ParseAppIdentity(chi.URLParam(r, "app"))
}

func (h *AppsHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.manager.StatusAll(r.Context())
	if err != nil {
		RespondDomainError(w, err, "Failed to load app status")
		return
	}
	RespondJSON(w, http.StatusOK, statuses)
}

func (h *AppsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := appFromPath(r)
	if err != nil {
		RespondDomainError(w, err, "Invalid app")
		return
	}

	status, err := h.manager.Status(r.Context(), id.Base)
	if err != nil {
		RespondDomainError(w, err, "Failed to load app status")
		return
	}
	RespondJSON(w, http.StatusOK, status)
}

func (h *AppsHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.manager.Enable)
}

func (h *AppsHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.manager.Disable)
}

func (h *AppsHandler) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, domain.BaseApp) (cycle.ActionResult, error)) {
	id, err := appFromPath(r)
	if err != nil {
		RespondDomainError(w, err, "Invalid app")
		return
	}

	result, err := fn(r.Context(), id.Base)
	if err != nil {
		RespondDomainError(w, err, "Failed to update app")
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

type setCapRequest struct {
	Cap *int `json:"cap"`
}

func (h *AppsHandler) SetCap(w http.ResponseWriter, r *http.Request) {
	id, err := appFromPath(r)
	if err != nil {
		RespondDomainError(w, err, "Invalid app")
		return
	}

	var req setCapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if req.Cap == nil || *req.Cap < 0 {
		RespondError(w, http.StatusBadRequest, "cap must be a non-negative integer")
		return
	}

	result, err := h.manager.SetAPICap(r.Context(), id.Base, *req.Cap)
	if err != nil {
		RespondDomainError(w, err, "Failed to set hourly cap")
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// ResetResponse reports a reset request and, when waited for, its result.
type ResetResponse struct {
	Ticket    cycle.Ticket `json:"ticket"`
	Completed bool         `json:"completed"`
	State     *cycle.State `json:"state,omitempty"`
}

// Reset forces a new cycle. With wait=true the request blocks until the
// following pass completes or timeoutSeconds elapses.
func (h *AppsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id, err := appFromPath(r)
	if err != nil {
		RespondDomainError(w, err, "Invalid app")
		return
	}

	timeoutSeconds, err := queryInt(r, "timeoutSeconds", int(defaultResetWait/time.Second))
	if err != nil || timeoutSeconds <= 0 {
		RespondError(w, http.StatusBadRequest, "timeoutSeconds must be a positive integer")
		return
	}

	ticket, err := h.manager.Reset(r.Context(), id.Base)
	if err != nil {
		RespondDomainError(w, err, "Failed to reset app")
		return
	}

	resp := ResetResponse{Ticket: ticket}
	if !queryBool(r, "wait") {
		RespondJSON(w, http.StatusAccepted, resp)
		return
	}

	timeout := min(time.Duration(timeoutSeconds)*time.Second, maxResetWait)
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	state, err := h.manager.AwaitReset(ctx, ticket)
	switch {
	case err == nil:
		resp.Completed = true
		resp.State = &state
		RespondJSON(w, http.StatusOK, resp)
	case errors.Is(err, context.DeadlineExceeded):
		RespondJSON(w, http.StatusAccepted, resp)
	case errors.Is(err, context.Canceled):
		log.Debug().Str("app", id.String()).Msg("reset wait abandoned by client")
	default:
		RespondDomainError(w, err, "Failed waiting for reset")
	}
}

func (h *AppsHandler) Activity(w http.ResponseWriter, r *http.Request) {
	id, err := appFromPath(r)
	if err != nil {
		RespondDomainError(w, err, "Invalid app")
		return
	}

	limit, err := queryInt(r, "limit", defaultActivity)
	if err != nil || limit < 0 {
		RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	events := h.manager.GetActivity(id.Base, limit)
	if events == nil {
		events = []cycle.ActivityEvent{}
	}
	RespondJSON(w, http.StatusOK, events)
}
