// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plexguide/huntarr/internal/models"
	"github.com/plexguide/huntarr/internal/services/scheduler"
)

const defaultHistory = 100

type SchedulesHandler struct {
	engine *scheduler.Engine
}

func NewSchedulesHandler(engine *scheduler.Engine) *SchedulesHandler {
	return &SchedulesHandler{engine: engine}
}

func (h *SchedulesHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/history", h.History)
	r.Delete("/{ruleID}", h.Delete)
}

// ScheduleRuleResponse decorates a rule with its next occurrence.
type ScheduleRuleResponse struct {
	*models.ScheduleRule
	NextRun *time.Time `json:"nextRun,omitempty"`
}

func (h *SchedulesHandler) withNextRun(rule *models.ScheduleRule) ScheduleRuleResponse {
	resp := ScheduleRuleResponse{ScheduleRule: rule}
	if next, err := h.engine.NextRun(rule); err == nil && !next.IsZero() {
		resp.NextRun = &next
	}
	return resp
}

func (h *SchedulesHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.engine.ListRules(r.Context())
	if err != nil {
		RespondDomainError(w, err, "Failed to load schedules")
		return
	}

	out := make([]ScheduleRuleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, h.withNextRun(rule))
	}
	RespondJSON(w, http.StatusOK, out)
}

func (h *SchedulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule models.ScheduleRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	created, err := h.engine.AddRule(r.Context(), &rule)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidRule) {
			RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		RespondDomainError(w, err, "Failed to create schedule")
		return
	}
	RespondJSON(w, http.StatusCreated, h.withNextRun(created))
}

func (h *SchedulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "ruleID"))
	if err != nil || id <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}

	if err := h.engine.RemoveRule(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrScheduleRuleNotFound) {
			RespondError(w, http.StatusNotFound, "Schedule not found")
			return
		}
		RespondDomainError(w, err, "Failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SchedulesHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistory)
	if err != nil || limit < 0 {
		RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	history := h.engine.History(limit)
	if history == nil {
		history = []scheduler.Execution{}
	}
	RespondJSON(w, http.StatusOK, history)
}
