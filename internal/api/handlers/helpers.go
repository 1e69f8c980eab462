// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/domain"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON writes data as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// RespondError writes an error body with the given status.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondDomainError maps domain errors to HTTP statuses. Unknown apps are a
// bad request, missing configuration is not found, everything else is logged
// and reported as an internal error with the given fallback message.
func RespondDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrUnknownApp):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAppNotConfigured):
		RespondError(w, http.StatusNotFound, err.Error())
	case domain.IsConfigurationError(err):
		RespondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg(fallback)
		RespondError(w, http.StatusInternalServerError, fallback)
	}
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
