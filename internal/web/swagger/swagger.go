// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package swagger

import (
	_ "embed"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

//go:embed openapi.yaml
var openAPISpec []byte

// GetOpenAPISpec returns the embedded API document.
func GetOpenAPISpec() ([]byte, error) {
	if len(openAPISpec) == 0 {
		return nil, errors.New("openapi spec not embedded")
	}
	return openAPISpec, nil
}

// ServeSpec writes the document as YAML.
func ServeSpec(w http.ResponseWriter, r *http.Request) {
	spec, err := GetOpenAPISpec()
	if err != nil {
		log.Error().Err(err).Msg("failed to load OpenAPI spec")
		http.Error(w, "OpenAPI spec unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(spec)
}
