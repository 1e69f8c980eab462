// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Server exposes /metrics on its own listener, separate from the API.
type Server struct {
	server  *http.Server
	manager *Manager
	users   map[string]string
}

// NewMetricsServer builds the server. basicAuthUsers is a comma separated
// list of user:bcrypt_hash pairs; empty disables authentication.
func NewMetricsServer(manager *Manager, host string, port int, basicAuthUsers string) (*Server, error) {
	users, err := ParseBasicAuthUsers(basicAuthUsers)
	if err != nil {
		return nil, err
	}

	s := &Server{manager: manager, users: users}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(users) > 0 {
		r.Use(s.basicAuth)
	}
	r.Handle("/metrics", promhttp.HandlerFor(manager.GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Bool("auth", len(s.users) > 0).Msg("metrics: starting server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			if hash, found := s.users[user]; found && bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

// ParseBasicAuthUsers parses "user1:hash1,user2:hash2".
func ParseBasicAuthUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("invalid metrics basic auth entry %q: expected user:bcrypt_hash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash for metrics user %q: %w", user, err)
		}
		users[user] = hash
	}
	return users, nil
}
