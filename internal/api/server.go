// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plexguide/huntarr/internal/api/handlers"
	"github.com/plexguide/huntarr/internal/api/middleware"
	"github.com/plexguide/huntarr/internal/config"
	"github.com/plexguide/huntarr/internal/models"
	"github.com/plexguide/huntarr/internal/services/cycle"
	"github.com/plexguide/huntarr/internal/services/scheduler"
	"github.com/plexguide/huntarr/internal/web/swagger"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	db            handlers.Pinger
	manager       *cycle.Manager
	scheduler     *scheduler.Engine
	settingsStore *models.AppSettingsStore
	statsStore    *models.AppStatsStore
}

type Dependencies struct {
	Config        *config.AppConfig
	Version       string
	DB            handlers.Pinger
	Manager       *cycle.Manager
	Scheduler     *scheduler.Engine
	SettingsStore *models.AppSettingsStore
	StatsStore    *models.AppStatsStore
}

func NewServer(deps *Dependencies) *Server {
	s := Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			// reset?wait=true may block for several minutes
			WriteTimeout: 11 * time.Minute,
			IdleTimeout:  180 * time.Second,
		},
		logger:        log.Logger.With().Str("module", "api").Logger(),
		config:        deps.Config,
		version:       deps.Version,
		db:            deps.DB,
		manager:       deps.Manager,
		scheduler:     deps.Scheduler,
		settingsStore: deps.SettingsStore,
		statsStore:    deps.StatsStore,
	}

	return &s
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := net.JoinHostPort(s.config.Config.Host, fmt.Sprint(s.config.Config.Port))

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}
	clickableURL := fmt.Sprintf("http://%s%s", host, s.config.Config.BaseURL)

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: %s", clickableURL)

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.APIKeyHeader},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
		Debug:            false,
	})
	r.Use(corsMiddleware.Handler)

	healthHandler := handlers.NewHealthHandler(s.db, s.version)
	appsHandler := handlers.NewAppsHandler(s.manager)
	settingsHandler := handlers.NewSettingsHandler(s.settingsStore, s.manager)
	schedulesHandler := handlers.NewSchedulesHandler(s.scheduler)
	statsHandler := handlers.NewStatsHandler(s.statsStore)

	apiRouter := chi.NewRouter()

	apiRouter.Group(func(r chi.Router) {
		r.Use(middleware.Logger(s.logger))
		r.Use(middleware.RequireAPIKey(s.config.Config.APIKey))

		r.Get("/openapi.yaml", swagger.ServeSpec)

		r.Route("/apps", appsHandler.Routes)
		r.Route("/settings", settingsHandler.Routes)
		r.Route("/schedules", schedulesHandler.Routes)

		r.Get("/stats", statsHandler.Get)
		r.Delete("/stats", statsHandler.Reset)
	})

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}

	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/healthz/readiness", healthHandler.HandleReady)
	r.Get("/healthz/liveness", healthHandler.HandleLiveness)

	r.Mount(baseURL+"api", apiRouter)

	if baseURL != "/" {
		r.Get("/", func(w http.ResponseWriter, request *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Must use baseUrl: " + s.config.Config.BaseURL + " instead of /"))
		})
	}

	return r, nil
}
