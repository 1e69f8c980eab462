// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/plexguide/huntarr/internal/api"
	"github.com/plexguide/huntarr/internal/arr"
	"github.com/plexguide/huntarr/internal/buildinfo"
	"github.com/plexguide/huntarr/internal/config"
	"github.com/plexguide/huntarr/internal/database"
	"github.com/plexguide/huntarr/internal/metrics"
	"github.com/plexguide/huntarr/internal/models"
	"github.com/plexguide/huntarr/internal/services/cycle"
	"github.com/plexguide/huntarr/internal/services/ratelimit"
	"github.com/plexguide/huntarr/internal/services/scheduler"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "huntarr",
		Short: "Automated missing and upgrade searches for the *arr apps",
		Long: `huntarr - Periodically asks Sonarr, Radarr, Lidarr, Readarr, Whisparr
and Eros to search for missing items and quality upgrades, within an
hourly API budget per app.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunHashPasswordCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/huntarr/ or %APPDATA%\\huntarr\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		if err := app.runServer(); err != nil {
			log.Fatal().Err(err).Msg("server exited with error")
		}
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of huntarr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
			if buildinfo.Commit != "" {
				fmt.Printf("commit: %s\n", buildinfo.Commit)
			}
			if buildinfo.Date != "" {
				fmt.Printf("built: %s\n", buildinfo.Date)
			}
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/huntarr/config.toml
- Windows: %APPDATA%\huntarr\config.toml

You can specify either a directory path or a direct file path:
- Directory: huntarr generate-config --config-dir /path/to/config/
- File: huntarr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

// RunHashPasswordCommand prints a "user:hash" pair for metricsBasicAuthUsers.
func RunHashPasswordCommand() *cobra.Command {
	var username string

	command := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for metricsBasicAuthUsers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return errors.New("--username is required")
			}

			password, err := readPassword("Enter password: ")
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("password cannot be empty")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return errors.Wrap(err, "failed to hash password")
			}

			cmd.Printf("%s:%s\n", username, hash)
			return nil
		},
	}

	command.Flags().StringVar(&username, "username", "", "basic auth user name")

	return command
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		return string(password), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", errors.Wrap(err, "failed to read password from stdin")
	}
	return password, nil
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) runServer() error {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		return errors.Wrap(err, "failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("HUNTARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("HUNTARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}
	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting huntarr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}()

	settingsStore := models.NewAppSettingsStore(db)
	statsStore := models.NewAppStatsStore(db)
	processedStore := models.NewProcessedItemStore(db)
	ruleStore := models.NewScheduleRuleStore(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := ratelimit.NewTracker(ratelimit.WithStore(models.NewHourlyCapStore(db)))
	if err := tracker.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to restore hourly counters, starting from zero")
	}

	states := cycle.NewStateStore(models.NewCycleStateStore(db), nil)
	if err := states.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to restore cycle state")
	}

	clientOpts := arr.DefaultClientOptions()
	clientOpts.Timeout = time.Duration(cfg.Config.ArrTimeoutSeconds) * time.Second
	clientOpts.RequestsPerSecond = cfg.Config.ArrRequestsPerSecond
	registry := arr.NewDefaultRegistry(arr.NewClientPool(clientOpts), processedStore, nil)

	deps := cycle.Dependencies{
		Settings: settingsStore,
		States:   states,
		Tracker:  tracker,
		Drivers:  registry,
		Stats:    statsStore,
		Purger:   processedStore,
	}

	var metricsManager *metrics.Manager
	if cfg.Config.MetricsEnabled {
		metricsManager = metrics.NewManager(nil)
		deps.Observer = metricsManager
	}

	cycleManager := cycle.NewManager(cycle.Config{
		PollInterval:     time.Duration(cfg.Config.CyclePollSeconds) * time.Second,
		ProcessedItemTTL: time.Duration(cfg.Config.ProcessedItemExpirationHours) * time.Hour,
	}, deps)

	engine := scheduler.NewEngine(scheduler.Config{
		TickInterval: time.Duration(cfg.Config.SchedulerTickSeconds) * time.Second,
		Window:       time.Duration(cfg.Config.ScheduleWindowMinutes) * time.Minute,
		Location:     cfg.Location(),
	}, ruleStore, cycleManager, nil)

	httpServer := api.NewServer(&api.Dependencies{
		Config:        cfg,
		Version:       buildinfo.Version,
		DB:            db,
		Manager:       cycleManager,
		Scheduler:     engine,
		SettingsStore: settingsStore,
		StatsStore:    statsStore,
	})

	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
		cycleManager.Start(ctx)
		engine.Start(ctx)
	case err := <-errorChannel:
		return errors.Wrap(err, "failed to start HTTP server")
	}
	// Runs before the database is closed on every return path.
	defer func() {
		cancel()
		cycleManager.Wait()
		engine.Wait()
		log.Debug().Msg("workers and scheduler stopped")
	}()

	var metricsServer *metrics.Server
	if metricsManager != nil {
		if err := metricsManager.WatchStatus(cycleManager); err != nil {
			log.Error().Err(err).Msg("failed to register status collector")
		}

		metricsServer, err = metrics.NewMetricsServer(
			metricsManager,
			cfg.Config.MetricsHost,
			cfg.Config.MetricsPort,
			cfg.Config.MetricsBasicAuthUsers,
		)
		if err != nil {
			return errors.Wrap(err, "failed to configure metrics server")
		}

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case serveErr = <-errorChannel:
		log.Error().Err(serveErr).Msg("got unexpected error from server")
	}

	// Workers and the scheduler stop with ctx. An interrupted pass is left
	// running in the persisted state and resumes on the next start.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return errors.Wrap(httpServer.Shutdown(gctx), "http shutdown")
	})
	if metricsServer != nil {
		g.Go(func() error {
			return errors.Wrap(metricsServer.Shutdown(gctx), "metrics shutdown")
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("got error during graceful shutdown")
		return err
	}

	return serveErr
}
