// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/plexguide/huntarr/internal/domain"
)

var envPrefix = "HUNTARR__"

const (
	defaultPort        = 9705
	defaultMetricsPort = 9706
	databaseFileName   = "huntarr.db"
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	if err := c.normalize(); err != nil {
		return nil, err
	}

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", defaultPort)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("apiKey", "")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)
	c.viper.SetDefault("timezone", "")
	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", defaultMetricsPort)
	c.viper.SetDefault("metricsBasicAuthUsers", "")

	c.viper.SetDefault("schedulerTickSeconds", 30)
	c.viper.SetDefault("scheduleWindowMinutes", 5)
	c.viper.SetDefault("cyclePollSeconds", 5)
	c.viper.SetDefault("arrTimeoutSeconds", 120)
	c.viper.SetDefault("arrRequestsPerSecond", 5.0)
	c.viper.SetDefault("processedItemExpirationHours", 168)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// viper reports a missing explicit file as an fs error, not ConfigFileNotFoundError
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if notFound || os.IsNotExist(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
			if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
				return err
			}
			c.viper.SetConfigFile(defaultConfigPath)
			if err := c.viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read newly created config: %w", err)
			}
			c.dataDir = filepath.Dir(defaultConfigPath)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() error {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want
	binds := map[string]string{
		"host":                         "HOST",
		"port":                         "PORT",
		"baseUrl":                      "BASE_URL",
		"logLevel":                     "LOG_LEVEL",
		"logPath":                      "LOG_PATH",
		"logMaxSize":                   "LOG_MAX_SIZE",
		"logMaxBackups":                "LOG_MAX_BACKUPS",
		"dataDir":                      "DATA_DIR",
		"timezone":                     "TIMEZONE",
		"pprofEnabled":                 "PPROF_ENABLED",
		"metricsEnabled":               "METRICS_ENABLED",
		"metricsHost":                  "METRICS_HOST",
		"metricsPort":                  "METRICS_PORT",
		"schedulerTickSeconds":         "SCHEDULER_TICK_SECONDS",
		"scheduleWindowMinutes":        "SCHEDULE_WINDOW_MINUTES",
		"cyclePollSeconds":             "CYCLE_POLL_SECONDS",
		"arrTimeoutSeconds":            "ARR_TIMEOUT_SECONDS",
		"arrRequestsPerSecond":         "ARR_REQUESTS_PER_SECOND",
		"processedItemExpirationHours": "PROCESSED_ITEM_EXPIRATION_HOURS",
	}
	for key, env := range binds {
		if err := c.viper.BindEnv(key, envPrefix+env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	// secrets may also come from files (docker/k8s secrets)
	for key, env := range map[string]string{
		"apiKey":                "API_KEY",
		"metricsBasicAuthUsers": "METRICS_BASIC_AUTH_USERS",
	} {
		if err := c.bindOrReadFromFile(key, envPrefix+env); err != nil {
			return err
		}
	}

	return nil
}

// normalize validates values that the rest of the program relies on.
func (c *AppConfig) normalize() error {
	base := strings.TrimSpace(c.Config.BaseURL)
	if base == "" {
		base = "/"
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	c.Config.BaseURL = base

	if c.Config.Timezone != "" {
		if _, err := time.LoadLocation(c.Config.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Config.Timezone, err)
		}
	}

	if c.Config.ArrRequestsPerSecond <= 0 {
		c.Config.ArrRequestsPerSecond = 5
	}

	return nil
}

func (c *AppConfig) watchConfig() {
	if c.viper.ConfigFileUsed() == "" {
		return
	}

	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
	c.viper.WatchConfig()
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	if err := c.normalize(); err != nil {
		log.Error().Err(err).Msg("Reloaded configuration is invalid")
	}
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: {{ .port }}
port = {{ .port }}

# Base URL
# Set custom baseUrl eg /huntarr/ to serve in subdirectory.
# Optional
#baseUrl = "/huntarr/"

# API key
# When set, every /api request must carry it in the X-API-Key header.
# Optional
#apiKey = ""

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/huntarr.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (huntarr.db) will be created inside this directory
#dataDir = "/var/db/huntarr"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Timezone used for schedule rules (IANA name, e.g. "Europe/Berlin")
# Default: system local time
#timezone = ""

# Scheduler
# How often schedule rules are evaluated, in seconds
#schedulerTickSeconds = {{ .schedulerTickSeconds }}

# How late a missed occurrence may still fire, in minutes
#scheduleWindowMinutes = {{ .scheduleWindowMinutes }}

# Upper bound on how long an idle app worker sleeps before re-reading state, in seconds
#cyclePollSeconds = {{ .cyclePollSeconds }}

# *arr client
# Request timeout in seconds
#arrTimeoutSeconds = {{ .arrTimeoutSeconds }}

# Requests per second per *arr instance
#arrRequestsPerSecond = {{ .arrRequestsPerSecond }}

# Hours before a searched item may be searched again
#processedItemExpirationHours = {{ .processedItemExpirationHours }}

# Prometheus Metrics
# Enable Prometheus metrics on separate port
# Default: false
#metricsEnabled = false

# Metrics server host (bind address for metrics endpoint)
# Default: "127.0.0.1"
#metricsHost = "127.0.0.1"

# Metrics server port (separate from main web interface)
# Default: {{ .metricsPort }}
#metricsPort = {{ .metricsPort }}

# Basic authentication for metrics endpoint (optional)
# Format: "username:bcrypt_hash" or "user1:hash1,user2:hash2" for multiple users
# Leave empty to disable authentication (default)
#metricsBasicAuthUsers = ""
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	data := map[string]any{
		"host":                         c.viper.GetString("host"),
		"port":                         c.viper.GetInt("port"),
		"logLevel":                     c.viper.GetString("logLevel"),
		"logMaxSize":                   c.viper.GetInt("logMaxSize"),
		"logMaxBackups":                c.viper.GetInt("logMaxBackups"),
		"metricsPort":                  c.viper.GetInt("metricsPort"),
		"schedulerTickSeconds":         c.viper.GetInt("schedulerTickSeconds"),
		"scheduleWindowMinutes":        c.viper.GetInt("scheduleWindowMinutes"),
		"cyclePollSeconds":             c.viper.GetInt("cyclePollSeconds"),
		"arrTimeoutSeconds":            c.viper.GetInt("arrTimeoutSeconds"),
		"arrRequestsPerSecond":         c.viper.GetFloat64("arrRequestsPerSecond"),
		"processedItemExpirationHours": c.viper.GetInt("processedItemExpirationHours"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// Docker containers set XDG_CONFIG_HOME to /config
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "huntarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "huntarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "huntarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "huntarr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	case c.dataDir != "":
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFileName)
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

// Location returns the timezone schedule rules are evaluated in.
func (c *AppConfig) Location() *time.Location {
	if c.Config.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Config.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// bindOrReadFromFile sets viperVar from the file named by envVar_FILE when
// present, otherwise binds envVar.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) error {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("could not read %s: %w", envVarFile, err)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return nil
	}
	return c.viper.BindEnv(viperVar, envVar)
}
