// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	APIKey        string `toml:"apiKey" mapstructure:"apiKey"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	Timezone      string `toml:"timezone" mapstructure:"timezone"`
	PprofEnabled  bool   `toml:"pprofEnabled" mapstructure:"pprofEnabled"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	// Engine tuning
	SchedulerTickSeconds         int     `toml:"schedulerTickSeconds" mapstructure:"schedulerTickSeconds"`
	ScheduleWindowMinutes        int     `toml:"scheduleWindowMinutes" mapstructure:"scheduleWindowMinutes"`
	CyclePollSeconds             int     `toml:"cyclePollSeconds" mapstructure:"cyclePollSeconds"`
	ArrTimeoutSeconds            int     `toml:"arrTimeoutSeconds" mapstructure:"arrTimeoutSeconds"`
	ArrRequestsPerSecond         float64 `toml:"arrRequestsPerSecond" mapstructure:"arrRequestsPerSecond"`
	ProcessedItemExpirationHours int     `toml:"processedItemExpirationHours" mapstructure:"processedItemExpirationHours"`
}
