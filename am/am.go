// Package am holds portal's core configuration ("I am").
//
// Configuration is read with viper from a TOML cascade
// (/etc/portal/config.toml < ~/.portal/am.toml < ./am.toml < PORTAL_* env).
package am

import "time"

// Config represents the core portal configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
	Rollup    RollupConfig    `mapstructure:"rollup" toml:"rollup" json:"rollup" yaml:"rollup"`
	Kairos    KairosConfig    `mapstructure:"kairos" toml:"kairos" json:"kairos" yaml:"kairos"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" toml:"telemetry" json:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// PulseConfig configures the scheduler ticker
type PulseConfig struct {
	Workers               int `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`                                                 // Concurrent job executions (default: 4)
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds" json:"ticker_interval_seconds" yaml:"ticker_interval_seconds"` // How often to poll for due jobs (default: 1)
	JobTimeoutSeconds     int `mapstructure:"job_timeout_seconds" toml:"job_timeout_seconds" json:"job_timeout_seconds" yaml:"job_timeout_seconds"`             // Deadline handed to each job body (default: 300)
	PageSize              int `mapstructure:"page_size" toml:"page_size" json:"page_size" yaml:"page_size"`                                             // Jobs read per repository query (default: 100)
}

// RollupConfig configures metric discovery for the rollup pipeline
type RollupConfig struct {
	FetchIntervalSeconds int `mapstructure:"fetch_interval_seconds" toml:"fetch_interval_seconds" json:"fetch_interval_seconds" yaml:"fetch_interval_seconds"` // Catalog refresh period (default: 3600)
	FetchTimeoutSeconds  int `mapstructure:"fetch_timeout_seconds" toml:"fetch_timeout_seconds" json:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`    // Per-fetch deadline (0 = fetch interval)
	BatchSize            int `mapstructure:"batch_size" toml:"batch_size" json:"batch_size" yaml:"batch_size"`                                       // Default metrics dispatched per rollup job run
}

// KairosConfig configures the KairosDB metric source
type KairosConfig struct {
	URL               string  `mapstructure:"url" toml:"url" json:"url" yaml:"url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`
}

// TelemetryConfig configures the Prometheus endpoint
type TelemetryConfig struct {
	ListenAddress string `mapstructure:"listen_address" toml:"listen_address" json:"listen_address" yaml:"listen_address"` // Empty disables /metrics
}

// LogConfig configures log output
type LogConfig struct {
	JSON bool `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// TickerInterval returns the configured poll interval as a duration
func (c *Config) TickerInterval() time.Duration {
	return time.Duration(c.Pulse.TickerIntervalSeconds) * time.Second
}

// JobTimeout returns the configured per-job deadline as a duration
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Pulse.JobTimeoutSeconds) * time.Second
}

// FetchInterval returns the configured discovery refresh period as a duration
func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.Rollup.FetchIntervalSeconds) * time.Second
}

// FetchTimeout returns the per-fetch deadline, falling back to the fetch interval
func (c *Config) FetchTimeout() time.Duration {
	if c.Rollup.FetchTimeoutSeconds <= 0 {
		return c.FetchInterval()
	}
	return time.Duration(c.Rollup.FetchTimeoutSeconds) * time.Second
}

// KairosTimeout returns the HTTP timeout for the metric source
func (c *Config) KairosTimeout() time.Duration {
	return time.Duration(c.Kairos.TimeoutSeconds) * time.Second
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}
