package am

import (
	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is unset
const DefaultDatabasePath = "portal.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", DefaultDatabasePath)

	// Pulse (scheduler) defaults
	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.ticker_interval_seconds", 1)
	v.SetDefault("pulse.job_timeout_seconds", 300)
	v.SetDefault("pulse.page_size", 100)

	// Rollup discovery defaults
	v.SetDefault("rollup.fetch_interval_seconds", 3600)
	v.SetDefault("rollup.fetch_timeout_seconds", 0)
	v.SetDefault("rollup.batch_size", 50)

	// KairosDB defaults
	v.SetDefault("kairos.url", "http://localhost:8080")
	v.SetDefault("kairos.timeout_seconds", 30)
	v.SetDefault("kairos.requests_per_second", 1.0)

	v.SetDefault("telemetry.listen_address", "")
	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly
// injected by the deployment environment
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "PORTAL_DATABASE_PATH")
	_ = v.BindEnv("kairos.url", "PORTAL_KAIROS_URL")
}
