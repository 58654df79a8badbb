package am

import "github.com/teranos/portal/errors"

// Validate checks that the configuration is usable. Every failure wraps
// errors.ErrConfiguration.
func (c *Config) Validate() error {
	if c.Pulse.Workers < 1 {
		return errors.NewConfigurationError("pulse.workers must be >= 1, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalSeconds <= 0 {
		return errors.NewConfigurationError("pulse.ticker_interval_seconds must be > 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.JobTimeoutSeconds <= 0 {
		return errors.NewConfigurationError("pulse.job_timeout_seconds must be > 0, got %d", c.Pulse.JobTimeoutSeconds)
	}
	if c.Pulse.PageSize <= 0 {
		return errors.NewConfigurationError("pulse.page_size must be > 0, got %d", c.Pulse.PageSize)
	}

	if c.Rollup.FetchIntervalSeconds <= 0 {
		return errors.NewConfigurationError("rollup.fetch_interval_seconds must be > 0, got %d", c.Rollup.FetchIntervalSeconds)
	}
	// 0 = use the fetch interval
	if c.Rollup.FetchTimeoutSeconds < 0 {
		return errors.NewConfigurationError("rollup.fetch_timeout_seconds must be >= 0, got %d", c.Rollup.FetchTimeoutSeconds)
	}
	if c.Rollup.BatchSize <= 0 {
		return errors.NewConfigurationError("rollup.batch_size must be > 0, got %d", c.Rollup.BatchSize)
	}

	if c.Kairos.URL == "" {
		return errors.NewConfigurationError("kairos.url cannot be empty")
	}
	if c.Kairos.TimeoutSeconds <= 0 {
		return errors.NewConfigurationError("kairos.timeout_seconds must be > 0, got %d", c.Kairos.TimeoutSeconds)
	}
	if c.Kairos.RequestsPerSecond <= 0 {
		return errors.NewConfigurationError("kairos.requests_per_second must be > 0, got %f", c.Kairos.RequestsPerSecond)
	}

	return nil
}
