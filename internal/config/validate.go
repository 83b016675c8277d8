package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var knownPlatforms = map[string]bool{"telegram": true, "line": true}

// Validate checks a decoded config for values the services cannot accept.
// Omitted values are fine; services apply their own defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	durations := map[string]string{
		"ratelimit.window_ttl":       cfg.RateLimit.WindowTTL,
		"ratelimit.breaker_cooldown": cfg.RateLimit.BreakerCooldown,
		"ratelimit.max_fail_open":    cfg.RateLimit.MaxFailOpen,
		"followup.default_delay":     cfg.FollowUp.DefaultDelay,
		"queue.backoff_base":         cfg.Queue.BackoffBase,
		"queue.backoff_max":          cfg.Queue.BackoffMax,
		"queue.job_timeout":          cfg.Queue.JobTimeout,
		"queue.rate_duration":        cfg.Queue.RateDuration,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"http.read_timeout":          cfg.HTTP.ReadTimeout,
		"http.write_timeout":         cfg.HTTP.WriteTimeout,
		"classifier.timeout":         cfg.Classifier.Timeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("ratelimit.per_minute must be >= 0"))
	}
	for ch, n := range cfg.RateLimit.PerChannel {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.per_channel[%s] must be > 0", ch))
		}
	}
	if cfg.Queue.Attempts < 0 || cfg.Queue.Workers < 0 || cfg.Queue.RateMax < 0 {
		errs = append(errs, errors.New("queue: attempts, workers and rate_max must be >= 0"))
	}
	if cfg.Queue.BackoffFactor != 0 && cfg.Queue.BackoffFactor < 1 {
		errs = append(errs, errors.New("queue.backoff_factor must be >= 1"))
	}
	if tz := strings.TrimSpace(cfg.Queue.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("queue.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver))
	}

	seen := map[string]bool{}
	for i, b := range cfg.Bots {
		if strings.TrimSpace(b.ID) == "" {
			errs = append(errs, fmt.Errorf("bots[%d].id is required", i))
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("bots[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		if !knownPlatforms[b.Platform] {
			errs = append(errs, fmt.Errorf("bots[%d]: unknown platform %q", i, b.Platform))
		}
	}
	if cfg.DefaultBot != "" && !seen[cfg.DefaultBot] {
		errs = append(errs, fmt.Errorf("default_bot %q is not configured", cfg.DefaultBot))
	}
	if cfg.Logging.Alert.Enabled && !seen[cfg.Logging.Alert.Bot] {
		errs = append(errs, fmt.Errorf("logging.alert.bot %q is not configured", cfg.Logging.Alert.Bot))
	}

	return errors.Join(errs...)
}
