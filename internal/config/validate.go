package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	// Store
	switch c.Store.Driver {
	case DriverPostgres:
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required")
		}
		if c.DB.Port < 1 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
		}
	case DriverSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, "SQLITE_PATH is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Store.Driver))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}

	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Sprintf("TRUSTED_PROXIES entry %q is not an IP address or CIDR range", p))
		}
	}

	// Rate limiting
	switch c.RateLimit.Backend {
	case BackendMemory:
		if _, err := cron.ParseStandard(c.RateLimit.SweepSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("RATELIMIT_SWEEP_SCHEDULE is invalid: %v", err))
		}
	case BackendRedis:
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
		}
	default:
		errs = append(errs, fmt.Sprintf("RATELIMIT_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.RateLimit.Backend))
	}

	for name, v := range map[string]int{
		"EDGE_RATELIMIT_PER_MINUTE": c.RateLimit.EdgePerMinute,
		"EDGE_RATELIMIT_PER_HOUR":   c.RateLimit.EdgePerHour,
		"USER_RATELIMIT_PER_MINUTE": c.RateLimit.UserPerMinute,
		"USER_RATELIMIT_PER_HOUR":   c.RateLimit.UserPerHour,
		"USER_RATELIMIT_PER_DAY":    c.RateLimit.UserPerDay,
	} {
		if v < 1 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got %d", name, v))
		}
	}

	if c.Quota.CacheTTL < 0 {
		errs = append(errs, "QUOTA_CACHE_TTL must not be negative")
	}

	if !c.NATS.Enabled() {
		slog.Warn("NATS_URL is empty, admission events are written directly and not published")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

func validProxy(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
