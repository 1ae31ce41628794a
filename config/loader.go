package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FromEnv builds a Config from the process environment.
// Only the Supabase settings are required; everything else falls back to
// its default. Returns an error for missing required settings or
// unparseable numeric overrides.
func FromEnv() (*Config, error) {
	cfg := &Config{
		SupabaseURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		ServiceRoleKey: strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_ROLE_KEY")),
		AnonKey:        strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		HTTPTimeout:    DefaultHTTPTimeout,
		StoreTimeout:   DefaultStoreTimeout,
		LockLease:      DefaultLockLease,
		BatchLimit:     DefaultBatchLimit,
		MaxConcurrency: DefaultMaxConcurrency,
		DueSlack:       DefaultDueSlack,
		InstanceID:     strings.TrimSpace(os.Getenv("INSTANCE_ID")),
	}

	if cfg.SupabaseURL == "" {
		return nil, ErrMissingSupabaseURL
	}
	if cfg.ServiceRoleKey == "" {
		return nil, ErrMissingServiceRoleKey
	}
	if cfg.AnonKey == "" {
		return nil, ErrMissingAnonKey
	}

	var err error
	if cfg.HTTPTimeout, err = secondsEnv("HTTP_TIMEOUT_SECONDS", cfg.HTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = secondsEnv("SUPABASE_TIMEOUT_SECONDS", cfg.StoreTimeout); err != nil {
		return nil, err
	}
	if cfg.LockLease, err = secondsEnv("LOCK_LEASE_SECONDS", cfg.LockLease); err != nil {
		return nil, err
	}
	if cfg.DueSlack, err = secondsEnv("DUE_SLACK_SECONDS", cfg.DueSlack); err != nil {
		return nil, err
	}
	if cfg.BatchLimit, err = intEnv("SCHEDULER_BATCH_LIMIT", cfg.BatchLimit); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency, err = intEnv("MAX_CONCURRENCY", cfg.MaxConcurrency); err != nil {
		return nil, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	return cfg, nil
}

// defaultInstanceID builds a lease-owner identity unique to this process.
func defaultInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// secondsEnv reads a positive integer number of seconds from the
// environment, falling back to def when unset.
func secondsEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, ErrInvalidSetting)
	}
	return time.Duration(n) * time.Second, nil
}

// intEnv reads a positive integer from the environment, falling back to
// def when unset.
func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, ErrInvalidSetting)
	}
	return n, nil
}
