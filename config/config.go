// Package config provides the environment-populated runtime configuration.
package config

import "time"

// Config is a plain values struct populated from the environment at
// startup and passed explicitly to the components that need it. There
// are no process-wide singletons.
type Config struct {
	// Supabase backend.
	SupabaseURL    string // SUPABASE_URL, required, trailing slash stripped
	ServiceRoleKey string // SUPABASE_SERVICE_ROLE_KEY, required, backend only
	AnonKey        string // SUPABASE_ANON_KEY, required, identity check

	// HTTPTimeout is the per-request deadline for probe requests.
	HTTPTimeout time.Duration // HTTP_TIMEOUT_SECONDS, default 8s

	// StoreTimeout is the per-request deadline for PostgREST calls.
	StoreTimeout time.Duration // SUPABASE_TIMEOUT_SECONDS, default 10s

	// LockLease is how long a scheduler lease is held. Set it generously
	// larger than expected execution (including HTTPTimeout) to avoid
	// spurious double-execution from slow workers.
	LockLease time.Duration // LOCK_LEASE_SECONDS, default 45s

	// BatchLimit caps how many due routines one tick picks up.
	BatchLimit int // SCHEDULER_BATCH_LIMIT, default 20

	// MaxConcurrency bounds the per-tick worker pool.
	MaxConcurrency int // MAX_CONCURRENCY, default 5

	// DueSlack is added to now when selecting due routines to tolerate
	// sub-second scheduling jitter.
	DueSlack time.Duration // DUE_SLACK_SECONDS, default 3s

	// InstanceID identifies this process instance as a lease owner.
	// Generated per process start when INSTANCE_ID is absent.
	InstanceID string
}

// Defaults for the tunable settings.
const (
	DefaultHTTPTimeout    = 8 * time.Second
	DefaultStoreTimeout   = 10 * time.Second
	DefaultLockLease      = 45 * time.Second
	DefaultBatchLimit     = 20
	DefaultMaxConcurrency = 5
	DefaultDueSlack       = 3 * time.Second
)
