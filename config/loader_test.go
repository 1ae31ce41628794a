package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co/")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "service-key")
	t.Setenv("SUPABASE_ANON_KEY", "anon-key")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	// Trailing slash stripped for URL joining.
	assert.Equal(t, "https://proj.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, 8*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 10*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 45*time.Second, cfg.LockLease)
	assert.Equal(t, 3*time.Second, cfg.DueSlack)
	assert.Equal(t, 20, cfg.BatchLimit)
	assert.Equal(t, 5, cfg.MaxConcurrency)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_TIMEOUT_SECONDS", "15")
	t.Setenv("SUPABASE_TIMEOUT_SECONDS", "20")
	t.Setenv("LOCK_LEASE_SECONDS", "90")
	t.Setenv("DUE_SLACK_SECONDS", "1")
	t.Setenv("SCHEDULER_BATCH_LIMIT", "50")
	t.Setenv("MAX_CONCURRENCY", "10")
	t.Setenv("INSTANCE_ID", "worker-a")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 20*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 90*time.Second, cfg.LockLease)
	assert.Equal(t, time.Second, cfg.DueSlack)
	assert.Equal(t, 50, cfg.BatchLimit)
	assert.Equal(t, 10, cfg.MaxConcurrency)
	assert.Equal(t, "worker-a", cfg.InstanceID)
}

func TestFromEnv_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  error
	}{
		{"no url", "SUPABASE_URL", ErrMissingSupabaseURL},
		{"no service key", "SUPABASE_SERVICE_ROLE_KEY", ErrMissingServiceRoleKey},
		{"no anon key", "SUPABASE_ANON_KEY", ErrMissingAnonKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			_, err := FromEnv()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "expected %v, got %v", tt.want, err)
		})
	}
}

func TestFromEnv_InvalidNumeric(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric timeout", "HTTP_TIMEOUT_SECONDS", "soon"},
		{"zero lease", "LOCK_LEASE_SECONDS", "0"},
		{"negative batch", "SCHEDULER_BATCH_LIMIT", "-1"},
		{"float concurrency", "MAX_CONCURRENCY", "2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSetting))
		})
	}
}

func TestDefaultInstanceID_Unique(t *testing.T) {
	a := defaultInstanceID()
	b := defaultInstanceID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
