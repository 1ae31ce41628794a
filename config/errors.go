package config

import "errors"

// Sentinel errors for configuration loading.
var (
	// ErrMissingSupabaseURL is returned when SUPABASE_URL is unset or empty.
	ErrMissingSupabaseURL = errors.New("SUPABASE_URL is required")

	// ErrMissingServiceRoleKey is returned when SUPABASE_SERVICE_ROLE_KEY is unset or empty.
	ErrMissingServiceRoleKey = errors.New("SUPABASE_SERVICE_ROLE_KEY is required")

	// ErrMissingAnonKey is returned when SUPABASE_ANON_KEY is unset or empty.
	ErrMissingAnonKey = errors.New("SUPABASE_ANON_KEY is required")

	// ErrInvalidSetting is returned when a numeric setting fails to parse
	// or is out of range.
	ErrInvalidSetting = errors.New("invalid configuration setting")
)
