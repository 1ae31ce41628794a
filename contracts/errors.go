package contracts

import "errors"

// Sentinel errors for the domain layer.
var (
	// Auth errors
	ErrUnauthorized = errors.New("missing or invalid credentials")

	// Input errors
	ErrInvalidInput = errors.New("invalid input")
	ErrValidation   = errors.New("validation failed")

	// Lookup errors
	ErrRoutineNotFound = errors.New("routine not found")

	// Store errors
	ErrStore = errors.New("store operation failed")
)
