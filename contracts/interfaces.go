package contracts

import (
	"context"
	"time"
)

// RoutineStore is the persistence abstraction the core is written against.
// Production wires the Supabase PostgREST adapter; tests substitute the
// in-memory implementation.
//
// All operations either succeed or fail with a transport/integrity error.
// Lookups scoped by workspace return ErrRoutineNotFound when the routine
// does not exist under that workspace.
type RoutineStore interface {
	// Ping checks store reachability. It never returns an error; failures
	// are folded into the result.
	Ping(ctx context.Context) PingResult

	// GetOrCreateWorkspace returns the id of the single workspace owned by
	// ownerID, creating it on first sight. Idempotent.
	GetOrCreateWorkspace(ctx context.Context, ownerID string) (string, error)

	InsertRoutine(ctx context.Context, draft RoutineDraft) (*Routine, error)

	// ListRoutines returns up to limit routines ordered by created_at descending.
	ListRoutines(ctx context.Context, workspaceID string, limit int) ([]Routine, error)

	GetRoutine(ctx context.Context, workspaceID, routineID string) (*Routine, error)

	UpdateRoutine(ctx context.Context, workspaceID, routineID string, patch RoutinePatch) (*Routine, error)

	DeleteRoutine(ctx context.Context, workspaceID, routineID string) error

	InsertRun(ctx context.Context, draft RunDraft) (*RoutineRun, error)

	// ListRuns returns up to limit runs ordered by created_at descending.
	ListRuns(ctx context.Context, routineID string, limit int) ([]RoutineRun, error)

	// TouchLastRun updates last_run_at only. Manual-run bookkeeping.
	TouchLastRun(ctx context.Context, workspaceID, routineID string, ts time.Time) error

	// ListDueRoutines selects active routines whose next_run_at has arrived
	// and that hold no live lease at cutoff, ordered next_run_at ascending.
	ListDueRoutines(ctx context.Context, cutoff time.Time, limit int) ([]Routine, error)

	// TryLockRoutine conditionally leases the routine for lease from now,
	// only if no live lease is held. Returns the post-update row on
	// success and nil when the condition did not match (contention).
	// The conditional update is the sole source of mutual exclusion.
	TryLockRoutine(ctx context.Context, workspaceID, routineID string, now time.Time, lease time.Duration, lockedBy string) (*Routine, error)

	// FinishScheduledRun clears the lease and advances the timing fields,
	// filtered by lockedBy. Silently a no-op when the filter does not
	// match (stale owner).
	FinishScheduledRun(ctx context.Context, workspaceID, routineID, lockedBy string, lastRunAt, nextRunAt time.Time) error

	// ReleaseLock clears only the lease fields, filtered by lockedBy.
	// Crash-safety fallback; no-op for a stale owner.
	ReleaseLock(ctx context.Context, workspaceID, routineID, lockedBy string) error
}

// SecretProvider resolves a logical secret reference to a credential.
type SecretProvider interface {
	// Secret returns the credential for ref and whether it was found.
	Secret(ref string) (string, bool)
}

// Prober executes one HTTP request against a routine's endpoint.
// It never returns an error; every failure mode yields a RunOutcome.
type Prober interface {
	Probe(ctx context.Context, routine *Routine) RunOutcome
}

// Clock abstracts wall-clock time so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the OS.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
