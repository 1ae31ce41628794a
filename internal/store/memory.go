package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opspulse/opspulse/contracts"
)

// Memory is a mutex-guarded in-memory RoutineStore. It backs tests and
// mirrors the PostgREST adapter's semantics, including the conditional
// lease update: TryLockRoutine is atomic under the store mutex, so the
// concurrency properties of the scheduler hold against it too.
type Memory struct {
	mu         sync.Mutex
	workspaces map[string]string // owner id -> workspace id
	routines   map[string]*contracts.Routine
	runs       map[string][]contracts.RoutineRun
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workspaces: make(map[string]string),
		routines:   make(map[string]*contracts.Routine),
		runs:       make(map[string][]contracts.RoutineRun),
	}
}

// Ping always reports success.
func (m *Memory) Ping(ctx context.Context) contracts.PingResult {
	return contracts.PingResult{OK: true, StatusCode: 200}
}

// GetOrCreateWorkspace returns the workspace for ownerID, creating it on
// first sight.
func (m *Memory) GetOrCreateWorkspace(ctx context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.workspaces[ownerID]; ok {
		return id, nil
	}
	id := uuid.NewString()
	m.workspaces[ownerID] = id
	return id, nil
}

// InsertRoutine stores a new routine from the draft.
func (m *Memory) InsertRoutine(ctx context.Context, draft contracts.RoutineDraft) (*contracts.Routine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	next := draft.NextRunAt
	r := &contracts.Routine{
		ID:              uuid.NewString(),
		WorkspaceID:     draft.WorkspaceID,
		Name:            draft.Name,
		Kind:            draft.Kind,
		IntervalMinutes: draft.IntervalMinutes,
		EndpointURL:     draft.EndpointURL,
		HTTPMethod:      draft.HTTPMethod,
		Headers:         copyHeaders(draft.Headers),
		AuthMode:        draft.AuthMode,
		SecretRef:       copyStr(draft.SecretRef),
		IsActive:        draft.IsActive,
		NextRunAt:       &next,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.routines[r.ID] = r
	return snapshot(r), nil
}

// ListRoutines returns up to limit routines for the workspace, newest first.
func (m *Memory) ListRoutines(ctx context.Context, workspaceID string, limit int) ([]contracts.Routine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []contracts.Routine
	for _, r := range m.routines {
		if r.WorkspaceID == workspaceID {
			out = append(out, *snapshot(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRoutine fetches one routine scoped to the workspace.
func (m *Memory) GetRoutine(ctx context.Context, workspaceID, routineID string) (*contracts.Routine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.scoped(workspaceID, routineID)
	if err != nil {
		return nil, err
	}
	return snapshot(r), nil
}

// UpdateRoutine applies a partial update scoped to the workspace.
func (m *Memory) UpdateRoutine(ctx context.Context, workspaceID, routineID string, patch contracts.RoutinePatch) (*contracts.Routine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.scoped(workspaceID, routineID)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.Kind != nil {
		r.Kind = *patch.Kind
	}
	if patch.IntervalMinutes != nil {
		r.IntervalMinutes = *patch.IntervalMinutes
	}
	if patch.EndpointURL != nil {
		r.EndpointURL = *patch.EndpointURL
	}
	if patch.HTTPMethod != nil {
		r.HTTPMethod = *patch.HTTPMethod
	}
	if patch.Headers != nil {
		r.Headers = copyHeaders(*patch.Headers)
	}
	if patch.AuthMode != nil {
		r.AuthMode = *patch.AuthMode
	}
	if patch.SecretRef != nil {
		r.SecretRef = copyStr(patch.SecretRef)
	}
	if patch.IsActive != nil {
		r.IsActive = *patch.IsActive
	}
	if !patch.Empty() {
		r.UpdatedAt = time.Now().UTC()
	}
	return snapshot(r), nil
}

// DeleteRoutine removes a routine and its runs.
func (m *Memory) DeleteRoutine(ctx context.Context, workspaceID, routineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.routines[routineID]; ok && r.WorkspaceID == workspaceID {
		delete(m.routines, routineID)
		delete(m.runs, routineID)
	}
	return nil
}

// InsertRun appends an immutable run record.
func (m *Memory) InsertRun(ctx context.Context, draft contracts.RunDraft) (*contracts.RoutineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := contracts.RoutineRun{
		ID:           uuid.NewString(),
		RoutineID:    draft.RoutineID,
		TriggeredBy:  draft.TriggeredBy,
		Status:       draft.Status,
		HTTPStatus:   copyInt(draft.HTTPStatus),
		DurationMS:   draft.DurationMS,
		ErrorMessage: copyStr(draft.ErrorMessage),
		StartedAt:    draft.StartedAt,
		FinishedAt:   draft.FinishedAt,
		CreatedAt:    time.Now().UTC(),
	}
	m.runs[draft.RoutineID] = append(m.runs[draft.RoutineID], run)
	return &run, nil
}

// ListRuns returns up to limit runs for the routine, newest first.
func (m *Memory) ListRuns(ctx context.Context, routineID string, limit int) ([]contracts.RoutineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.runs[routineID]
	out := make([]contracts.RoutineRun, 0, len(stored))
	// Insertion order is oldest-first; reverse for newest-first.
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TouchLastRun updates last_run_at only.
func (m *Memory) TouchLastRun(ctx context.Context, workspaceID, routineID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.scoped(workspaceID, routineID)
	if err != nil {
		return err
	}
	at := ts.UTC()
	r.LastRunAt = &at
	r.UpdatedAt = at
	return nil
}

// ListDueRoutines selects active routines due at cutoff without a live lease.
func (m *Memory) ListDueRoutines(ctx context.Context, cutoff time.Time, limit int) ([]contracts.Routine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []contracts.Routine
	for _, r := range m.routines {
		if !r.IsActive || r.NextRunAt == nil || r.NextRunAt.After(cutoff) {
			continue
		}
		if r.LockUntil != nil && !r.LockUntil.Before(cutoff) {
			continue
		}
		due = append(due, *snapshot(r))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// TryLockRoutine applies the conditional lease update atomically under
// the store mutex. Returns nil when a live lease already exists.
func (m *Memory) TryLockRoutine(ctx context.Context, workspaceID, routineID string, now time.Time, lease time.Duration, lockedBy string) (*contracts.Routine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.scoped(workspaceID, routineID)
	if err != nil {
		return nil, err
	}
	if r.LockUntil != nil && !r.LockUntil.Before(now) {
		return nil, nil // live lease held
	}
	until := now.Add(lease).UTC()
	owner := lockedBy
	r.LockUntil = &until
	r.LockedBy = &owner
	r.UpdatedAt = now.UTC()
	return snapshot(r), nil
}

// FinishScheduledRun clears the lease and advances the schedule when
// lockedBy still owns the lease; otherwise it is a silent no-op.
func (m *Memory) FinishScheduledRun(ctx context.Context, workspaceID, routineID, lockedBy string, lastRunAt, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.scoped(workspaceID, routineID)
	if err != nil {
		return err
	}
	if r.LockedBy == nil || *r.LockedBy != lockedBy {
		return nil // stale owner
	}
	last := lastRunAt.UTC()
	next := nextRunAt.UTC()
	r.LastRunAt = &last
	r.NextRunAt = &next
	r.LockUntil = nil
	r.LockedBy = nil
	r.UpdatedAt = last
	return nil
}

// ReleaseLock clears only the lease fields when lockedBy owns the lease.
func (m *Memory) ReleaseLock(ctx context.Context, workspaceID, routineID, lockedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.scoped(workspaceID, routineID)
	if err != nil {
		return err
	}
	if r.LockedBy == nil || *r.LockedBy != lockedBy {
		return nil
	}
	r.LockUntil = nil
	r.LockedBy = nil
	return nil
}

// Seed inserts a pre-built routine (tests).
func (m *Memory) Seed(r contracts.Routine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.routines[r.ID] = snapshot(&r)
}

// scoped returns the live routine row for the workspace or ErrRoutineNotFound.
// Callers hold m.mu.
func (m *Memory) scoped(workspaceID, routineID string) (*contracts.Routine, error) {
	r, ok := m.routines[routineID]
	if !ok || r.WorkspaceID != workspaceID {
		return nil, contracts.ErrRoutineNotFound
	}
	return r, nil
}

// snapshot deep-copies a routine so callers never share mutable state
// with the store.
func snapshot(r *contracts.Routine) *contracts.Routine {
	cp := *r
	cp.Headers = copyHeaders(r.Headers)
	cp.SecretRef = copyStr(r.SecretRef)
	cp.NextRunAt = copyTime(r.NextRunAt)
	cp.LastRunAt = copyTime(r.LastRunAt)
	cp.LockUntil = copyTime(r.LockUntil)
	cp.LockedBy = copyStr(r.LockedBy)
	return &cp
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
