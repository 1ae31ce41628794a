package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspulse/opspulse/contracts"
)

func seedRoutine(m *Memory, workspaceID string, next time.Time) contracts.Routine {
	r := contracts.Routine{
		ID:              "",
		WorkspaceID:     workspaceID,
		Name:            "check",
		Kind:            contracts.KindHTTPCheck,
		IntervalMinutes: 5,
		EndpointURL:     "https://example.com/health",
		HTTPMethod:      contracts.MethodGet,
		AuthMode:        contracts.AuthNone,
		IsActive:        true,
		NextRunAt:       &next,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	ins, err := m.InsertRoutine(context.Background(), contracts.RoutineDraft{
		WorkspaceID:     r.WorkspaceID,
		Name:            r.Name,
		Kind:            r.Kind,
		IntervalMinutes: r.IntervalMinutes,
		EndpointURL:     r.EndpointURL,
		HTTPMethod:      r.HTTPMethod,
		AuthMode:        r.AuthMode,
		IsActive:        r.IsActive,
		NextRunAt:       next,
	})
	if err != nil {
		panic(err)
	}
	return *ins
}

func TestMemory_WorkspaceIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a, err := m.GetOrCreateWorkspace(ctx, "owner-1")
	require.NoError(t, err)
	b, err := m.GetOrCreateWorkspace(ctx, "owner-1")
	require.NoError(t, err)
	c, err := m.GetOrCreateWorkspace(ctx, "owner-2")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMemory_WorkspaceScoping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := seedRoutine(m, "ws-1", time.Now().UTC())

	_, err := m.GetRoutine(ctx, "ws-other", r.ID)
	assert.ErrorIs(t, err, contracts.ErrRoutineNotFound)

	got, err := m.GetRoutine(ctx, "ws-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestMemory_LockPairInvariant(t *testing.T) {
	// lock_until null <=> locked_by null, at every transition.
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	r := seedRoutine(m, "ws-1", now)

	assertPair := func(id string) {
		t.Helper()
		got, err := m.GetRoutine(ctx, "ws-1", id)
		require.NoError(t, err)
		assert.Equal(t, got.LockUntil == nil, got.LockedBy == nil,
			"lock_until and locked_by must be set and cleared together")
	}

	assertPair(r.ID)

	locked, err := m.TryLockRoutine(ctx, "ws-1", r.ID, now, 45*time.Second, "inst-a")
	require.NoError(t, err)
	require.NotNil(t, locked)
	assertPair(r.ID)

	require.NoError(t, m.FinishScheduledRun(ctx, "ws-1", r.ID, "inst-a", now, now.Add(5*time.Minute)))
	assertPair(r.ID)

	// Re-lock then release.
	_, err = m.TryLockRoutine(ctx, "ws-1", r.ID, now.Add(time.Minute), 45*time.Second, "inst-b")
	require.NoError(t, err)
	assertPair(r.ID)
	require.NoError(t, m.ReleaseLock(ctx, "ws-1", r.ID, "inst-b"))
	assertPair(r.ID)
}

func TestMemory_TryLockExactlyOneWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	r := seedRoutine(m, "ws-1", now)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := "inst-" + string(rune('a'+n))
			row, err := m.TryLockRoutine(ctx, "ws-1", r.ID, now, 45*time.Second, owner)
			if err == nil && row != nil {
				mu.Lock()
				wins = append(wins, owner)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one concurrent TryLock must win")

	got, err := m.GetRoutine(ctx, "ws-1", r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, wins[0], *got.LockedBy)
}

func TestMemory_TryLockRespectsLiveLease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	r := seedRoutine(m, "ws-1", now)

	first, err := m.TryLockRoutine(ctx, "ws-1", r.ID, now, 45*time.Second, "inst-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Live lease blocks a second acquirer.
	second, err := m.TryLockRoutine(ctx, "ws-1", r.ID, now.Add(10*time.Second), 45*time.Second, "inst-b")
	require.NoError(t, err)
	assert.Nil(t, second)

	// An expired lease can be stolen.
	third, err := m.TryLockRoutine(ctx, "ws-1", r.ID, now.Add(60*time.Second), 45*time.Second, "inst-b")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "inst-b", *third.LockedBy)
}

func TestMemory_FinishWithWrongOwnerIsNoop(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	r := seedRoutine(m, "ws-1", now)

	_, err := m.TryLockRoutine(ctx, "ws-1", r.ID, now, 45*time.Second, "inst-a")
	require.NoError(t, err)
	before, err := m.GetRoutine(ctx, "ws-1", r.ID)
	require.NoError(t, err)

	// Stale owner: state unchanged.
	require.NoError(t, m.FinishScheduledRun(ctx, "ws-1", r.ID, "inst-zombie", now, now.Add(5*time.Minute)))
	after, err := m.GetRoutine(ctx, "ws-1", r.ID)
	require.NoError(t, err)

	assert.Equal(t, before.NextRunAt, after.NextRunAt)
	assert.Equal(t, before.LastRunAt, after.LastRunAt)
	require.NotNil(t, after.LockedBy)
	assert.Equal(t, "inst-a", *after.LockedBy)

	// Same for release.
	require.NoError(t, m.ReleaseLock(ctx, "ws-1", r.ID, "inst-zombie"))
	after, err = m.GetRoutine(ctx, "ws-1", r.ID)
	require.NoError(t, err)
	assert.NotNil(t, after.LockedBy)
}

func TestMemory_ListDueFiltering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	due := seedRoutine(m, "ws-1", now.Add(-time.Minute))
	seedRoutine(m, "ws-1", now.Add(time.Hour)) // future

	inactive := seedRoutine(m, "ws-1", now.Add(-time.Minute))
	off := false
	_, err := m.UpdateRoutine(ctx, "ws-1", inactive.ID, contracts.RoutinePatch{IsActive: &off})
	require.NoError(t, err)

	leased := seedRoutine(m, "ws-1", now.Add(-time.Minute))
	_, err = m.TryLockRoutine(ctx, "ws-1", leased.ID, now, 45*time.Second, "inst-a")
	require.NoError(t, err)

	expired := seedRoutine(m, "ws-1", now.Add(-2*time.Minute))
	_, err = m.TryLockRoutine(ctx, "ws-1", expired.ID, now.Add(-2*time.Minute), time.Second, "inst-a")
	require.NoError(t, err)

	got, err := m.ListDueRoutines(ctx, now, 20)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{due.ID, expired.ID}, ids)

	// Ordered next_run_at ascending.
	require.Len(t, got, 2)
	assert.Equal(t, expired.ID, got[0].ID)
}

func TestMemory_RunsNewestFirstAndLimited(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := seedRoutine(m, "ws-1", time.Now().UTC())

	for i := 0; i < 5; i++ {
		status := contracts.RunSuccess
		if i%2 == 1 {
			status = contracts.RunFail
		}
		_, err := m.InsertRun(ctx, contracts.RunDraft{
			RoutineID:   r.ID,
			TriggeredBy: contracts.TriggerSchedule,
			Status:      status,
			DurationMS:  i,
			StartedAt:   time.Now().UTC(),
			FinishedAt:  time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	runs, err := m.ListRuns(ctx, r.ID, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 4, runs[0].DurationMS, "newest first")
	assert.Equal(t, 2, runs[2].DurationMS)
}

func TestMemory_SnapshotsAreIsolated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := seedRoutine(m, "ws-1", time.Now().UTC())

	got, err := m.GetRoutine(ctx, "ws-1", r.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := m.GetRoutine(ctx, "ws-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, "check", again.Name)
}
