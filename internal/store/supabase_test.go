package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opspulse/opspulse/config"
	"github.com/opspulse/opspulse/contracts"
)

func newTestStore(t *testing.T, handler http.Handler) *Supabase {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSupabase(&config.Config{
		SupabaseURL:    srv.URL,
		ServiceRoleKey: "service-key",
		AnonKey:        "anon-key",
		StoreTimeout:   2 * time.Second,
	}, zap.NewNop())
}

func sampleRoutine(id string) contracts.Routine {
	next := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return contracts.Routine{
		ID:              id,
		WorkspaceID:     "ws-1",
		Name:            "check",
		Kind:            contracts.KindHTTPCheck,
		IntervalMinutes: 5,
		EndpointURL:     "https://example.com/health",
		HTTPMethod:      contracts.MethodGet,
		AuthMode:        contracts.AuthNone,
		IsActive:        true,
		NextRunAt:       &next,
		CreatedAt:       next,
		UpdatedAt:       next,
	}
}

func writeRows(w http.ResponseWriter, status int, rows any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func TestSupabase_ServiceKeyHeaders(t *testing.T) {
	var gotAPIKey, gotAuth string
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		writeRows(w, http.StatusOK, []contracts.Routine{})
	}))

	_, err := s.ListRoutines(context.Background(), "ws-1", 50)
	require.NoError(t, err)
	assert.Equal(t, "service-key", gotAPIKey)
	assert.Equal(t, "Bearer service-key", gotAuth)
}

func TestSupabase_GetOrCreateWorkspace_Existing(t *testing.T) {
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/rest/v1/workspaces", r.URL.Path)
		assert.Equal(t, "eq.user-1", r.URL.Query().Get("owner_id"))
		writeRows(w, http.StatusOK, []map[string]string{{"id": "ws-1"}})
	}))

	id, err := s.GetOrCreateWorkspace(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", id)
}

func TestSupabase_GetOrCreateWorkspace_Creates(t *testing.T) {
	var sawCreate bool
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeRows(w, http.StatusOK, []map[string]string{})
		case http.MethodPost:
			sawCreate = true
			assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "user-1", payload["owner_id"])
			assert.Equal(t, "My Workspace", payload["name"])
			writeRows(w, http.StatusCreated, []map[string]string{{"id": "ws-new"}})
		}
	}))

	id, err := s.GetOrCreateWorkspace(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, sawCreate)
	assert.Equal(t, "ws-new", id)
}

func TestSupabase_GetRoutine_NotFound(t *testing.T) {
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRows(w, http.StatusOK, []contracts.Routine{})
	}))

	_, err := s.GetRoutine(context.Background(), "ws-1", "r-404")
	assert.ErrorIs(t, err, contracts.ErrRoutineNotFound)
}

func TestSupabase_ListDueRoutines_Query(t *testing.T) {
	cutoff := time.Date(2025, 1, 1, 0, 5, 3, 0, time.UTC)
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/rest/v1/routines", r.URL.Path)
		assert.Equal(t, "eq.true", q.Get("is_active"))
		assert.Equal(t, "lte.2025-01-01T00:05:03Z", q.Get("next_run_at"))
		assert.Equal(t, "(lock_until.is.null,lock_until.lt.2025-01-01T00:05:03Z)", q.Get("or"))
		assert.Equal(t, "next_run_at.asc", q.Get("order"))
		assert.Equal(t, "20", q.Get("limit"))
		writeRows(w, http.StatusOK, []contracts.Routine{sampleRoutine("r-1")})
	}))

	rows, err := s.ListDueRoutines(context.Background(), cutoff, 20)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r-1", rows[0].ID)
}

func TestSupabase_TryLock_RepresentationPath(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "eq.r-1", q.Get("id"))
		assert.Equal(t, "eq.ws-1", q.Get("workspace_id"))
		assert.Equal(t, "(lock_until.is.null,lock_until.lt.2025-01-01T00:05:00Z)", q.Get("or"))

		var changes map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&changes))
		assert.Equal(t, "inst-a", changes["locked_by"])
		assert.Equal(t, "2025-01-01T00:05:45Z", changes["lock_until"])

		row := sampleRoutine("r-1")
		owner := "inst-a"
		until := now.Add(45 * time.Second)
		row.LockedBy = &owner
		row.LockUntil = &until
		writeRows(w, http.StatusOK, []contracts.Routine{row})
	}))

	row, err := s.TryLockRoutine(context.Background(), "ws-1", "r-1", now, 45*time.Second, "inst-a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "inst-a", *row.LockedBy)
}

func TestSupabase_TryLock_ReadAfterWriteFallback(t *testing.T) {
	// Backend does not echo affected rows: PATCH answers 204 with no
	// body, the adapter must verify via re-read.
	now := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	var verified bool
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			verified = true
			assert.Equal(t, "eq.inst-a", r.URL.Query().Get("locked_by"))
			row := sampleRoutine("r-1")
			owner := "inst-a"
			row.LockedBy = &owner
			writeRows(w, http.StatusOK, []contracts.Routine{row})
		}
	}))

	row, err := s.TryLockRoutine(context.Background(), "ws-1", "r-1", now, 45*time.Second, "inst-a")
	require.NoError(t, err)
	assert.True(t, verified, "expected read-after-write verification")
	require.NotNil(t, row)
	assert.Equal(t, "inst-a", *row.LockedBy)
}

func TestSupabase_TryLock_LostRace(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			// Verification finds the row locked by somebody else.
			writeRows(w, http.StatusOK, []contracts.Routine{})
		}
	}))

	row, err := s.TryLockRoutine(context.Background(), "ws-1", "r-1", now, 45*time.Second, "inst-a")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSupabase_FinishScheduledRun_OwnerFilterAndNulls(t *testing.T) {
	last := time.Date(2025, 1, 1, 0, 5, 2, 0, time.UTC)
	next := time.Date(2025, 1, 1, 0, 10, 0, 0, time.UTC)
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.inst-a", r.URL.Query().Get("locked_by"))

		var changes map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&changes))
		assert.Equal(t, "2025-01-01T00:05:02Z", changes["last_run_at"])
		assert.Equal(t, "2025-01-01T00:10:00Z", changes["next_run_at"])
		assert.Nil(t, changes["lock_until"])
		assert.Nil(t, changes["locked_by"])
		w.WriteHeader(http.StatusNoContent)
	}))

	err := s.FinishScheduledRun(context.Background(), "ws-1", "r-1", "inst-a", last, next)
	require.NoError(t, err)
}

func TestSupabase_ReleaseLock_ClearsOnlyLease(t *testing.T) {
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.inst-a", r.URL.Query().Get("locked_by"))
		var changes map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&changes))
		assert.Len(t, changes, 2)
		assert.Nil(t, changes["lock_until"])
		assert.Nil(t, changes["locked_by"])
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, s.ReleaseLock(context.Background(), "ws-1", "r-1", "inst-a"))
}

func TestSupabase_InsertRun_ReturnsRow(t *testing.T) {
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/v1/routine_runs", r.URL.Path)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var draft contracts.RunDraft
		require.NoError(t, json.NewDecoder(r.Body).Decode(&draft))
		run := contracts.RoutineRun{
			ID:          "run-1",
			RoutineID:   draft.RoutineID,
			TriggeredBy: draft.TriggeredBy,
			Status:      draft.Status,
			DurationMS:  draft.DurationMS,
			StartedAt:   draft.StartedAt,
			FinishedAt:  draft.FinishedAt,
			CreatedAt:   time.Now().UTC(),
		}
		writeRows(w, http.StatusCreated, []contracts.RoutineRun{run})
	}))

	run, err := s.InsertRun(context.Background(), contracts.RunDraft{
		RoutineID:   "r-1",
		TriggeredBy: contracts.TriggerSchedule,
		Status:      contracts.RunSuccess,
		DurationMS:  120,
		StartedAt:   time.Now().UTC(),
		FinishedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, contracts.TriggerSchedule, run.TriggeredBy)
}

func TestSupabase_StoreErrorCarriesTruncatedBody(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(long)
	}))

	_, err := s.ListRoutines(context.Background(), "ws-1", 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrStore)
	assert.Less(t, len(err.Error()), 400, "backend body must be truncated")
}

func TestSupabase_Ping(t *testing.T) {
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/workspaces", r.URL.Path)
		writeRows(w, http.StatusOK, []map[string]string{})
	}))

	res := s.Ping(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.GreaterOrEqual(t, res.LatencyMS, 0)
}

func TestSupabase_PingUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	cfg := &config.Config{SupabaseURL: srv.URL, ServiceRoleKey: "k", StoreTimeout: time.Second}
	srv.Close()

	s := NewSupabase(cfg, zap.NewNop())
	res := s.Ping(context.Background())
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}
