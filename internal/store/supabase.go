// Package store provides RoutineStore implementations: the Supabase
// PostgREST adapter used in production and an in-memory store for tests.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/opspulse/opspulse/config"
	"github.com/opspulse/opspulse/contracts"
)

const (
	restPrefix = "/rest/v1"

	routinesPath   = restPrefix + "/routines"
	runsPath       = restPrefix + "/routine_runs"
	workspacesPath = restPrefix + "/workspaces"

	// preferRepresentation asks PostgREST to echo affected rows.
	preferRepresentation = "return=representation"

	// pingTimeout bounds the health-check round trip.
	pingTimeout = 3 * time.Second

	// maxErrorBody caps backend error text carried in wrapped errors.
	maxErrorBody = 200
)

// Supabase is the PostgREST-backed RoutineStore. It talks to the
// Supabase REST API with the service-role key; that key never leaves the
// backend. One transport-level retry is applied per request; HTTP status
// errors are not retried.
type Supabase struct {
	baseURL    string
	serviceKey string
	client     *http.Client
	logger     *zap.Logger
}

// NewSupabase creates the production store adapter.
func NewSupabase(cfg *config.Config, logger *zap.Logger) *Supabase {
	return &Supabase{
		baseURL:    cfg.SupabaseURL,
		serviceKey: cfg.ServiceRoleKey,
		client:     &http.Client{Timeout: cfg.StoreTimeout},
		logger:     logger,
	}
}

// fmtTS renders a timestamp the way PostgREST filters and columns expect.
func fmtTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// noLiveLease is the PostgREST disjunction selecting rows without a live
// lease at the given instant.
func noLiveLease(at time.Time) string {
	return fmt.Sprintf("(lock_until.is.null,lock_until.lt.%s)", fmtTS(at))
}

// do issues one REST request, retrying once on transport failure.
// Returns the response status and body; any HTTP status is a success at
// this level, operations check their own accepted codes.
func (s *Supabase) do(ctx context.Context, method, path string, query url.Values, body any, prefer string) (int, []byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, nil, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
	}

	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var (
		status int
		out    []byte
	)
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("apikey", s.serviceKey)
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if prefer != "" {
			req.Header.Set("Prefer", prefer)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err // transport failure, retryable
		}
		defer resp.Body.Close()

		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status = resp.StatusCode
		return nil
	}

	// Single transport-level retry; anything beyond that is out of scope.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	notify := func(err error, _ time.Duration) {
		s.logger.Warn("store request retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return 0, nil, fmt.Errorf("%s %s: %v: %w", method, path, err, contracts.ErrStore)
	}
	return status, out, nil
}

// statusErr wraps an unexpected backend status into a store error with
// truncated body text.
func statusErr(op string, status int, body []byte) error {
	text := string(body)
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return fmt.Errorf("%s: status %d %s: %w", op, status, text, contracts.ErrStore)
}

func decodeRows[T any](body []byte) ([]T, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding rows: %v: %w", err, contracts.ErrStore)
	}
	return rows, nil
}

// Ping checks PostgREST reachability with a short deadline. Failures are
// folded into the result, never returned.
func (s *Supabase) Ping(ctx context.Context) contracts.PingResult {
	if s.baseURL == "" || s.serviceKey == "" {
		return contracts.PingResult{OK: false, Reason: "missing_env"}
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")

	t0 := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+workspacesPath+"?"+q.Encode(), nil)
	if err != nil {
		return contracts.PingResult{OK: false, Error: truncate(err.Error(), maxErrorBody)}
	}
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return contracts.PingResult{OK: false, Error: truncate(err.Error(), maxErrorBody)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return contracts.PingResult{
		OK:         resp.StatusCode == http.StatusOK,
		StatusCode: resp.StatusCode,
		LatencyMS:  int(time.Since(t0).Milliseconds()),
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// GetOrCreateWorkspace returns the workspace for ownerID, creating it on
// first sight. Idempotent: the lookup runs before the insert.
func (s *Supabase) GetOrCreateWorkspace(ctx context.Context, ownerID string) (string, error) {
	type idRow struct {
		ID string `json:"id"`
	}

	q := url.Values{}
	q.Set("owner_id", "eq."+ownerID)
	q.Set("select", "id")
	q.Set("limit", "1")

	status, body, err := s.do(ctx, http.MethodGet, workspacesPath, q, nil, "")
	if err != nil {
		return "", err
	}
	if status == http.StatusOK {
		rows, err := decodeRows[idRow](body)
		if err != nil {
			return "", err
		}
		if len(rows) > 0 {
			return rows[0].ID, nil
		}
	}

	cq := url.Values{}
	cq.Set("select", "id")
	payload := map[string]string{"owner_id": ownerID, "name": "My Workspace"}
	status, body, err = s.do(ctx, http.MethodPost, workspacesPath, cq, payload, preferRepresentation)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", statusErr("creating workspace", status, body)
	}
	rows, err := decodeRows[idRow](body)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", statusErr("creating workspace", status, body)
	}
	return rows[0].ID, nil
}

// InsertRoutine persists a new routine and returns the stored row.
func (s *Supabase) InsertRoutine(ctx context.Context, draft contracts.RoutineDraft) (*contracts.Routine, error) {
	q := url.Values{}
	q.Set("select", "*")

	status, body, err := s.do(ctx, http.MethodPost, routinesPath, q, draft, preferRepresentation)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, statusErr("inserting routine", status, body)
	}
	rows, err := decodeRows[contracts.Routine](body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, statusErr("inserting routine", status, body)
	}
	return &rows[0], nil
}

// ListRoutines returns up to limit routines for the workspace, newest first.
func (s *Supabase) ListRoutines(ctx context.Context, workspaceID string, limit int) ([]contracts.Routine, error) {
	q := url.Values{}
	q.Set("workspace_id", "eq."+workspaceID)
	q.Set("select", "*")
	q.Set("order", "created_at.desc")
	q.Set("limit", fmt.Sprint(limit))

	status, body, err := s.do(ctx, http.MethodGet, routinesPath, q, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusErr("listing routines", status, body)
	}
	return decodeRows[contracts.Routine](body)
}

// GetRoutine fetches one routine scoped to the workspace.
func (s *Supabase) GetRoutine(ctx context.Context, workspaceID, routineID string) (*contracts.Routine, error) {
	q := url.Values{}
	q.Set("id", "eq."+routineID)
	q.Set("workspace_id", "eq."+workspaceID)
	q.Set("select", "*")
	q.Set("limit", "1")

	status, body, err := s.do(ctx, http.MethodGet, routinesPath, q, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusErr("getting routine", status, body)
	}
	rows, err := decodeRows[contracts.Routine](body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("routine %s: %w", routineID, contracts.ErrRoutineNotFound)
	}
	return &rows[0], nil
}

// UpdateRoutine applies a partial update scoped to the workspace and
// returns the updated row.
func (s *Supabase) UpdateRoutine(ctx context.Context, workspaceID, routineID string, patch contracts.RoutinePatch) (*contracts.Routine, error) {
	if patch.Empty() {
		return s.GetRoutine(ctx, workspaceID, routineID)
	}

	// Round-trip through a map to attach the updated_at stamp without
	// widening the patch type.
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}
	changes := map[string]any{}
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("encoding patch: %w", err)
	}
	changes["updated_at"] = fmtTS(time.Now())

	q := url.Values{}
	q.Set("id", "eq."+routineID)
	q.Set("workspace_id", "eq."+workspaceID)
	q.Set("select", "*")

	status, body, err := s.do(ctx, http.MethodPatch, routinesPath, q, changes, preferRepresentation)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, statusErr("updating routine", status, body)
	}
	rows, err := decodeRows[contracts.Routine](body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("routine %s: %w", routineID, contracts.ErrRoutineNotFound)
	}
	return &rows[0], nil
}

// DeleteRoutine removes a routine scoped to the workspace. Deleting a
// routine that is already gone is not an error at this layer.
func (s *Supabase) DeleteRoutine(ctx context.Context, workspaceID, routineID string) error {
	q := url.Values{}
	q.Set("id", "eq."+routineID)
	q.Set("workspace_id", "eq."+workspaceID)

	status, body, err := s.do(ctx, http.MethodDelete, routinesPath, q, nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return statusErr("deleting routine", status, body)
	}
	return nil
}

// InsertRun persists an immutable run record and returns the stored row.
func (s *Supabase) InsertRun(ctx context.Context, draft contracts.RunDraft) (*contracts.RoutineRun, error) {
	q := url.Values{}
	q.Set("select", "*")

	status, body, err := s.do(ctx, http.MethodPost, runsPath, q, draft, preferRepresentation)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, statusErr("inserting run", status, body)
	}
	rows, err := decodeRows[contracts.RoutineRun](body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, statusErr("inserting run", status, body)
	}
	return &rows[0], nil
}

// ListRuns returns up to limit runs for the routine, newest first.
// Workspace scoping happens a layer up: callers resolve the routine under
// the caller's workspace before listing its runs.
func (s *Supabase) ListRuns(ctx context.Context, routineID string, limit int) ([]contracts.RoutineRun, error) {
	q := url.Values{}
	q.Set("routine_id", "eq."+routineID)
	q.Set("select", "*")
	q.Set("order", "created_at.desc")
	q.Set("limit", fmt.Sprint(limit))

	status, body, err := s.do(ctx, http.MethodGet, runsPath, q, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusErr("listing runs", status, body)
	}
	return decodeRows[contracts.RoutineRun](body)
}

// TouchLastRun updates last_run_at only. Manual-run bookkeeping.
func (s *Supabase) TouchLastRun(ctx context.Context, workspaceID, routineID string, ts time.Time) error {
	q := url.Values{}
	q.Set("id", "eq."+routineID)
	q.Set("workspace_id", "eq."+workspaceID)

	changes := map[string]string{
		"last_run_at": fmtTS(ts),
		"updated_at":  fmtTS(ts),
	}
	status, body, err := s.do(ctx, http.MethodPatch, routinesPath, q, changes, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return statusErr("touching last_run_at", status, body)
	}
	return nil
}

// ListDueRoutines selects active routines due at cutoff that hold no live
// lease, ordered by next_run_at ascending.
func (s *Supabase) ListDueRoutines(ctx context.Context, cutoff time.Time, limit int) ([]contracts.Routine, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("is_active", "eq.true")
	q.Set("next_run_at", "lte."+fmtTS(cutoff))
	q.Set("or", noLiveLease(cutoff))
	q.Set("order", "next_run_at.asc")
	q.Set("limit", fmt.Sprint(limit))

	status, body, err := s.do(ctx, http.MethodGet, routinesPath, q, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusErr("listing due routines", status, body)
	}
	return decodeRows[contracts.Routine](body)
}

// TryLockRoutine attempts to acquire the lease with a conditional update
// on "no live lease". PostgREST does not reliably distinguish a predicate
// that matched zero rows from a representation that was simply omitted,
// so when the body comes back empty the row is re-read and accepted only
// if locked_by equals the requester. That read-after-write verification
// is the source of the atomicity guarantee.
func (s *Supabase) TryLockRoutine(ctx context.Context, workspaceID, routineID string, now time.Time, lease time.Duration, lockedBy string) (*contracts.Routine, error) {
	q := url.Values{}
	q.Set("id", "eq."+routineID)
	q.Set("workspace_id", "eq."+workspaceID)
	q.Set("or", noLiveLease(now))
	q.Set("select", "*")

	changes := map[string]string{
		"lock_until": fmtTS(now.Add(lease)),
		"locked_by":  lockedBy,
		"updated_at": fmtTS(now),
	}
	status, body, err := s.do(ctx, http.MethodPatch, routinesPath, q, changes, preferRepresentation)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return nil, statusErr("locking routine", status, body)
	}

	rows, err := decodeRows[contracts.Routine](body)
	if err == nil && len(rows) > 0 {
		return &rows[0], nil
	}

	// Fallback: confirm against the store whether our lock stuck.
	cq := url.Values{}
	cq.Set("id", "eq."+routineID)
	cq.Set("workspace_id", "eq."+workspaceID)
	cq.Set("locked_by", "eq."+lockedBy)
	cq.Set("select", "*")
	cq.Set("limit", "1")

	status, body, err = s.do(ctx, http.MethodGet, routinesPath, cq, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusErr("verifying lock", status, body)
	}
	got, err := decodeRows[contracts.Routine](body)
	if err != nil {
		return nil, err
	}
	if len(got) == 0 {
		return nil, nil // lost the race
	}
	return &got[0], nil
}

// FinishScheduledRun clears the lease and advances the schedule, filtered
// by locked_by so a stale worker cannot clobber a fresh lease.
func (s *Supabase) FinishScheduledRun(ctx context.Context, workspaceID, routineID, lockedBy string, lastRunAt, nextRunAt time.Time) error {
	q := url.Values{}
	q.Set("id", "eq."+routineID)
	q.Set("workspace_id", "eq."+workspaceID)
	q.Set("locked_by", "eq."+lockedBy)

	changes := map[string]any{
		"last_run_at": fmtTS(lastRunAt),
		"next_run_at": fmtTS(nextRunAt),
		"lock_until":  nil,
		"locked_by":   nil,
		"updated_at":  fmtTS(lastRunAt),
	}
	status, body, err := s.do(ctx, http.MethodPatch, routinesPath, q, changes, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return statusErr("finishing scheduled run", status, body)
	}
	return nil
}

// ReleaseLock clears only the lease fields, filtered by locked_by.
// Crash-safety fallback; matching nothing is fine.
func (s *Supabase) ReleaseLock(ctx context.Context, workspaceID, routineID, lockedBy string) error {
	q := url.Values{}
	q.Set("id", "eq."+routineID)
	q.Set("workspace_id", "eq."+workspaceID)
	q.Set("locked_by", "eq."+lockedBy)

	changes := map[string]any{
		"lock_until": nil,
		"locked_by":  nil,
	}
	status, body, err := s.do(ctx, http.MethodPatch, routinesPath, q, changes, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return statusErr("releasing lock", status, body)
	}
	return nil
}
