// Package contracts defines the domain model and capability interfaces
// shared by the API layer, the store adapters and the scheduler core.
package contracts

import "time"

// RoutineKind identifies what a routine probes.
type RoutineKind string

// Supported routine kinds.
const (
	KindHTTPCheck   RoutineKind = "HTTP_CHECK"
	KindWebhookCall RoutineKind = "WEBHOOK_CALL"
)

// HTTPMethod is the request method a routine uses against its endpoint.
type HTTPMethod string

// Supported probe methods.
const (
	MethodGet  HTTPMethod = "GET"
	MethodPost HTTPMethod = "POST"
)

// AuthMode selects how the outbound probe request is authenticated.
type AuthMode string

// Supported auth modes.
const (
	AuthNone      AuthMode = "NONE"
	AuthSecretRef AuthMode = "SECRET_REF"
)

// RunTrigger records what started a run.
type RunTrigger string

// Run triggers.
const (
	TriggerManual   RunTrigger = "MANUAL"
	TriggerSchedule RunTrigger = "SCHEDULE"
)

// RunStatus is the outcome classification of a run.
type RunStatus string

// Run statuses.
const (
	RunSuccess RunStatus = "SUCCESS"
	RunFail    RunStatus = "FAIL"
)

// Routine is a persisted specification of a recurring HTTP probe.
//
// Lock semantics: (LockUntil, LockedBy) form a soft lease. While
// now < LockUntil the routine is leased and must not be executed by
// anyone but LockedBy. The pair is always set and cleared together.
// JSON tags match the PostgREST column names.
type Routine struct {
	ID              string            `json:"id"`
	WorkspaceID     string            `json:"workspace_id"`
	Name            string            `json:"name"`
	Kind            RoutineKind       `json:"kind"`
	IntervalMinutes int               `json:"interval_minutes"`
	EndpointURL     string            `json:"endpoint_url"`
	HTTPMethod      HTTPMethod        `json:"http_method"`
	Headers         map[string]string `json:"headers_json"`
	AuthMode        AuthMode          `json:"auth_mode"`
	SecretRef       *string           `json:"secret_ref"`
	IsActive        bool              `json:"is_active"`
	NextRunAt       *time.Time        `json:"next_run_at"`
	LastRunAt       *time.Time        `json:"last_run_at"`
	LockUntil       *time.Time        `json:"lock_until"`
	LockedBy        *string           `json:"locked_by"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Leased reports whether the routine holds a live lease at the given instant.
func (r *Routine) Leased(now time.Time) bool {
	return r.LockUntil != nil && now.Before(*r.LockUntil)
}

// RoutineDraft carries the fields for inserting a new routine.
type RoutineDraft struct {
	WorkspaceID     string            `json:"workspace_id"`
	Name            string            `json:"name"`
	Kind            RoutineKind       `json:"kind"`
	IntervalMinutes int               `json:"interval_minutes"`
	EndpointURL     string            `json:"endpoint_url"`
	HTTPMethod      HTTPMethod        `json:"http_method"`
	Headers         map[string]string `json:"headers_json"`
	AuthMode        AuthMode          `json:"auth_mode"`
	SecretRef       *string           `json:"secret_ref,omitempty"`
	IsActive        bool              `json:"is_active"`
	NextRunAt       time.Time         `json:"next_run_at"`
}

// RoutinePatch carries a partial update for a routine. Nil fields are
// left untouched by the store.
type RoutinePatch struct {
	Name            *string            `json:"name,omitempty"`
	Kind            *RoutineKind       `json:"kind,omitempty"`
	IntervalMinutes *int               `json:"interval_minutes,omitempty"`
	EndpointURL     *string            `json:"endpoint_url,omitempty"`
	HTTPMethod      *HTTPMethod        `json:"http_method,omitempty"`
	Headers         *map[string]string `json:"headers_json,omitempty"`
	AuthMode        *AuthMode          `json:"auth_mode,omitempty"`
	SecretRef       *string            `json:"secret_ref,omitempty"`
	IsActive        *bool              `json:"is_active,omitempty"`
}

// Empty reports whether the patch carries no changes.
func (p *RoutinePatch) Empty() bool {
	return p == nil || (p.Name == nil && p.Kind == nil && p.IntervalMinutes == nil &&
		p.EndpointURL == nil && p.HTTPMethod == nil && p.Headers == nil &&
		p.AuthMode == nil && p.SecretRef == nil && p.IsActive == nil)
}

// RoutineRun is an immutable record of one execution of a routine.
// Runs are created once and never updated.
type RoutineRun struct {
	ID           string     `json:"id"`
	RoutineID    string     `json:"routine_id"`
	TriggeredBy  RunTrigger `json:"triggered_by"`
	Status       RunStatus  `json:"status"`
	HTTPStatus   *int       `json:"http_status"`
	DurationMS   int        `json:"duration_ms"`
	ErrorMessage *string    `json:"error_message"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// RunDraft carries the fields for inserting a new run record.
type RunDraft struct {
	RoutineID    string     `json:"routine_id"`
	TriggeredBy  RunTrigger `json:"triggered_by"`
	Status       RunStatus  `json:"status"`
	HTTPStatus   *int       `json:"http_status,omitempty"`
	DurationMS   int        `json:"duration_ms"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
}

// RunOutcome is the result of one probe execution. The prober never
// fails with an error; every failure mode is folded into an outcome.
type RunOutcome struct {
	Status       RunStatus
	HTTPStatus   *int
	DurationMS   int
	ErrorMessage string // empty when the probe succeeded
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Draft converts the outcome into a run draft for the given routine.
func (o RunOutcome) Draft(routineID string, trigger RunTrigger) RunDraft {
	d := RunDraft{
		RoutineID:   routineID,
		TriggeredBy: trigger,
		Status:      o.Status,
		HTTPStatus:  o.HTTPStatus,
		DurationMS:  o.DurationMS,
		StartedAt:   o.StartedAt,
		FinishedAt:  o.FinishedAt,
	}
	if o.ErrorMessage != "" {
		msg := o.ErrorMessage
		d.ErrorMessage = &msg
	}
	return d
}

// PingResult describes the outcome of a store reachability check.
type PingResult struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMS  int    `json:"latency_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}
