package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/opspulse/opspulse/contracts"
)

// Limits for the limit query parameter on list endpoints.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// createRoutineRequest is the POST /routines payload.
type createRoutineRequest struct {
	Name            string            `json:"name" validate:"required,min=1,max=80"`
	Kind            string            `json:"kind" validate:"required,oneof=HTTP_CHECK WEBHOOK_CALL"`
	IntervalMinutes int               `json:"interval_minutes" validate:"required,gte=5"`
	EndpointURL     string            `json:"endpoint_url" validate:"required,http_url"`
	HTTPMethod      string            `json:"http_method" validate:"required,oneof=GET POST"`
	Headers         map[string]string `json:"headers_json"`
	AuthMode        string            `json:"auth_mode" validate:"omitempty,oneof=NONE SECRET_REF"`
	SecretRef       *string           `json:"secret_ref" validate:"required_if=AuthMode SECRET_REF"`
	IsActive        *bool             `json:"is_active"`
}

// draft converts the validated request into a store draft. The first
// scheduled slot is one interval out from the creation minute.
func (req *createRoutineRequest) draft(workspaceID string, now time.Time) contracts.RoutineDraft {
	authMode := contracts.AuthMode(req.AuthMode)
	if authMode == "" {
		authMode = contracts.AuthNone
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	interval := time.Duration(req.IntervalMinutes) * time.Minute
	return contracts.RoutineDraft{
		WorkspaceID:     workspaceID,
		Name:            req.Name,
		Kind:            contracts.RoutineKind(req.Kind),
		IntervalMinutes: req.IntervalMinutes,
		EndpointURL:     req.EndpointURL,
		HTTPMethod:      contracts.HTTPMethod(req.HTTPMethod),
		Headers:         req.Headers,
		AuthMode:        authMode,
		SecretRef:       req.SecretRef,
		IsActive:        active,
		NextRunAt:       now.UTC().Truncate(time.Minute).Add(interval),
	}
}

// updateRoutineRequest is the PATCH /routines/{id} payload. Nil fields
// are left untouched.
type updateRoutineRequest struct {
	Name            *string            `json:"name" validate:"omitempty,min=1,max=80"`
	Kind            *string            `json:"kind" validate:"omitempty,oneof=HTTP_CHECK WEBHOOK_CALL"`
	IntervalMinutes *int               `json:"interval_minutes" validate:"omitempty,gte=5"`
	EndpointURL     *string            `json:"endpoint_url" validate:"omitempty,http_url"`
	HTTPMethod      *string            `json:"http_method" validate:"omitempty,oneof=GET POST"`
	Headers         *map[string]string `json:"headers_json"`
	AuthMode        *string            `json:"auth_mode" validate:"omitempty,oneof=NONE SECRET_REF"`
	SecretRef       *string            `json:"secret_ref"`
	IsActive        *bool              `json:"is_active"`
}

// patch converts the validated request into a store patch.
func (req *updateRoutineRequest) patch() contracts.RoutinePatch {
	p := contracts.RoutinePatch{
		Name:            req.Name,
		IntervalMinutes: req.IntervalMinutes,
		EndpointURL:     req.EndpointURL,
		Headers:         req.Headers,
		SecretRef:       req.SecretRef,
		IsActive:        req.IsActive,
	}
	if req.Kind != nil {
		kind := contracts.RoutineKind(*req.Kind)
		p.Kind = &kind
	}
	if req.HTTPMethod != nil {
		method := contracts.HTTPMethod(*req.HTTPMethod)
		p.HTTPMethod = &method
	}
	if req.AuthMode != nil {
		mode := contracts.AuthMode(*req.AuthMode)
		p.AuthMode = &mode
	}
	return p
}

// deleteResponse acknowledges a successful DELETE.
type deleteResponse struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status   string               `json:"status"`
	Supabase contracts.PingResult `json:"supabase"`
}

// parseLimit reads the limit query parameter, clamped to [1, 200] with
// a default of 50. A non-integer or out-of-range value is a client error.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: limit must be an integer", contracts.ErrInvalidInput)
	}
	if n < 1 || n > maxListLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", contracts.ErrInvalidInput, maxListLimit)
	}
	return n, nil
}
