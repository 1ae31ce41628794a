package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opspulse/opspulse/config"
	"github.com/opspulse/opspulse/contracts"
)

// authTimeout caps the identity-provider round trip.
const authTimeout = 10 * time.Second

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	// UserID validates token and returns the user it belongs to.
	// Invalid or expired tokens fail with ErrUnauthorized.
	UserID(ctx context.Context, token string) (string, error)
}

// GoTrueAuthenticator validates tokens against the Supabase auth
// endpoint, the same check supabase-js performs client-side.
type GoTrueAuthenticator struct {
	baseURL string
	anonKey string
	client  *http.Client
}

// NewGoTrueAuthenticator builds an authenticator for the configured
// Supabase project.
func NewGoTrueAuthenticator(cfg *config.Config) *GoTrueAuthenticator {
	return &GoTrueAuthenticator{
		baseURL: strings.TrimRight(cfg.SupabaseURL, "/"),
		anonKey: cfg.AnonKey,
		client:  &http.Client{Timeout: authTimeout},
	}
}

// UserID calls /auth/v1/user with the anon apikey and the user's token.
func (a *GoTrueAuthenticator) UserID(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("apikey", a.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", contracts.ErrUnauthorized
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.ID == "" {
		return "", contracts.ErrUnauthorized
	}
	return body.ID, nil
}

// ctxKey keys request-scoped values without colliding with other packages.
type ctxKey int

const workspaceKey ctxKey = iota

// workspaceID returns the workspace stashed by the auth middleware.
func workspaceID(ctx context.Context) string {
	id, _ := ctx.Value(workspaceKey).(string)
	return id
}

// bearerToken extracts the token from an Authorization header, or ""
// when absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// requireAuth validates the bearer token and resolves the caller's
// workspace before the handler runs.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, fmt.Errorf("%w: missing bearer token", contracts.ErrUnauthorized))
			return
		}

		userID, err := s.auth.UserID(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}

		wsID, err := s.store.GetOrCreateWorkspace(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), workspaceKey, wsID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
