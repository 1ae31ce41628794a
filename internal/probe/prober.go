package probe

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/opspulse/opspulse/contracts"
)

// Error messages recorded on failed runs. Kept stable: dashboards and
// tests match on them.
const (
	errMissingSecret = "missing_secret_ref_value"
	errTimeout       = "timeout"
	errHTTPPrefix    = "http_error:"
	errExcPrefix     = "exception:"
)

// maxErrorMessageLen caps error_message on run records.
const maxErrorMessageLen = 180

// HTTPProber issues one HTTP request per probe with a per-request
// deadline. It implements contracts.Prober and never returns an error:
// every failure mode is classified into the outcome.
type HTTPProber struct {
	client  *http.Client
	secrets contracts.SecretProvider
	clock   contracts.Clock
	timeout time.Duration
}

// Option customizes an HTTPProber.
type Option func(*HTTPProber)

// WithClient substitutes the underlying HTTP client (tests).
func WithClient(c *http.Client) Option {
	return func(p *HTTPProber) { p.client = c }
}

// WithClock substitutes the wall clock (tests).
func WithClock(c contracts.Clock) Option {
	return func(p *HTTPProber) { p.clock = c }
}

// New creates an HTTPProber with the given per-request timeout.
func New(secrets contracts.SecretProvider, timeout time.Duration, opts ...Option) *HTTPProber {
	p := &HTTPProber{
		client:  &http.Client{},
		secrets: secrets,
		clock:   contracts.SystemClock{},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe executes the routine's configured request and classifies the result.
//
// Header resolution starts from the routine's stored headers. Under
// SECRET_REF auth the secret is resolved first; when it is missing the
// probe fails without any network I/O. When present it becomes the
// Authorization bearer header, overwriting any prior value. This is the
// only code path that may introduce a credential into an outbound
// request; stored headers never contain one.
func (p *HTTPProber) Probe(ctx context.Context, routine *contracts.Routine) contracts.RunOutcome {
	started := p.clock.Now().UTC()

	headers := make(map[string]string, len(routine.Headers)+1)
	for k, v := range routine.Headers {
		headers[k] = v
	}
	if routine.AuthMode == contracts.AuthSecretRef {
		ref := ""
		if routine.SecretRef != nil {
			ref = *routine.SecretRef
		}
		secret, ok := p.secrets.Secret(ref)
		if !ok {
			return p.failBefore(started, errMissingSecret)
		}
		headers["Authorization"] = "Bearer " + secret
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, string(routine.HTTPMethod), routine.EndpointURL, nil)
	if err != nil {
		return p.failBefore(started, truncateError(errExcPrefix+err.Error()))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	t0 := time.Now()
	resp, err := p.client.Do(req)
	elapsed := int(time.Since(t0).Milliseconds())
	finished := p.clock.Now().UTC().Truncate(time.Second)

	outcome := contracts.RunOutcome{
		DurationMS: elapsed,
		StartedAt:  started.Truncate(time.Second),
		FinishedAt: finished,
	}

	if err != nil {
		outcome.Status = contracts.RunFail
		outcome.ErrorMessage = classifyTransportError(err)
		return outcome
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	outcome.HTTPStatus = &code
	if code >= 200 && code < 300 {
		outcome.Status = contracts.RunSuccess
		return outcome
	}
	outcome.Status = contracts.RunFail
	outcome.ErrorMessage = truncateError(errHTTPPrefix + strconv.Itoa(code))
	return outcome
}

// failBefore builds a FAIL outcome for failures that happen before any
// network I/O. Duration is zero by construction.
func (p *HTTPProber) failBefore(started time.Time, message string) contracts.RunOutcome {
	at := started.Truncate(time.Second)
	return contracts.RunOutcome{
		Status:       contracts.RunFail,
		DurationMS:   0,
		ErrorMessage: message,
		StartedAt:    at,
		FinishedAt:   at,
	}
}

// classifyTransportError distinguishes deadline expiry from other
// transport failures.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return errTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errTimeout
	}
	return truncateError(errExcPrefix + err.Error())
}

// truncateError caps an error message at maxErrorMessageLen characters.
func truncateError(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}
