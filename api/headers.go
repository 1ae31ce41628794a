package api

import (
	"fmt"
	"strings"

	"github.com/opspulse/opspulse/contracts"
)

// Limits for user-supplied probe headers.
const (
	maxHeaderNameLen  = 100
	maxHeaderValueLen = 4096
)

// forbiddenHeaders are names a routine must never carry: credentials go
// through auth_mode/secret_ref only, and cookie headers are not probe
// material.
var forbiddenHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
	"x-auth-token":  {},
}

// tokenExtra are the non-alphanumeric characters RFC 7230 allows in a
// header field name.
const tokenExtra = "!#$%&'*+-.^_`|~"

func isTokenName(name string) bool {
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case strings.ContainsRune(tokenExtra, ch):
		default:
			return false
		}
	}
	return true
}

// ValidateHeaders checks user-supplied probe headers against the name
// grammar, size limits, the forbidden-name list and CRLF injection.
// Violations wrap contracts.ErrValidation.
func ValidateHeaders(headers map[string]string) error {
	for k, v := range headers {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" {
			return fmt.Errorf("%w: header name cannot be empty", contracts.ErrValidation)
		}
		if len(name) > maxHeaderNameLen {
			return fmt.Errorf("%w: header %q exceeds max name length %d", contracts.ErrValidation, k, maxHeaderNameLen)
		}
		if !isTokenName(name) {
			return fmt.Errorf("%w: header %q has invalid name characters", contracts.ErrValidation, k)
		}
		if _, bad := forbiddenHeaders[name]; bad {
			return fmt.Errorf("%w: header %q is not allowed", contracts.ErrValidation, k)
		}
		if len(v) > maxHeaderValueLen {
			return fmt.Errorf("%w: header %q exceeds max value length %d", contracts.ErrValidation, k, maxHeaderValueLen)
		}
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: header %q value has invalid characters", contracts.ErrValidation, k)
		}
	}
	return nil
}
