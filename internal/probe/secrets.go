// Package probe executes routine HTTP probes and resolves their secrets.
package probe

import (
	"os"
	"strings"
)

// secretEnvPrefix namespaces the environment variables holding secrets.
const secretEnvPrefix = "SECRET_"

// EnvSecretProvider resolves secret references from the process
// environment. A reference "X" maps to env SECRET_X; a reference that
// already begins with SECRET_ is used as-is.
type EnvSecretProvider struct{}

// Secret returns the credential for ref and whether it was found.
// Empty values count as missing.
func (EnvSecretProvider) Secret(ref string) (string, bool) {
	key := strings.TrimSpace(ref)
	if key == "" {
		return "", false
	}
	if !strings.HasPrefix(key, secretEnvPrefix) {
		key = secretEnvPrefix + key
	}
	v := os.Getenv(key)
	return v, v != ""
}
