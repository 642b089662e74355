// Package secrets resolves credential references from provider
// configuration into secret material at adapter construction time.
//
// References take the form "env:VAR_NAME" or "file:/path/to/secret".
// A value without a scheme is treated as a literal, which keeps small
// local setups working without a secret store. Resolved material is
// handed to the adapter instance and never persisted or logged.
package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Resolver resolves credential references to secret values.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// ChainResolver resolves env and file references, falling back to
// literal pass-through for unschemed values.
type ChainResolver struct{}

// NewResolver creates the default resolver.
func NewResolver() *ChainResolver {
	return &ChainResolver{}
}

// Resolve returns the secret material for ref.
func (r *ChainResolver) Resolve(ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil

	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value := os.Getenv(name)
		if value == "" {
			return "", fmt.Errorf("secret not found in environment: %s", name)
		}
		return value, nil

	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil

	default:
		return ref, nil
	}
}
