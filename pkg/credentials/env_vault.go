package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/carverauto/fleetradar/pkg/models"
)

// DefaultSecretEnvPrefix prefixes environment-held secrets.
const DefaultSecretEnvPrefix = "FLEETRADAR_SECRET_"

// EnvVault resolves secret references from environment variables named
// <prefix><REF>_USERNAME and <prefix><REF>_PASSWORD, where REF is the
// upper-cased reference with every non-alphanumeric rune replaced by '_'.
type EnvVault struct {
	Prefix string
	lookup func(string) (string, bool)
}

var _ Vault = (*EnvVault)(nil)

// NewEnvVault returns a vault reading the process environment.
func NewEnvVault(prefix string) *EnvVault {
	if prefix == "" {
		prefix = DefaultSecretEnvPrefix
	}

	return &EnvVault{Prefix: prefix, lookup: os.LookupEnv}
}

// Fetch implements Vault.
func (v *EnvVault) Fetch(_ context.Context, secretRef string) (models.Credential, error) {
	if secretRef == "" {
		return models.Credential{}, fmt.Errorf("%w: %w", ErrSecretNotFound, errEmptySecretRef)
	}

	base := v.Prefix + EnvName(secretRef)

	user, hasUser := v.lookup(base + "_USERNAME")
	pass, hasPass := v.lookup(base + "_PASSWORD")

	if !hasUser && !hasPass {
		return models.Credential{}, fmt.Errorf("%w: %s", ErrSecretNotFound, secretRef)
	}

	return models.Credential{Username: user, Password: pass, Source: models.CredentialSourceEnv}, nil
}

// EnvName converts a secret reference to its environment variable stem.
func EnvName(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, ref)
}

// ChainVault consults each vault in order and returns the first hit. Only
// ErrSecretNotFound falls through to the next vault.
type ChainVault []Vault

var _ Vault = ChainVault(nil)

// Fetch implements Vault.
func (c ChainVault) Fetch(ctx context.Context, secretRef string) (models.Credential, error) {
	err := fmt.Errorf("%w: %s", ErrSecretNotFound, secretRef)

	for _, v := range c {
		cred, fetchErr := v.Fetch(ctx, secretRef)
		if fetchErr == nil {
			return cred, nil
		}

		if !errors.Is(fetchErr, ErrSecretNotFound) {
			return models.Credential{}, fetchErr
		}

		err = fetchErr
	}

	return models.Credential{}, err
}
