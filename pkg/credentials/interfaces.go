package credentials

//go:generate mockgen -destination=mock_vault.go -package=credentials github.com/carverauto/fleetradar/pkg/credentials Vault

import (
	"context"

	"github.com/carverauto/fleetradar/pkg/models"
)

// Vault resolves an opaque secret reference to a credential. Errors wrap
// ErrVaultUnavailable, ErrSecretNotFound or ErrDecryptionFailed.
type Vault interface {
	Fetch(ctx context.Context, secretRef string) (models.Credential, error)
}
