package credentials

import "errors"

var (
	// ErrVaultUnavailable is a transient vault failure. Retryable.
	ErrVaultUnavailable = errors.New("secret vault unavailable")
	// ErrSecretNotFound means the secret reference does not exist. Fatal for the gateway.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrDecryptionFailed means the sealed secret could not be opened. Fatal for the gateway.
	ErrDecryptionFailed = errors.New("secret decryption failed")

	errNoIdentity     = errors.New("no age identity configured")
	errNoRecipients   = errors.New("at least one recipient is required")
	errEmptySecretRef = errors.New("secret reference is empty")
)

// IsFatal reports whether err must not be retried for the gateway.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSecretNotFound) || errors.Is(err, ErrDecryptionFailed)
}

// IsRetryable reports whether the vault might succeed on another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVaultUnavailable)
}
