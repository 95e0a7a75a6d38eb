package credentials

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/carverauto/fleetradar/pkg/models"
)

// sealedCredential is the plaintext document inside a sealed blob.
type sealedCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Seal encrypts a credential to the given age X25519 recipients and returns
// base64 ciphertext suitable for storing in the KV bucket.
func Seal(cred models.Credential, recipientKeys ...string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", errNoRecipients
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))

	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return "", fmt.Errorf("parsing recipient key: %w", err)
		}

		recipients = append(recipients, r)
	}

	plaintext, err := json.Marshal(sealedCredential{Username: cred.Username, Password: cred.Password})
	if err != nil {
		return "", fmt.Errorf("encoding credential: %w", err)
	}

	var buf bytes.Buffer

	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a sealed blob. Every failure wraps ErrDecryptionFailed.
func Open(ciphertext []byte, identities ...age.Identity) (models.Credential, error) {
	if len(identities) == 0 {
		return models.Credential{}, fmt.Errorf("%w: %w", ErrDecryptionFailed, errNoIdentity)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(ciphertext)))
	if err != nil {
		return models.Credential{}, fmt.Errorf("%w: decoding base64: %w", ErrDecryptionFailed, err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), identities...)
	if err != nil {
		return models.Credential{}, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return models.Credential{}, fmt.Errorf("%w: reading plaintext: %w", ErrDecryptionFailed, err)
	}

	var doc sealedCredential
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return models.Credential{}, fmt.Errorf("%w: decoding credential: %w", ErrDecryptionFailed, err)
	}

	return models.Credential{
		Username: doc.Username,
		Password: doc.Password,
		Source:   models.CredentialSourceVault,
	}, nil
}

// LoadIdentities reads age identities from a file in the standard age key
// file format.
func LoadIdentities(path string) ([]age.Identity, error) {
	if path == "" {
		return nil, errNoIdentity
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}

	return ids, nil
}
