/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetradar/pkg/models"
)

// KVVault reads age-sealed credentials from a JetStream key-value bucket.
// Keys are secret references; values are base64 ciphertext produced by Seal.
type KVVault struct {
	kv         jetstream.KeyValue
	identities []age.Identity
}

var _ Vault = (*KVVault)(nil)

// NewKVVault binds to bucket, creating it if it does not exist.
func NewKVVault(ctx context.Context, js jetstream.JetStream, bucket string, identities ...age.Identity) (*KVVault, error) {
	if len(identities) == 0 {
		return nil, errNoIdentity
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "age-sealed gateway credentials",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind credential bucket %s: %w", bucket, err)
	}

	return &KVVault{kv: kv, identities: identities}, nil
}

// Fetch implements Vault.
func (v *KVVault) Fetch(ctx context.Context, secretRef string) (models.Credential, error) {
	if secretRef == "" {
		return models.Credential{}, fmt.Errorf("%w: %w", ErrSecretNotFound, errEmptySecretRef)
	}

	entry, err := v.kv.Get(ctx, kvKey(secretRef))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return models.Credential{}, fmt.Errorf("%w: %s", ErrSecretNotFound, secretRef)
		}

		return models.Credential{}, fmt.Errorf("%w: %w", ErrVaultUnavailable, err)
	}

	return Open(entry.Value(), v.identities...)
}

// Store seals cred to recipients and writes it under secretRef.
func (v *KVVault) Store(ctx context.Context, secretRef string, cred models.Credential, recipients ...string) error {
	if secretRef == "" {
		return errEmptySecretRef
	}

	sealed, err := Seal(cred, recipients...)
	if err != nil {
		return err
	}

	if _, err := v.kv.Put(ctx, kvKey(secretRef), []byte(sealed)); err != nil {
		return fmt.Errorf("failed to store secret %s: %w", secretRef, err)
	}

	return nil
}

// Delete removes secretRef. Missing keys are not an error.
func (v *KVVault) Delete(ctx context.Context, secretRef string) error {
	err := v.kv.Delete(ctx, kvKey(secretRef))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete secret %s: %w", secretRef, err)
	}

	return nil
}

// kvKey maps a secret reference onto the KV key alphabet.
func kvKey(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '/', r == '=', r == '.':
			return r
		default:
			return '_'
		}
	}, ref)
}
