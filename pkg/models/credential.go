package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const redacted = "[REDACTED]"

// CredentialSource records where a credential came from.
type CredentialSource string

const (
	CredentialSourceVault    CredentialSource = "vault"
	CredentialSourceOverride CredentialSource = "override"
	CredentialSourceEnv      CredentialSource = "env"
)

// Credential is a transient username/password pair. It lives in memory only;
// String and MarshalJSON never reveal the password.
type Credential struct {
	Username string           `json:"username"`
	Password string           `json:"password"`
	Source   CredentialSource `json:"source"`
}

// IsZero reports whether no username or password is set.
func (c Credential) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{username=%s password=%s source=%s}", c.Username, redacted, c.Source)
}

// MarshalJSON redacts the password.
func (c Credential) MarshalJSON() ([]byte, error) {
	type credentialJSON Credential

	out := credentialJSON(c)
	if out.Password != "" {
		out.Password = redacted
	}

	return json.Marshal(out)
}

// CredentialHandle binds a gateway to its opaque secret reference and the
// cached resolution, if any.
type CredentialHandle struct {
	GatewayID  string
	SecretRef  string
	Resolved   *Credential
	ResolvedAt time.Time
	TTL        time.Duration
}

// Valid reports whether the cached credential is present and unexpired at now.
func (h *CredentialHandle) Valid(now time.Time) bool {
	if h.Resolved == nil {
		return false
	}

	if h.TTL <= 0 {
		return true
	}

	return now.Before(h.ResolvedAt.Add(h.TTL))
}

// Clear drops the cached credential.
func (h *CredentialHandle) Clear() {
	h.Resolved = nil
	h.ResolvedAt = time.Time{}
}
