// Package tokenstore defines the ephemeral token store contract consumed by
// the identity core for email-verification and password-reset tokens, plus an
// in-memory adapter. The store maps opaque keys to payloads with per-entry
// expiry; production deployments are expected to plug a shared store behind
// the same interface.
package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	// VerificationPrefix namespaces email-verification tokens
	VerificationPrefix = "email_verification:"
	// PasswordResetPrefix namespaces password-reset tokens
	PasswordResetPrefix = "password_reset:"

	// VerificationTTL is the fixed lifetime of email-verification tokens
	VerificationTTL = 30 * time.Minute
	// PasswordResetTTL is the fixed lifetime of password-reset tokens
	PasswordResetTTL = 24 * time.Hour
)

// Payload identifies the account a token was issued for
type Payload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Store is the key→payload contract. Take must behave atomically: of any
// number of concurrent Take calls for the same key, exactly one observes the
// payload; the rest observe absence.
type Store interface {
	Set(ctx context.Context, key string, payload Payload, ttl time.Duration) error
	Get(ctx context.Context, key string) (Payload, bool, error)
	Delete(ctx context.Context, key string) error
	Take(ctx context.Context, key string) (Payload, bool, error)
}

// NewToken returns a fresh opaque token string
func NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("tokenstore: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// VerificationKey builds the store key for an email-verification token
func VerificationKey(token string) string {
	return VerificationPrefix + token
}

// PasswordResetKey builds the store key for a password-reset token
func PasswordResetKey(token string) string {
	return PasswordResetPrefix + token
}
