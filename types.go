package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds identity options
type Config interface {
	GetSigningKey() string
	GetTokenExpiration() int
	GetIssuer() string
	GetAudience() []string
	GetContextKey() string
	GetTokenLookup() string
	GetAuthScheme() string
}

// Mailer is the external email collaborator. Sends are best-effort from the
// core's perspective: failures are logged, never retried.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, name, token, lang string) error
	SendPasswordRecoveryEmail(ctx context.Context, to, name, token, lang string, expiresAt time.Time) error
	SendWelcomeEmail(ctx context.Context, to, name, lang string) error
	SendPendingApprovalEmail(ctx context.Context, to, name, lang string) error
	SendAgentWelcomeEmail(ctx context.Context, to, name, agencyName, lang string) error
	SendAgentRejectedEmail(ctx context.Context, to, name, agencyName, lang string) error
}

// Notification is an owner-facing alert payload
type Notification struct {
	UserID       uuid.UUID         `json:"user_id"`
	Type         string            `json:"type"`
	Translations map[string]string `json:"translations,omitempty"`
}

// Notifier is the external notification collaborator
type Notifier interface {
	SendNotification(ctx context.Context, n Notification) error
}

// Identity holds the attributes of an authenticated identity
type Identity interface {
	ID() string
	Username() string
	Email() string
	Role() string
}

// PasswordAuthenticator authenticates passwords
type PasswordAuthenticator interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] IDENTITY "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] IDENTITY "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] IDENTITY "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] IDENTITY "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
