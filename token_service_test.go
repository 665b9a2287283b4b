package identity_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/identity"
)

// recordingLogger captures rendered error lines
type recordingLogger struct {
	errors []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(string, ...any)  {}
func (l *recordingLogger) Error(msg string, args ...any) {
	l.errors = append(l.errors, fmt.Sprintf(msg, args...))
}

type testIdentity struct {
	id       string
	username string
	email    string
	role     string
}

func (i testIdentity) ID() string       { return i.id }
func (i testIdentity) Username() string { return i.username }
func (i testIdentity) Email() string    { return i.email }
func (i testIdentity) Role() string     { return i.role }

func newTestTokenService() identity.TokenService {
	return identity.NewTokenService([]byte("test-signing-key"), 1, "identity-test", nil, nil)
}

func TestTokenServiceRoundTrip(t *testing.T) {
	service := newTestTokenService()

	who := testIdentity{
		id:       "3c7e1d8a-9a3e-4a3c-8f1f-2d1f9f1a2b3c",
		username: "peter",
		email:    "peter@example.com",
		role:     identity.RoleAgent,
	}

	token, err := service.Generate(who, "agency-123")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := service.Validate(token)
	require.NoError(t, err)

	assert.Equal(t, who.id, claims.UserID())
	assert.Equal(t, who.id, claims.Subject())
	assert.Equal(t, identity.RoleAgent, claims.Role())
	assert.Equal(t, "agency-123", claims.AgencyID())
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.Expires(), time.Minute)
}

func TestTokenServiceUnscopedToken(t *testing.T) {
	service := newTestTokenService()

	token, err := service.Generate(testIdentity{id: "abc", role: identity.RoleUser}, "")
	require.NoError(t, err)

	claims, err := service.Validate(token)
	require.NoError(t, err)
	assert.Empty(t, claims.AgencyID())
}

func TestTokenServiceRejectsNilIdentity(t *testing.T) {
	service := newTestTokenService()

	_, err := service.Generate(nil, "")
	assert.Error(t, err)
}

func TestTokenServiceRejectsGarbage(t *testing.T) {
	service := newTestTokenService()

	_, err := service.Validate("not-a-token")
	assert.Error(t, err)
}

func TestTokenServiceRejectsWrongKey(t *testing.T) {
	service := newTestTokenService()
	other := identity.NewTokenService([]byte("different-key"), 1, "identity-test", nil, nil)

	token, err := other.Generate(testIdentity{id: "abc", role: identity.RoleUser}, "")
	require.NoError(t, err)

	_, err = service.Validate(token)
	assert.Error(t, err)
}

func TestTokenServiceRejectsExpired(t *testing.T) {
	service := newTestTokenService()

	now := time.Now()
	claims := &identity.JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "identity-test",
			Subject:   "abc",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		UID:      "abc",
		UserRole: identity.RoleUser,
	}

	token, err := service.SignClaims(claims)
	require.NoError(t, err)

	_, err = service.Validate(token)
	assert.ErrorIs(t, err, identity.ErrCredentialInvalid)
}

func TestTokenServiceRejectsNonHMACToken(t *testing.T) {
	logger := &recordingLogger{}
	service := identity.NewTokenService([]byte("test-signing-key"), 1, "identity-test", nil, logger)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "abc",
		Issuer:  "identity-test",
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = service.Validate(token)
	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, "CREDENTIAL_INVALID", richErr.TextCode)

	// the offending algorithm lands in the log line
	require.Len(t, logger.errors, 1)
	assert.Contains(t, logger.errors[0], "unexpected signing method: none")
}

func TestTokenServiceRejectsWrongIssuer(t *testing.T) {
	service := newTestTokenService()
	other := identity.NewTokenService([]byte("test-signing-key"), 1, "someone-else", nil, nil)

	token, err := other.Generate(testIdentity{id: "abc", role: identity.RoleUser}, "")
	require.NoError(t, err)

	_, err = service.Validate(token)
	assert.Error(t, err)
}
