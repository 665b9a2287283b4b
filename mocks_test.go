package identity_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/agenthub/identity"
)

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

// MockUsers implements identity.Users; unmocked inherited methods panic
type MockUsers struct {
	mock.Mock
	identity.Users
}

func (m *MockUsers) CreateTx(ctx context.Context, tx bun.IDB, record *identity.User, criteria ...repository.InsertCriteria) (*identity.User, error) {
	args := m.Called(ctx, tx, record)
	if u, ok := args.Get(0).(*identity.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUsers) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*identity.User, error) {
	args := m.Called(ctx, identifier)
	if u, ok := args.Get(0).(*identity.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUsers) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*identity.User, error) {
	args := m.Called(ctx, tx, identifier)
	if u, ok := args.Get(0).(*identity.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUsers) ExistsUsernameTx(ctx context.Context, tx bun.IDB, username string) (bool, error) {
	args := m.Called(ctx, tx, username)
	return args.Bool(0), args.Error(1)
}

func (m *MockUsers) ExistsEmailTx(ctx context.Context, tx bun.IDB, email string) (bool, error) {
	args := m.Called(ctx, tx, email)
	return args.Bool(0), args.Error(1)
}

func (m *MockUsers) UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status identity.UserStatus) (*identity.User, error) {
	args := m.Called(ctx, tx, id, status)
	if u, ok := args.Get(0).(*identity.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUsers) SetRoleAndStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, role identity.Role, status identity.UserStatus) (*identity.User, error) {
	args := m.Called(ctx, tx, id, role, status)
	if u, ok := args.Get(0).(*identity.User); ok {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUsers) MarkEmailVerifiedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status identity.UserStatus) error {
	args := m.Called(ctx, tx, id, status)
	return args.Error(0)
}

func (m *MockUsers) TrackAttemptedLogin(ctx context.Context, user *identity.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUsers) TrackSuccessfulLogin(ctx context.Context, user *identity.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUsers) TouchLastActive(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockUsers) ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	args := m.Called(ctx, id, passwordHash)
	return args.Error(0)
}

// MockAgencies implements identity.Agencies
type MockAgencies struct {
	mock.Mock
	identity.Agencies
}

func (m *MockAgencies) CreateTx(ctx context.Context, tx bun.IDB, record *identity.Agency, criteria ...repository.InsertCriteria) (*identity.Agency, error) {
	args := m.Called(ctx, tx, record)
	if a, ok := args.Get(0).(*identity.Agency); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgencies) GetByOwner(ctx context.Context, ownerUserID uuid.UUID) (*identity.Agency, error) {
	args := m.Called(ctx, ownerUserID)
	if a, ok := args.Get(0).(*identity.Agency); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgencies) GetByOwnerTx(ctx context.Context, tx bun.IDB, ownerUserID uuid.UUID) (*identity.Agency, error) {
	args := m.Called(ctx, tx, ownerUserID)
	if a, ok := args.Get(0).(*identity.Agency); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgencies) GetByPublicCodeTx(ctx context.Context, tx bun.IDB, publicCode string) (*identity.Agency, error) {
	args := m.Called(ctx, tx, publicCode)
	if a, ok := args.Get(0).(*identity.Agency); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgencies) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*identity.Agency, error) {
	args := m.Called(ctx, tx, id)
	if a, ok := args.Get(0).(*identity.Agency); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgencies) ExistsNameTx(ctx context.Context, tx bun.IDB, name string) (bool, error) {
	args := m.Called(ctx, tx, name)
	return args.Bool(0), args.Error(1)
}

func (m *MockAgencies) ExistsLicenseTx(ctx context.Context, tx bun.IDB, licenseNumber string) (bool, error) {
	args := m.Called(ctx, tx, licenseNumber)
	return args.Bool(0), args.Error(1)
}

func (m *MockAgencies) UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status identity.AgencyStatus) (*identity.Agency, error) {
	args := m.Called(ctx, tx, id, status)
	if a, ok := args.Get(0).(*identity.Agency); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockAgencyAgents implements identity.AgencyAgents
type MockAgencyAgents struct {
	mock.Mock
	identity.AgencyAgents
}

func (m *MockAgencyAgents) CreateTx(ctx context.Context, tx bun.IDB, record *identity.AgencyAgent, criteria ...repository.InsertCriteria) (*identity.AgencyAgent, error) {
	args := m.Called(ctx, tx, record)
	if a, ok := args.Get(0).(*identity.AgencyAgent); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgencyAgents) GetMembership(ctx context.Context, agencyID, agentUserID uuid.UUID) (*identity.AgencyAgent, error) {
	args := m.Called(ctx, agencyID, agentUserID)
	if a, ok := args.Get(0).(*identity.AgencyAgent); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgencyAgents) GetByAgent(ctx context.Context, agentUserID uuid.UUID) (*identity.AgencyAgent, error) {
	args := m.Called(ctx, agentUserID)
	if a, ok := args.Get(0).(*identity.AgencyAgent); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockRegistrationRequests implements identity.RegistrationRequests
type MockRegistrationRequests struct {
	mock.Mock
	identity.RegistrationRequests
}

func (m *MockRegistrationRequests) CreateTx(ctx context.Context, tx bun.IDB, record *identity.RegistrationRequest, criteria ...repository.InsertCriteria) (*identity.RegistrationRequest, error) {
	args := m.Called(ctx, tx, record)
	if r, ok := args.Get(0).(*identity.RegistrationRequest); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistrationRequests) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*identity.RegistrationRequest, error) {
	args := m.Called(ctx, tx, id)
	if r, ok := args.Get(0).(*identity.RegistrationRequest); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistrationRequests) LatestForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*identity.RegistrationRequest, error) {
	args := m.Called(ctx, tx, userID)
	if r, ok := args.Get(0).(*identity.RegistrationRequest); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistrationRequests) ExistsIDCardTx(ctx context.Context, tx bun.IDB, idCardNumber string) (bool, error) {
	args := m.Called(ctx, tx, idCardNumber)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistrationRequests) ExistsOpenForUserTx(ctx context.Context, tx bun.IDB, userID, agencyID uuid.UUID) (bool, error) {
	args := m.Called(ctx, tx, userID, agencyID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRegistrationRequests) UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status identity.RequestStatus) (*identity.RegistrationRequest, error) {
	args := m.Called(ctx, tx, id, status)
	if r, ok := args.Get(0).(*identity.RegistrationRequest); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRegistrationRequests) DecideTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status identity.RequestStatus, stamp identity.ReviewStamp) (*identity.RegistrationRequest, error) {
	args := m.Called(ctx, tx, id, status, stamp)
	if r, ok := args.Get(0).(*identity.RegistrationRequest); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

// stubRepoManager dispatches transactions inline so handler logic runs against
// the mock repositories without a database
type stubRepoManager struct {
	users    *MockUsers
	agencies *MockAgencies
	agents   *MockAgencyAgents
	requests *MockRegistrationRequests
}

func newStubRepoManager() *stubRepoManager {
	return &stubRepoManager{
		users:    &MockUsers{},
		agencies: &MockAgencies{},
		agents:   &MockAgencyAgents{},
		requests: &MockRegistrationRequests{},
	}
}

func (m *stubRepoManager) Validate() error { return nil }
func (m *stubRepoManager) MustValidate()   {}

func (m *stubRepoManager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(context.Context, bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return f(ctx, bun.Tx{})
	}
}

func (m *stubRepoManager) Users() identity.Users                               { return m.users }
func (m *stubRepoManager) Agencies() identity.Agencies                         { return m.agencies }
func (m *stubRepoManager) AgencyAgents() identity.AgencyAgents                 { return m.agents }
func (m *stubRepoManager) RegistrationRequests() identity.RegistrationRequests { return m.requests }

func (m *stubRepoManager) assertExpectations(t mock.TestingT) {
	m.users.AssertExpectations(t)
	m.agencies.AssertExpectations(t)
	m.agents.AssertExpectations(t)
	m.requests.AssertExpectations(t)
}

const testPassword = "secret-pass"

var (
	hashOnce      sync.Once
	cachedHash    string
	cachedHashErr error
)

// testPasswordHash hashes the shared test password once; bcrypt at the
// production cost factor is too slow to repeat per test
func testPasswordHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		cachedHash, cachedHashErr = identity.HashPassword(testPassword)
	})
	require.NoError(t, cachedHashErr)
	return cachedHash
}

// notFoundErr mirrors the not-found shape the repositories return
func notFoundErr() error {
	return repository.NewRecordNotFound()
}

// MockMailer implements identity.Mailer
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) SendVerificationEmail(ctx context.Context, to, name, token, lang string) error {
	args := m.Called(ctx, to, name, token, lang)
	return args.Error(0)
}

func (m *MockMailer) SendPasswordRecoveryEmail(ctx context.Context, to, name, token, lang string, expiresAt time.Time) error {
	args := m.Called(ctx, to, name, token, lang, expiresAt)
	return args.Error(0)
}

func (m *MockMailer) SendWelcomeEmail(ctx context.Context, to, name, lang string) error {
	args := m.Called(ctx, to, name, lang)
	return args.Error(0)
}

func (m *MockMailer) SendPendingApprovalEmail(ctx context.Context, to, name, lang string) error {
	args := m.Called(ctx, to, name, lang)
	return args.Error(0)
}

func (m *MockMailer) SendAgentWelcomeEmail(ctx context.Context, to, name, agencyName, lang string) error {
	args := m.Called(ctx, to, name, agencyName, lang)
	return args.Error(0)
}

func (m *MockMailer) SendAgentRejectedEmail(ctx context.Context, to, name, agencyName, lang string) error {
	args := m.Called(ctx, to, name, agencyName, lang)
	return args.Error(0)
}

// MockNotifier implements identity.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendNotification(ctx context.Context, n identity.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// capturingSink records lifecycle events for assertions
type capturingSink struct {
	events []identity.ActivityEvent
}

func (c *capturingSink) Record(ctx context.Context, evt identity.ActivityEvent) error {
	c.events = append(c.events, evt)
	return nil
}

// mockConfig satisfies identity.Config for authenticator construction
type mockConfig struct {
	signingKey      string
	tokenExpiration int
}

func newMockConfig() mockConfig {
	return mockConfig{
		signingKey:      "test-signing-key",
		tokenExpiration: 1,
	}
}

func (c mockConfig) GetSigningKey() string   { return c.signingKey }
func (c mockConfig) GetTokenExpiration() int { return c.tokenExpiration }
func (c mockConfig) GetIssuer() string       { return "identity-test" }
func (c mockConfig) GetAudience() []string   { return nil }
func (c mockConfig) GetContextKey() string   { return "principal" }
func (c mockConfig) GetTokenLookup() string  { return "header:Authorization" }
func (c mockConfig) GetAuthScheme() string   { return "Bearer" }
