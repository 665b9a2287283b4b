package identity_test

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/identity"
	"github.com/agenthub/identity/tokenstore"
)

func TestRegisterUser(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()
	sink := &capturingSink{}
	mailer := &MockMailer{}

	created := &identity.User{
		ID:       uuid.New(),
		Role:     identity.RoleUser,
		Username: "peter",
		Email:    "peter@example.com",
		Status:   identity.UserStatusInactive,
	}

	repo.users.On("ExistsUsernameTx", mock.Anything, mock.Anything, "peter").
		Return(false, nil).Once()
	repo.users.On("ExistsEmailTx", mock.Anything, mock.Anything, "peter@example.com").
		Return(false, nil).Once()
	repo.users.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(u *identity.User) bool {
		return u.Role == identity.RoleUser &&
			u.Username == "peter" &&
			u.Email == "peter@example.com" &&
			u.Status == identity.UserStatusInactive &&
			u.PasswordHash != "" &&
			u.PasswordHash != "secret-pass"
	})).Return(created, nil).Once()

	var sentToken string
	mailer.On("SendVerificationEmail", mock.Anything, "peter@example.com", "peter", mock.AnythingOfType("string"), "en").
		Return(nil).
		Run(func(args mock.Arguments) {
			sentToken = args.String(3)
		}).
		Once()

	handler := identity.NewRegisterHandler(repo, tokens,
		identity.WithRegisterMailer(mailer),
		identity.WithRegisterActivitySink(sink),
	)

	result, err := handler.Execute(context.Background(), identity.UserSignup{
		SignupBase: identity.SignupBase{
			Username: "peter",
			Email:    "peter@example.com",
			Password: "secret-pass",
		},
	})

	require.NoError(t, err)
	require.NotNil(t, result.User)
	assert.Nil(t, result.Agency)
	assert.Nil(t, result.Request)

	// the mailed token must map back to the new account
	require.NotEmpty(t, sentToken)
	payload, ok, err := tokens.Get(context.Background(), tokenstore.VerificationKey(sentToken))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID.String(), payload.UserID)
	assert.Equal(t, identity.RoleUser, payload.Role)

	require.Len(t, sink.events, 1)
	assert.Equal(t, identity.ActivityEventUserRegistered, sink.events[0].EventType)
	assert.Equal(t, created.ID.String(), sink.events[0].UserID)

	repo.assertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestRegisterUserDerivesUsernameFromEmail(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	created := &identity.User{
		ID:       uuid.New(),
		Role:     identity.RoleUser,
		Username: "ana",
		Email:    "ana@example.com",
		Status:   identity.UserStatusInactive,
	}

	repo.users.On("ExistsUsernameTx", mock.Anything, mock.Anything, "ana").
		Return(false, nil).Once()
	repo.users.On("ExistsEmailTx", mock.Anything, mock.Anything, "ana@example.com").
		Return(false, nil).Once()
	repo.users.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(u *identity.User) bool {
		return u.Username == "ana"
	})).Return(created, nil).Once()

	handler := identity.NewRegisterHandler(repo, tokens)

	_, err := handler.Execute(context.Background(), identity.UserSignup{
		SignupBase: identity.SignupBase{
			Email:    "ana@example.com",
			Password: "secret-pass",
		},
	})

	require.NoError(t, err)
	repo.assertExpectations(t)
}

func TestRegisterUserCollectsAllViolations(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	repo.users.On("ExistsUsernameTx", mock.Anything, mock.Anything, "peter").
		Return(true, nil).Once()
	repo.users.On("ExistsEmailTx", mock.Anything, mock.Anything, "peter@example.com").
		Return(true, nil).Once()

	handler := identity.NewRegisterHandler(repo, tokens)

	_, err := handler.Execute(context.Background(), identity.UserSignup{
		SignupBase: identity.SignupBase{
			Username: "peter",
			Email:    "peter@example.com",
			Password: "secret-pass",
		},
	})

	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, "VALIDATION_FAILED", richErr.TextCode)

	fields, ok := richErr.Metadata["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "username")
	assert.Contains(t, fields, "email")

	repo.users.AssertNotCalled(t, "CreateTx", mock.Anything, mock.Anything, mock.Anything)
	repo.assertExpectations(t)
}

func TestRegisterOwnerCreatesAgency(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	created := &identity.User{
		ID:       uuid.New(),
		Role:     identity.RoleAgencyOwner,
		Username: "boss",
		Email:    "boss@example.com",
		Status:   identity.UserStatusInactive,
	}
	agency := &identity.Agency{
		ID:            uuid.New(),
		OwnerUserID:   created.ID,
		Name:          "Prime Realty",
		LicenseNumber: "LIC-100",
		PublicCode:    "PRIME",
		Status:        identity.AgencyStatusInactive,
	}

	repo.agencies.On("ExistsNameTx", mock.Anything, mock.Anything, "Prime Realty").
		Return(false, nil).Once()
	repo.agencies.On("ExistsLicenseTx", mock.Anything, mock.Anything, "LIC-100").
		Return(false, nil).Once()
	repo.agencies.On("GetByPublicCodeTx", mock.Anything, mock.Anything, "PRIME").
		Return(nil, notFoundErr()).Once()
	repo.users.On("ExistsUsernameTx", mock.Anything, mock.Anything, "boss").
		Return(false, nil).Once()
	repo.users.On("ExistsEmailTx", mock.Anything, mock.Anything, "boss@example.com").
		Return(false, nil).Once()
	repo.users.On("CreateTx", mock.Anything, mock.Anything, mock.Anything).
		Return(created, nil).Once()
	repo.agencies.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(a *identity.Agency) bool {
		return a.OwnerUserID == created.ID &&
			a.Name == "Prime Realty" &&
			a.LicenseNumber == "LIC-100" &&
			a.PublicCode == "PRIME" &&
			a.Status == identity.AgencyStatusInactive
	})).Return(agency, nil).Once()

	handler := identity.NewRegisterHandler(repo, tokens)

	result, err := handler.Execute(context.Background(), identity.OwnerSignup{
		SignupBase: identity.SignupBase{
			Username: "boss",
			Email:    "boss@example.com",
			Password: "secret-pass",
		},
		AgencyName:    "Prime Realty",
		LicenseNumber: "LIC-100",
		PublicCode:    "PRIME",
	})

	require.NoError(t, err)
	assert.Same(t, created, result.User)
	assert.Same(t, agency, result.Agency)
	assert.Nil(t, result.Request)

	repo.assertExpectations(t)
}

func TestRegisterOwnerPublicCodeTaken(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	existing := &identity.Agency{ID: uuid.New(), PublicCode: "PRIME"}

	repo.agencies.On("ExistsNameTx", mock.Anything, mock.Anything, "Prime Realty").
		Return(false, nil).Once()
	repo.agencies.On("ExistsLicenseTx", mock.Anything, mock.Anything, "LIC-100").
		Return(false, nil).Once()
	repo.agencies.On("GetByPublicCodeTx", mock.Anything, mock.Anything, "PRIME").
		Return(existing, nil).Once()
	repo.users.On("ExistsUsernameTx", mock.Anything, mock.Anything, "boss").
		Return(false, nil).Once()
	repo.users.On("ExistsEmailTx", mock.Anything, mock.Anything, "boss@example.com").
		Return(false, nil).Once()

	handler := identity.NewRegisterHandler(repo, tokens)

	_, err := handler.Execute(context.Background(), identity.OwnerSignup{
		SignupBase: identity.SignupBase{
			Username: "boss",
			Email:    "boss@example.com",
			Password: "secret-pass",
		},
		AgencyName:    "Prime Realty",
		LicenseNumber: "LIC-100",
		PublicCode:    "PRIME",
	})

	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	fields, ok := richErr.Metadata["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "public_code")

	repo.users.AssertNotCalled(t, "CreateTx", mock.Anything, mock.Anything, mock.Anything)
	repo.assertExpectations(t)
}

func TestRegisterAgentCreatesPendingRequest(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	agency := &identity.Agency{
		ID:         uuid.New(),
		PublicCode: "PRIME",
		Status:     identity.AgencyStatusActive,
	}
	created := &identity.User{
		ID:       uuid.New(),
		Role:     identity.RoleAgent,
		Username: "scout",
		Email:    "scout@example.com",
		Status:   identity.UserStatusInactive,
	}
	request := &identity.RegistrationRequest{
		ID:       uuid.New(),
		UserID:   created.ID,
		AgencyID: agency.ID,
		Status:   identity.RequestStatusPending,
	}

	repo.agencies.On("GetByPublicCodeTx", mock.Anything, mock.Anything, "PRIME").
		Return(agency, nil).Once()
	repo.requests.On("ExistsIDCardTx", mock.Anything, mock.Anything, "ID-777").
		Return(false, nil).Once()
	repo.users.On("ExistsUsernameTx", mock.Anything, mock.Anything, "scout").
		Return(false, nil).Once()
	repo.users.On("ExistsEmailTx", mock.Anything, mock.Anything, "scout@example.com").
		Return(false, nil).Once()
	repo.users.On("CreateTx", mock.Anything, mock.Anything, mock.Anything).
		Return(created, nil).Once()
	repo.requests.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(r *identity.RegistrationRequest) bool {
		return r.UserID == created.ID &&
			r.AgencyID == agency.ID &&
			r.RequestedRole == identity.RoleAgent &&
			r.IDCardNumber == "ID-777" &&
			r.Status == identity.RequestStatusPending
	})).Return(request, nil).Once()

	handler := identity.NewRegisterHandler(repo, tokens)

	result, err := handler.Execute(context.Background(), identity.AgentSignup{
		SignupBase: identity.SignupBase{
			Username: "scout",
			Email:    "scout@example.com",
			Password: "secret-pass",
		},
		PublicCode:   "PRIME",
		IDCardNumber: "ID-777",
	})

	require.NoError(t, err)
	assert.Same(t, request, result.Request)
	assert.Nil(t, result.Agency)

	repo.assertExpectations(t)
}

func TestRegisterAgentUnknownAgencyCode(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	repo.agencies.On("GetByPublicCodeTx", mock.Anything, mock.Anything, "NOPE").
		Return(nil, notFoundErr()).Once()

	handler := identity.NewRegisterHandler(repo, tokens)

	_, err := handler.Execute(context.Background(), identity.AgentSignup{
		SignupBase: identity.SignupBase{
			Username: "scout",
			Email:    "scout@example.com",
			Password: "secret-pass",
		},
		PublicCode:   "NOPE",
		IDCardNumber: "ID-777",
	})

	require.Error(t, err)

	// unknown codes are a field error on caller input, not a 404
	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, "VALIDATION_FAILED", richErr.TextCode)
	fields, ok := richErr.Metadata["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "public_code")

	repo.users.AssertNotCalled(t, "CreateTx", mock.Anything, mock.Anything, mock.Anything)
	repo.assertExpectations(t)
}

func TestRegisterRejectsCancelledContext(t *testing.T) {
	handler := identity.NewRegisterHandler(newStubRepoManager(), tokenstore.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := handler.Execute(ctx, identity.UserSignup{
		SignupBase: identity.SignupBase{
			Email:    "late@example.com",
			Password: "secret-pass",
		},
	})

	assert.ErrorIs(t, err, context.Canceled)
}
