package identity_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/agenthub/identity"
	"github.com/agenthub/identity/tokenstore"
)

func issueVerificationToken(t *testing.T, tokens tokenstore.Store, user *identity.User) string {
	t.Helper()

	token := tokenstore.NewToken()
	err := tokens.Set(context.Background(), tokenstore.VerificationKey(token), tokenstore.Payload{
		UserID: user.ID.String(),
		Role:   user.Role,
	}, tokenstore.VerificationTTL)
	require.NoError(t, err)

	return token
}

func TestVerifyEmailUser(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()
	sink := &capturingSink{}
	mailer := &MockMailer{}

	user := &identity.User{
		ID:       uuid.New(),
		Role:     identity.RoleUser,
		Username: "peter",
		Email:    "peter@example.com",
		Status:   identity.UserStatusInactive,
	}
	token := issueVerificationToken(t, tokens, user)

	repo.users.On("GetByIdentifierTx", mock.Anything, mock.Anything, user.ID.String()).
		Return(user, nil).Once()
	repo.users.On("MarkEmailVerifiedTx", mock.Anything, mock.Anything, user.ID, identity.UserStatusActive).
		Return(nil).Once()

	mailer.On("SendWelcomeEmail", mock.Anything, "peter@example.com", "peter", "en").
		Return(nil).Once()

	machine := identity.NewRequestStateMachine(repo.requests)
	handler := identity.NewVerifyEmailHandler(repo, tokens, machine,
		identity.WithVerifyMailer(mailer),
		identity.WithVerifyActivitySink(sink),
	)

	result, err := handler.Execute(context.Background(), token)
	require.NoError(t, err)

	assert.True(t, result.User.EmailVerified)
	assert.Equal(t, identity.UserStatusActive, result.User.Status)
	assert.Nil(t, result.Agency)
	assert.Nil(t, result.Request)

	require.Len(t, sink.events, 1)
	assert.Equal(t, identity.ActivityEventEmailVerified, sink.events[0].EventType)

	// the token is single use
	_, err = handler.Execute(context.Background(), token)
	assert.ErrorIs(t, err, identity.ErrTokenInvalidOrExpired)

	repo.assertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestVerifyEmailOwnerActivatesAgency(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()
	mailer := &MockMailer{}

	user := &identity.User{
		ID:       uuid.New(),
		Role:     identity.RoleAgencyOwner,
		Username: "boss",
		Email:    "boss@example.com",
		Status:   identity.UserStatusInactive,
	}
	agency := &identity.Agency{
		ID:          uuid.New(),
		OwnerUserID: user.ID,
		Status:      identity.AgencyStatusInactive,
	}
	token := issueVerificationToken(t, tokens, user)

	repo.users.On("GetByIdentifierTx", mock.Anything, mock.Anything, user.ID.String()).
		Return(user, nil).Once()
	repo.agencies.On("GetByOwnerTx", mock.Anything, mock.Anything, user.ID).
		Return(agency, nil).Once()
	repo.agencies.On("UpdateStatusTx", mock.Anything, mock.Anything, agency.ID, identity.AgencyStatusActive).
		Return(&identity.Agency{ID: agency.ID, Status: identity.AgencyStatusActive}, nil).Once()
	repo.users.On("MarkEmailVerifiedTx", mock.Anything, mock.Anything, user.ID, identity.UserStatusActive).
		Return(nil).Once()

	mailer.On("SendWelcomeEmail", mock.Anything, "boss@example.com", "boss", "en").
		Return(nil).Once()

	machine := identity.NewRequestStateMachine(repo.requests)
	handler := identity.NewVerifyEmailHandler(repo, tokens, machine,
		identity.WithVerifyMailer(mailer),
	)

	result, err := handler.Execute(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, identity.UserStatusActive, result.User.Status)
	require.NotNil(t, result.Agency)
	assert.Equal(t, identity.AgencyStatusActive, result.Agency.Status)

	repo.assertExpectations(t)
	mailer.AssertExpectations(t)
}

func TestVerifyEmailOwnerWithoutAgencyAborts(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	user := &identity.User{
		ID:     uuid.New(),
		Role:   identity.RoleAgencyOwner,
		Email:  "boss@example.com",
		Status: identity.UserStatusInactive,
	}
	token := issueVerificationToken(t, tokens, user)

	repo.users.On("GetByIdentifierTx", mock.Anything, mock.Anything, user.ID.String()).
		Return(user, nil).Once()
	repo.agencies.On("GetByOwnerTx", mock.Anything, mock.Anything, user.ID).
		Return(nil, notFoundErr()).Once()

	machine := identity.NewRequestStateMachine(repo.requests)
	handler := identity.NewVerifyEmailHandler(repo, tokens, machine)

	_, err := handler.Execute(context.Background(), token)
	require.Error(t, err)

	// the account stays unverified when registration left no agency behind
	repo.users.AssertNotCalled(t, "MarkEmailVerifiedTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.assertExpectations(t)
}

func TestVerifyEmailAgentMovesRequestUnderReview(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()
	sink := &capturingSink{}
	mailer := &MockMailer{}
	notifier := &MockNotifier{}

	ownerID := uuid.New()
	user := &identity.User{
		ID:       uuid.New(),
		Role:     identity.RoleAgent,
		Username: "scout",
		Email:    "scout@example.com",
		Status:   identity.UserStatusInactive,
	}
	agency := &identity.Agency{
		ID:          uuid.New(),
		OwnerUserID: ownerID,
		Status:      identity.AgencyStatusActive,
	}
	request := &identity.RegistrationRequest{
		ID:       uuid.New(),
		UserID:   user.ID,
		AgencyID: agency.ID,
		Agency:   agency,
		Status:   identity.RequestStatusPending,
	}
	token := issueVerificationToken(t, tokens, user)

	repo.users.On("GetByIdentifierTx", mock.Anything, mock.Anything, user.ID.String()).
		Return(user, nil).Once()
	repo.users.On("MarkEmailVerifiedTx", mock.Anything, mock.Anything, user.ID, identity.UserStatusPending).
		Return(nil).Once()
	repo.requests.On("LatestForUserTx", mock.Anything, mock.Anything, user.ID).
		Return(request, nil).Once()
	repo.requests.On("UpdateStatusTx", mock.Anything, mock.Anything, request.ID, identity.RequestStatusUnderReview).
		Return(&identity.RegistrationRequest{
			ID:     request.ID,
			Status: identity.RequestStatusUnderReview,
		}, nil).Once()

	mailer.On("SendPendingApprovalEmail", mock.Anything, "scout@example.com", "scout", "en").
		Return(nil).Once()
	notifier.On("SendNotification", mock.Anything, mock.MatchedBy(func(n identity.Notification) bool {
		return n.UserID == ownerID && n.Type == "registration_request.pending_review"
	})).Return(nil).Once()

	machine := identity.NewRequestStateMachine(repo.requests,
		identity.WithRequestMachineActivitySink(sink),
	)
	handler := identity.NewVerifyEmailHandler(repo, tokens, machine,
		identity.WithVerifyMailer(mailer),
		identity.WithVerifyNotifier(notifier),
		identity.WithVerifyActivitySink(sink),
	)

	result, err := handler.Execute(context.Background(), token)
	require.NoError(t, err)

	assert.True(t, result.User.EmailVerified)
	assert.Equal(t, identity.UserStatusPending, result.User.Status)
	require.NotNil(t, result.Request)
	assert.Equal(t, identity.RequestStatusUnderReview, result.Request.Status)

	// one event from the machine, one from the handler
	require.Len(t, sink.events, 2)
	assert.Equal(t, identity.ActivityEventRequestStatusChanged, sink.events[0].EventType)
	assert.Equal(t, identity.ActivityEventEmailVerified, sink.events[1].EventType)

	repo.assertExpectations(t)
	mailer.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestVerifyEmailUnknownToken(t *testing.T) {
	repo := newStubRepoManager()
	machine := identity.NewRequestStateMachine(repo.requests)
	handler := identity.NewVerifyEmailHandler(repo, tokenstore.NewMemory(), machine)

	_, err := handler.Execute(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, identity.ErrTokenInvalidOrExpired)

	_, err = handler.Execute(context.Background(), "")
	assert.ErrorIs(t, err, identity.ErrTokenInvalidOrExpired)
}

func TestVerifyEmailAlreadyVerified(t *testing.T) {
	repo := newStubRepoManager()
	tokens := tokenstore.NewMemory()

	user := &identity.User{
		ID:            uuid.New(),
		Role:          identity.RoleUser,
		Email:         "peter@example.com",
		Status:        identity.UserStatusActive,
		EmailVerified: true,
	}
	token := issueVerificationToken(t, tokens, user)

	repo.users.On("GetByIdentifierTx", mock.Anything, mock.Anything, user.ID.String()).
		Return(user, nil).Once()

	machine := identity.NewRequestStateMachine(repo.requests)
	handler := identity.NewVerifyEmailHandler(repo, tokens, machine)

	_, err := handler.Execute(context.Background(), token)
	assert.ErrorIs(t, err, identity.ErrAlreadyVerified)

	repo.assertExpectations(t)
}
