package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	// DefaultMaxLoginAttempts is the failed attempt count that trips the cooldown
	DefaultMaxLoginAttempts = 5
	// DefaultLoginCooldown is the window during which throttled logins are rejected
	DefaultLoginCooldown = "15m"
)

// Auther verifies credentials and mints bearer tokens
type Auther struct {
	repo             RepositoryManager
	tokenService     TokenService
	logger           Logger
	activitySink     ActivitySink
	maxLoginAttempts int
	loginCooldown    string
}

// NewAuthenticator returns a new Auther configured from opts
func NewAuthenticator(repo RepositoryManager, opts Config) *Auther {
	tokenService := NewTokenService(
		[]byte(opts.GetSigningKey()),
		opts.GetTokenExpiration(),
		opts.GetIssuer(),
		opts.GetAudience(),
		defLogger{},
	)

	return &Auther{
		repo:             repo,
		tokenService:     tokenService,
		logger:           defLogger{},
		activitySink:     noopActivitySink{},
		maxLoginAttempts: DefaultMaxLoginAttempts,
		loginCooldown:    DefaultLoginCooldown,
	}
}

func (s *Auther) WithLogger(logger Logger) *Auther {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events
func (s *Auther) WithActivitySink(sink ActivitySink) *Auther {
	s.activitySink = normalizeActivitySink(sink)
	return s
}

// WithLoginThrottle overrides the attempt limit and cooldown window
func (s *Auther) WithLoginThrottle(maxAttempts int, cooldown string) *Auther {
	if maxAttempts > 0 {
		s.maxLoginAttempts = maxAttempts
	}
	if cooldown != "" {
		s.loginCooldown = cooldown
	}
	return s
}

// TokenService returns the TokenService instance used by this Auther
func (s *Auther) TokenService() TokenService {
	return s.tokenService
}

// Login verifies the identifier and password pair and returns a signed token
// scoped to the user's agency when they have one. Unknown identifiers and
// wrong passwords produce the same error.
func (s *Auther) Login(ctx context.Context, identifier, password string) (string, *User, error) {
	user, err := s.repo.Users().GetByIdentifier(ctx, identifier)
	if err != nil {
		if goerrors.IsNotFound(err) {
			s.emitAuthEvent(ctx, ActivityEventLoginFailure, ActorRef{Type: "unknown"}, "", map[string]any{
				"identifier": identifier,
			})
			return "", nil, ErrMismatchedHashAndPassword
		}
		return "", nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account")
	}

	if err := s.checkThrottle(user); err != nil {
		s.emitAuthEvent(ctx, ActivityEventLoginFailure, s.actorFromUser(user), user.ID.String(), map[string]any{
			"identifier": identifier,
			"throttled":  true,
		})
		return "", nil, err
	}

	if err := ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		if trackErr := s.repo.Users().TrackAttemptedLogin(ctx, user); trackErr != nil {
			s.logger.Warn("failed to track login attempt for %s: %v", user.ID, trackErr)
		}
		s.emitAuthEvent(ctx, ActivityEventLoginFailure, s.actorFromUser(user), user.ID.String(), map[string]any{
			"identifier": identifier,
		})
		return "", nil, ErrMismatchedHashAndPassword
	}

	if !user.IsActive() {
		s.emitAuthEvent(ctx, ActivityEventLoginFailure, s.actorFromUser(user), user.ID.String(), map[string]any{
			"identifier": identifier,
			"status":     user.Status,
		})
		return "", nil, errWithMeta(ErrAccountInactive, map[string]any{
			"status": user.Status,
		})
	}

	agencyID, err := s.resolveAgencyScope(ctx, user)
	if err != nil {
		return "", nil, err
	}

	if err := s.repo.Users().TrackSuccessfulLogin(ctx, user); err != nil {
		s.logger.Warn("failed to track successful login for %s: %v", user.ID, err)
	}

	token, err := s.tokenService.Generate(userIdentity{user}, agencyID)
	if err != nil {
		return "", nil, err
	}

	s.emitAuthEvent(ctx, ActivityEventLoginSuccess, s.actorFromUser(user), user.ID.String(), map[string]any{
		"identifier": identifier,
	})

	return token, user, nil
}

// checkThrottle rejects the login while the cooldown window is open. Once the
// window passes the stored attempt counter no longer blocks anything.
func (s *Auther) checkThrottle(user *User) error {
	if user.LoginAttempts < s.maxLoginAttempts || user.LoginAttemptAt == nil {
		return nil
	}

	within, err := IsWithinThresholdPeriod(*user.LoginAttemptAt, s.loginCooldown)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "invalid login cooldown configuration")
	}

	if within {
		return errWithMeta(ErrTooManyLoginAttempts, map[string]any{
			"cooldown": s.loginCooldown,
		})
	}

	return nil
}

// resolveAgencyScope finds the agency a token should be scoped to. Users
// without an agency get an unscoped token.
func (s *Auther) resolveAgencyScope(ctx context.Context, user *User) (string, error) {
	switch user.Role {
	case RoleAgencyOwner:
		agency, err := s.repo.Agencies().GetByOwner(ctx, user.ID)
		if err != nil {
			if goerrors.IsNotFound(err) {
				s.logger.Warn("owner %s has no agency record", user.ID)
				return "", nil
			}
			return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve owner agency")
		}
		return agency.ID.String(), nil

	case RoleAgent:
		membership, err := s.repo.AgencyAgents().GetByAgent(ctx, user.ID)
		if err != nil {
			if goerrors.IsNotFound(err) {
				s.logger.Warn("agent %s has no membership record", user.ID)
				return "", nil
			}
			return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve agent membership")
		}
		return membership.AgencyID.String(), nil
	}

	return "", nil
}

func (s *Auther) emitAuthEvent(ctx context.Context, eventType ActivityEventType, actor ActorRef, userID string, metadata map[string]any) {
	sink := normalizeActivitySink(s.activitySink)
	event := ActivityEvent{
		EventType: eventType,
		Actor:     actor,
		UserID:    userID,
		Metadata:  metadata,
	}

	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	if err := sink.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink record error: %v", err)
	}
}

func (s *Auther) actorFromUser(user *User) ActorRef {
	if user == nil {
		return ActorRef{Type: "unknown"}
	}

	return ActorRef{
		ID:   user.ID.String(),
		Type: "user",
	}
}

// userIdentity adapts a User record to the Identity interface
type userIdentity struct {
	user *User
}

func (u userIdentity) ID() string       { return u.user.ID.String() }
func (u userIdentity) Username() string { return u.user.Username }
func (u userIdentity) Email() string    { return u.user.Email }
func (u userIdentity) Role() string     { return u.user.Role }
