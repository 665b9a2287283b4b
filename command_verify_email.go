package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agenthub/identity/tokenstore"
)

// VerificationResult reports the post-verification account state
type VerificationResult struct {
	User    *User
	Agency  *Agency
	Request *RegistrationRequest
}

// VerifyEmailHandlerOption customizes handler construction
type VerifyEmailHandlerOption func(*VerifyEmailHandler)

// WithVerifyMailer sets the outbound mailer
func WithVerifyMailer(mailer Mailer) VerifyEmailHandlerOption {
	return func(h *VerifyEmailHandler) {
		h.mailer = mailer
	}
}

// WithVerifyNotifier sets the owner notification collaborator
func WithVerifyNotifier(notifier Notifier) VerifyEmailHandlerOption {
	return func(h *VerifyEmailHandler) {
		h.notifier = notifier
	}
}

// WithVerifyActivitySink sets the audit sink
func WithVerifyActivitySink(sink ActivitySink) VerifyEmailHandlerOption {
	return func(h *VerifyEmailHandler) {
		h.activity = normalizeActivitySink(sink)
	}
}

// WithVerifyLogger overrides the handler logger
func WithVerifyLogger(logger Logger) VerifyEmailHandlerOption {
	return func(h *VerifyEmailHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// VerifyEmailHandler consumes a verification token and advances the account
// along its role-specific lifecycle. The token is taken from the store before
// any database work, so a token observed by one caller is gone for all others.
type VerifyEmailHandler struct {
	repo     RepositoryManager
	tokens   tokenstore.Store
	machine  RequestStateMachine
	mailer   Mailer
	notifier Notifier
	activity ActivitySink
	logger   Logger
}

func NewVerifyEmailHandler(repo RepositoryManager, tokens tokenstore.Store, machine RequestStateMachine, opts ...VerifyEmailHandlerOption) *VerifyEmailHandler {
	h := &VerifyEmailHandler{
		repo:     repo,
		tokens:   tokens,
		machine:  machine,
		activity: noopActivitySink{},
		logger:   defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h
}

func (h *VerifyEmailHandler) Execute(ctx context.Context, token string) (*VerificationResult, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during email verification",
		)
	default:
		return h.execute(ctx, token)
	}
}

func (h *VerifyEmailHandler) execute(ctx context.Context, token string) (*VerificationResult, error) {
	if token == "" {
		return nil, ErrTokenInvalidOrExpired
	}

	payload, ok, err := h.tokens.Take(ctx, tokenstore.VerificationKey(token))
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "token store lookup failed")
	}
	if !ok {
		return nil, ErrTokenInvalidOrExpired
	}

	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		return nil, ErrTokenInvalidOrExpired
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	result := &VerificationResult{}

	err = h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := h.repo.Users().GetByIdentifierTx(ctx, tx, userID.String())
		if err != nil {
			if goerrors.IsNotFound(err) {
				return ErrTokenInvalidOrExpired
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account")
		}

		if user.EmailVerified {
			return ErrAlreadyVerified
		}

		result.User = user

		switch user.Role {
		case RoleAgencyOwner:
			return h.verifyOwner(ctx, tx, user, result)
		case RoleAgent:
			return h.verifyAgent(ctx, tx, user, result)
		default:
			return h.markVerified(ctx, tx, user, UserStatusActive)
		}
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "email verification transaction failed")
	}

	h.notifyVerified(ctx, result)

	h.recordActivity(ctx, ActivityEvent{
		EventType:  ActivityEventEmailVerified,
		Actor:      ActorRef{ID: result.User.ID.String(), Type: "user"},
		UserID:     result.User.ID.String(),
		FromStatus: UserStatusInactive,
		ToStatus:   result.User.Status,
		Metadata:   map[string]any{"role": result.User.Role},
	})

	return result, nil
}

// verifyOwner activates the agency together with the account. A missing
// agency row means registration was torn: the transaction aborts and the
// account stays unverified.
func (h *VerifyEmailHandler) verifyOwner(ctx context.Context, tx bun.Tx, user *User, result *VerificationResult) error {
	agency, err := h.repo.Agencies().GetByOwnerTx(ctx, tx, user.ID)
	if err != nil {
		if goerrors.IsNotFound(err) {
			return goerrors.New("owner account has no agency record", goerrors.CategoryInternal).
				WithCode(goerrors.CodeInternal).
				WithMetadata(map[string]any{"user_id": user.ID.String()})
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load agency")
	}

	updated, err := h.repo.Agencies().UpdateStatusTx(ctx, tx, agency.ID, AgencyStatusActive)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to activate agency")
	}
	agency.Status = AgencyStatusActive
	if updated != nil && updated.Status != "" {
		agency.Status = updated.Status
	}
	result.Agency = agency

	return h.markVerified(ctx, tx, user, UserStatusActive)
}

// verifyAgent leaves the account pending and moves the join request under
// review so the agency owner can decide it.
func (h *VerifyEmailHandler) verifyAgent(ctx context.Context, tx bun.Tx, user *User, result *VerificationResult) error {
	if err := h.markVerified(ctx, tx, user, UserStatusPending); err != nil {
		return err
	}

	request, err := h.repo.RegistrationRequests().LatestForUserTx(ctx, tx, user.ID)
	if err != nil {
		if goerrors.IsNotFound(err) {
			return goerrors.New("agent account has no registration request", goerrors.CategoryInternal).
				WithCode(goerrors.CodeInternal).
				WithMetadata(map[string]any{"user_id": user.ID.String()})
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load registration request")
	}

	actor := ActorRef{ID: user.ID.String(), Type: "user"}
	request, err = h.machine.Transition(ctx, tx, actor, request, RequestStatusUnderReview,
		WithReviewReason("email verified"))
	if err != nil {
		return err
	}

	result.Request = request
	return nil
}

func (h *VerifyEmailHandler) markVerified(ctx context.Context, tx bun.Tx, user *User, status UserStatus) error {
	if err := h.repo.Users().MarkEmailVerifiedTx(ctx, tx, user.ID, status); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to mark email verified")
	}

	user.EmailVerified = true
	user.Status = status
	return nil
}

// notifyVerified runs after commit and never fails the operation
func (h *VerifyEmailHandler) notifyVerified(ctx context.Context, result *VerificationResult) {
	lang := LanguageFromContext(ctx)
	user := result.User

	if h.mailer != nil {
		var err error
		switch {
		case result.Request != nil:
			err = h.mailer.SendPendingApprovalEmail(ctx, user.Email, user.Username, lang)
		default:
			err = h.mailer.SendWelcomeEmail(ctx, user.Email, user.Username, lang)
		}
		if err != nil {
			h.logger.Error("failed to send post-verification email to %s: %v", user.Email, err)
		}
	}

	if h.notifier != nil && result.Request != nil && result.Request.Agency != nil {
		notification := Notification{
			UserID: result.Request.Agency.OwnerUserID,
			Type:   "registration_request.pending_review",
			Translations: map[string]string{
				"en": "An agent application is awaiting your review",
			},
		}
		if err := h.notifier.SendNotification(ctx, notification); err != nil {
			h.logger.Error("failed to notify agency owner %s: %v", notification.UserID, err)
		}
	}
}

func (h *VerifyEmailHandler) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := normalizeActivitySink(h.activity).Record(ctx, event); err != nil {
		h.logger.Warn("verification activity sink error: %v", err)
	}
}
