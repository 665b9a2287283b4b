package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/agenthub/identity/tokenstore"
)

// PasswordResetHandlerOption customizes handler construction
type PasswordResetHandlerOption func(*PasswordResetHandler)

// WithPasswordResetMailer sets the outbound mailer
func WithPasswordResetMailer(mailer Mailer) PasswordResetHandlerOption {
	return func(h *PasswordResetHandler) {
		h.mailer = mailer
	}
}

// WithPasswordResetActivitySink sets the audit sink
func WithPasswordResetActivitySink(sink ActivitySink) PasswordResetHandlerOption {
	return func(h *PasswordResetHandler) {
		h.activity = normalizeActivitySink(sink)
	}
}

// WithPasswordResetLogger overrides the handler logger
func WithPasswordResetLogger(logger Logger) PasswordResetHandlerOption {
	return func(h *PasswordResetHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// PasswordResetHandler drives the recovery flow. Initialize never reveals
// whether an account exists; Finalize consumes the token atomically so a
// recovery link works exactly once.
type PasswordResetHandler struct {
	repo     RepositoryManager
	tokens   tokenstore.Store
	mailer   Mailer
	activity ActivitySink
	logger   Logger
	now      func() time.Time
}

func NewPasswordResetHandler(repo RepositoryManager, tokens tokenstore.Store, opts ...PasswordResetHandlerOption) *PasswordResetHandler {
	h := &PasswordResetHandler{
		repo:     repo,
		tokens:   tokens,
		activity: noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h
}

// Initialize issues a recovery token for the account behind the identifier.
// Unknown identifiers return success so the endpoint cannot be used to probe
// which emails are registered.
func (h *PasswordResetHandler) Initialize(ctx context.Context, identifier string) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset initialization",
		)
	default:
		return h.initialize(ctx, identifier)
	}
}

func (h *PasswordResetHandler) initialize(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	user, err := h.repo.Users().GetByIdentifier(ctx, identifier)
	if err != nil {
		if goerrors.IsNotFound(err) {
			h.logger.Debug("password reset requested for unknown identifier")
			return nil
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account")
	}

	token := tokenstore.NewToken()
	payload := tokenstore.Payload{
		UserID: user.ID.String(),
		Role:   user.Role,
	}

	if err := h.tokens.Set(ctx, tokenstore.PasswordResetKey(token), payload, tokenstore.PasswordResetTTL); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store recovery token")
	}

	if h.mailer != nil {
		lang := LanguageFromContext(ctx)
		expiresAt := h.now().Add(tokenstore.PasswordResetTTL)
		if err := h.mailer.SendPasswordRecoveryEmail(ctx, user.Email, user.Username, token, lang, expiresAt); err != nil {
			h.logger.Error("failed to send recovery email to %s: %v", user.Email, err)
		}
	}

	return nil
}

// Finalize consumes the recovery token and replaces the password
func (h *PasswordResetHandler) Finalize(ctx context.Context, token, password string) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset finalization",
		)
	default:
		return h.finalize(ctx, token, password)
	}
}

func (h *PasswordResetHandler) finalize(ctx context.Context, token, password string) error {
	if token == "" {
		return ErrTokenInvalidOrExpired
	}

	hash, err := HashPassword(password)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	payload, ok, err := h.tokens.Take(ctx, tokenstore.PasswordResetKey(token))
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "token store lookup failed")
	}
	if !ok {
		return ErrTokenInvalidOrExpired
	}

	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		return ErrTokenInvalidOrExpired
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	if err := h.repo.Users().ResetPassword(ctx, userID, hash); err != nil {
		if goerrors.IsNotFound(err) {
			return ErrTokenInvalidOrExpired
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to reset password")
	}

	h.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventPasswordReset,
		Actor:     ActorRef{ID: userID.String(), Type: "user"},
		UserID:    userID.String(),
	})

	return nil
}

func (h *PasswordResetHandler) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = h.now()
	}
	if err := normalizeActivitySink(h.activity).Record(ctx, event); err != nil {
		h.logger.Warn("password reset activity sink error: %v", err)
	}
}
