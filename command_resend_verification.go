package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/agenthub/identity/tokenstore"
)

// ResendVerificationHandlerOption customizes handler construction
type ResendVerificationHandlerOption func(*ResendVerificationHandler)

// WithResendMailer sets the outbound mailer
func WithResendMailer(mailer Mailer) ResendVerificationHandlerOption {
	return func(h *ResendVerificationHandler) {
		h.mailer = mailer
	}
}

// WithResendLogger overrides the handler logger
func WithResendLogger(logger Logger) ResendVerificationHandlerOption {
	return func(h *ResendVerificationHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// ResendVerificationHandler issues a fresh verification token for an
// unverified account. Previously issued tokens stay valid until they expire;
// each outstanding token is independently single-use.
type ResendVerificationHandler struct {
	repo   RepositoryManager
	tokens tokenstore.Store
	mailer Mailer
	logger Logger
}

func NewResendVerificationHandler(repo RepositoryManager, tokens tokenstore.Store, opts ...ResendVerificationHandlerOption) *ResendVerificationHandler {
	h := &ResendVerificationHandler{
		repo:   repo,
		tokens: tokens,
		logger: defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h
}

func (h *ResendVerificationHandler) Execute(ctx context.Context, identifier string) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during verification resend",
		)
	default:
		return h.execute(ctx, identifier)
	}
}

func (h *ResendVerificationHandler) execute(ctx context.Context, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	user, err := h.repo.Users().GetByIdentifier(ctx, identifier)
	if err != nil {
		if goerrors.IsNotFound(err) {
			return goerrors.New("account not found", goerrors.CategoryNotFound).
				WithTextCode("ACCOUNT_NOT_FOUND").
				WithCode(goerrors.CodeNotFound).
				WithMetadata(map[string]any{"identifier": identifier})
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account")
	}

	if user.EmailVerified {
		return ErrAlreadyVerified
	}

	if user.Status != UserStatusInactive && user.Status != UserStatusPending {
		return errWithMeta(ErrResendNotAllowed, map[string]any{
			"status": user.Status,
		})
	}

	token := tokenstore.NewToken()
	payload := tokenstore.Payload{
		UserID: user.ID.String(),
		Role:   user.Role,
	}

	if err := h.tokens.Set(ctx, tokenstore.VerificationKey(token), payload, tokenstore.VerificationTTL); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store verification token")
	}

	if h.mailer != nil {
		lang := LanguageFromContext(ctx)
		if err := h.mailer.SendVerificationEmail(ctx, user.Email, user.Username, token, lang); err != nil {
			h.logger.Error("failed to send verification email to %s: %v", user.Email, err)
		}
	}

	return nil
}
