package identity

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"

	"github.com/agenthub/identity/tokenstore"
)

// RegistrationResult reports what a registration created. Agency and Request
// are populated only for the owner and agent variants.
type RegistrationResult struct {
	User    *User
	Agency  *Agency
	Request *RegistrationRequest
}

// RegisterHandlerOption customizes handler construction
type RegisterHandlerOption func(*RegisterHandler)

// WithRegisterMailer sets the outbound mailer
func WithRegisterMailer(mailer Mailer) RegisterHandlerOption {
	return func(h *RegisterHandler) {
		h.mailer = mailer
	}
}

// WithRegisterActivitySink sets the audit sink
func WithRegisterActivitySink(sink ActivitySink) RegisterHandlerOption {
	return func(h *RegisterHandler) {
		h.activity = normalizeActivitySink(sink)
	}
}

// WithRegisterLogger overrides the handler logger
func WithRegisterLogger(logger Logger) RegisterHandlerOption {
	return func(h *RegisterHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRegisterHashid derives user IDs deterministically from the email
func WithRegisterHashid() RegisterHandlerOption {
	return func(h *RegisterHandler) {
		h.useHashid = true
	}
}

// RegisterHandler orchestrates the multi-row registration flow. All database
// rows for a variant commit in one transaction; token issuance and email
// dispatch happen only after the commit succeeds.
type RegisterHandler struct {
	repo      RepositoryManager
	tokens    tokenstore.Store
	mailer    Mailer
	activity  ActivitySink
	logger    Logger
	useHashid bool
}

func NewRegisterHandler(repo RepositoryManager, tokens tokenstore.Store, opts ...RegisterHandlerOption) *RegisterHandler {
	h := &RegisterHandler{
		repo:     repo,
		tokens:   tokens,
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

func (h *RegisterHandler) Execute(ctx context.Context, signup Signup) (*RegistrationResult, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during registration",
		)
	default:
		return h.execute(ctx, signup)
	}
}

func (h *RegisterHandler) execute(ctx context.Context, signup Signup) (*RegistrationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	result := &RegistrationResult{}

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		base := signup.base()

		hash, err := HashPassword(base.Password)
		if err != nil {
			var richErr *goerrors.Error
			if goerrors.As(err, &richErr) {
				return goerrors.Wrap(richErr, goerrors.CategoryValidation, "invalid password provided")
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
		}

		verrs := ValidationErrors{}

		var agency *Agency
		switch s := signup.(type) {
		case OwnerSignup:
			if err := h.checkOwnerUniqueness(ctx, tx, s, verrs); err != nil {
				return err
			}
		case AgentSignup:
			agency, err = h.resolveTargetAgency(ctx, tx, s, verrs)
			if err != nil {
				return err
			}
		}

		if err := h.checkUserUniqueness(ctx, tx, base, verrs); err != nil {
			return err
		}

		if err := verrs.AsError(); err != nil {
			return err
		}

		user := &User{
			Role:         signup.Role(),
			Username:     getUsername(base.Username, base.Email),
			Email:        base.Email,
			Phone:        base.Phone,
			PasswordHash: hash,
			Status:       UserStatusInactive,
		}
		if h.useHashid {
			if id, err := hashid.NewUUID(base.Email); err == nil {
				user.ID = id
			}
		}

		if user, err = h.repo.Users().CreateTx(ctx, tx, user); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create user")
		}
		result.User = user

		switch s := signup.(type) {
		case OwnerSignup:
			created, err := h.repo.Agencies().CreateTx(ctx, tx, &Agency{
				OwnerUserID:   user.ID,
				Name:          s.AgencyName,
				LicenseNumber: s.LicenseNumber,
				PublicCode:    s.PublicCode,
				Status:        AgencyStatusInactive,
			})
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create agency")
			}
			result.Agency = created

		case AgentSignup:
			created, err := h.repo.RegistrationRequests().CreateTx(ctx, tx, &RegistrationRequest{
				UserID:        user.ID,
				AgencyID:      agency.ID,
				RequestedRole: RoleAgent,
				IDCardNumber:  s.IDCardNumber,
				Status:        RequestStatusPending,
			})
			if err != nil {
				return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create registration request")
			}
			result.Request = created
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "registration transaction failed")
	}

	h.issueVerification(ctx, result.User)

	h.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventUserRegistered,
		Actor:     ActorRef{ID: result.User.ID.String(), Type: "user"},
		UserID:    result.User.ID.String(),
		ToStatus:  result.User.Status,
		Metadata:  map[string]any{"role": result.User.Role},
	})

	return result, nil
}

func (h *RegisterHandler) checkUserUniqueness(ctx context.Context, tx bun.Tx, base SignupBase, verrs ValidationErrors) error {
	if taken, err := h.repo.Users().ExistsUsernameTx(ctx, tx, getUsername(base.Username, base.Email)); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "username lookup failed")
	} else if taken {
		verrs.Add("username", "username already taken")
	}

	if taken, err := h.repo.Users().ExistsEmailTx(ctx, tx, base.Email); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "email lookup failed")
	} else if taken {
		verrs.Add("email", "email already registered")
	}

	return nil
}

func (h *RegisterHandler) checkOwnerUniqueness(ctx context.Context, tx bun.Tx, s OwnerSignup, verrs ValidationErrors) error {
	if taken, err := h.repo.Agencies().ExistsNameTx(ctx, tx, s.AgencyName); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "agency name lookup failed")
	} else if taken {
		verrs.Add("agency_name", "agency name already taken")
	}

	if taken, err := h.repo.Agencies().ExistsLicenseTx(ctx, tx, s.LicenseNumber); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "license lookup failed")
	} else if taken {
		verrs.Add("license_number", "license number already registered")
	}

	if _, err := h.repo.Agencies().GetByPublicCodeTx(ctx, tx, s.PublicCode); err == nil {
		verrs.Add("public_code", "public code already in use")
	} else if !goerrors.IsNotFound(err) {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "public code lookup failed")
	}

	return nil
}

// resolveTargetAgency maps the public code to an agency. An unknown code is a
// field validation failure, not a 404: the code is caller input.
func (h *RegisterHandler) resolveTargetAgency(ctx context.Context, tx bun.Tx, s AgentSignup, verrs ValidationErrors) (*Agency, error) {
	agency, err := h.repo.Agencies().GetByPublicCodeTx(ctx, tx, s.PublicCode)
	if err != nil {
		if goerrors.IsNotFound(err) {
			verrs.Add("public_code", "unknown agency code")
			return nil, verrs.AsError()
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "public code lookup failed")
	}

	if taken, err := h.repo.RegistrationRequests().ExistsIDCardTx(ctx, tx, s.IDCardNumber); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "id card lookup failed")
	} else if taken {
		verrs.Add("id_card_number", "id card number already registered")
	}

	return agency, nil
}

// issueVerification runs after commit; a failure here leaves a registered but
// unverified account that can use the resend flow.
func (h *RegisterHandler) issueVerification(ctx context.Context, user *User) {
	token := tokenstore.NewToken()
	payload := tokenstore.Payload{
		UserID: user.ID.String(),
		Role:   user.Role,
	}

	if err := h.tokens.Set(ctx, tokenstore.VerificationKey(token), payload, tokenstore.VerificationTTL); err != nil {
		h.logger.Error("failed to store verification token for %s: %v", user.ID, err)
		return
	}

	if h.mailer == nil {
		return
	}

	lang := LanguageFromContext(ctx)
	if err := h.mailer.SendVerificationEmail(ctx, user.Email, user.Username, token, lang); err != nil {
		h.logger.Error("failed to send verification email to %s: %v", user.Email, err)
	}
}

func (h *RegisterHandler) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := normalizeActivitySink(h.activity).Record(ctx, event); err != nil {
		h.logger.Warn("register activity sink error: %v", err)
	}
}

func getUsername(username, email string) string {
	if username != "" {
		return username
	}

	if strings.Contains(email, "@") {
		username = strings.Split(email, "@")[0]
	}

	return username
}
