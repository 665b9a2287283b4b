package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ReviewDecision carries an owner's verdict on a registration request
type ReviewDecision struct {
	RequestID      uuid.UUID
	Approve        bool
	Notes          string
	RoleInAgency   string
	CommissionRate float64
	Permissions    *PermissionSet
}

// ReviewRequestHandlerOption customizes handler construction
type ReviewRequestHandlerOption func(*ReviewRequestHandler)

// WithReviewMailer sets the outbound mailer
func WithReviewMailer(mailer Mailer) ReviewRequestHandlerOption {
	return func(h *ReviewRequestHandler) {
		h.mailer = mailer
	}
}

// WithReviewLogger overrides the handler logger
func WithReviewLogger(logger Logger) ReviewRequestHandlerOption {
	return func(h *ReviewRequestHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// ReviewRequestHandler decides registration requests. The ownership check,
// the transition and the membership or role writes run in one transaction,
// so two concurrent reviewers cannot both decide the same request.
type ReviewRequestHandler struct {
	repo    RepositoryManager
	machine RequestStateMachine
	mailer  Mailer
	logger  Logger
}

func NewReviewRequestHandler(repo RepositoryManager, machine RequestStateMachine, opts ...ReviewRequestHandlerOption) *ReviewRequestHandler {
	h := &ReviewRequestHandler{
		repo:    repo,
		machine: machine,
		logger:  defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h
}

func (h *ReviewRequestHandler) Execute(ctx context.Context, reviewer *Principal, decision ReviewDecision) (*RegistrationRequest, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during request review",
		)
	default:
		return h.execute(ctx, reviewer, decision)
	}
}

func (h *ReviewRequestHandler) execute(ctx context.Context, reviewer *Principal, decision ReviewDecision) (*RegistrationRequest, error) {
	if !reviewer.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var request *RegistrationRequest

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		request, err = h.repo.RegistrationRequests().FindByIDTx(ctx, tx, decision.RequestID)
		if err != nil {
			if goerrors.IsNotFound(err) {
				return goerrors.New("registration request not found", goerrors.CategoryNotFound).
					WithTextCode("REQUEST_NOT_FOUND").
					WithCode(goerrors.CodeNotFound).
					WithMetadata(map[string]any{"request_id": decision.RequestID.String()})
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load registration request")
		}

		if request.AgencyID != reviewer.AgencyID {
			return errWithMeta(ErrNotRequestOwner, map[string]any{
				"request_id": request.ID.String(),
			})
		}

		target := RequestStatusRejected
		if decision.Approve {
			target = RequestStatusApproved
		}

		// Reviewers may be delegated agents, not just the owner
		actor := ActorRef{ID: reviewer.UserID.String(), Type: reviewer.Role}
		request, err = h.machine.Transition(ctx, tx, actor, request, target,
			WithReviewStamp(ReviewStamp{
				ReviewedBy: reviewer.UserID,
				Notes:      decision.Notes,
			}))
		if err != nil {
			return err
		}

		if decision.Approve {
			return h.enroll(ctx, tx, request, decision)
		}

		// Rejected candidates keep their account as a plain marketplace user
		if _, err := h.repo.Users().SetRoleAndStatusTx(ctx, tx, request.UserID, RoleUser, UserStatusActive); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to demote rejected candidate")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "request review transaction failed")
	}

	h.notifyDecision(ctx, request)

	return request, nil
}

func (h *ReviewRequestHandler) enroll(ctx context.Context, tx bun.Tx, request *RegistrationRequest, decision ReviewDecision) error {
	roleInAgency := decision.RoleInAgency
	if roleInAgency == "" {
		roleInAgency = request.RequestedRole
	}

	permissions := PermissionSet{}
	if decision.Permissions != nil {
		permissions = *decision.Permissions
	}

	_, err := h.repo.AgencyAgents().CreateTx(ctx, tx, &AgencyAgent{
		AgencyID:       request.AgencyID,
		AgentUserID:    request.UserID,
		RoleInAgency:   roleInAgency,
		CommissionRate: decision.CommissionRate,
		Status:         MembershipStatusActive,
		Permissions:    permissions,
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create agency membership")
	}

	if _, err := h.repo.Users().SetRoleAndStatusTx(ctx, tx, request.UserID, RoleAgent, UserStatusActive); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to activate agent account")
	}

	return nil
}

// notifyDecision runs after commit and never fails the review
func (h *ReviewRequestHandler) notifyDecision(ctx context.Context, request *RegistrationRequest) {
	if h.mailer == nil || request.User == nil {
		return
	}

	lang := LanguageFromContext(ctx)
	agencyName := ""
	if request.Agency != nil {
		agencyName = request.Agency.Name
	}

	var err error
	switch request.Status {
	case RequestStatusApproved:
		err = h.mailer.SendAgentWelcomeEmail(ctx, request.User.Email, request.User.Username, agencyName, lang)
	case RequestStatusRejected:
		err = h.mailer.SendAgentRejectedEmail(ctx, request.User.Email, request.User.Username, agencyName, lang)
	}

	if err != nil {
		h.logger.Error("failed to send review decision email to %s: %v", request.User.Email, err)
	}
}
