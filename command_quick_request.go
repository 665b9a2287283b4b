package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// QuickRequestHandlerOption customizes handler construction
type QuickRequestHandlerOption func(*QuickRequestHandler)

// WithQuickRequestNotifier sets the owner notification collaborator
func WithQuickRequestNotifier(notifier Notifier) QuickRequestHandlerOption {
	return func(h *QuickRequestHandler) {
		h.notifier = notifier
	}
}

// WithQuickRequestLogger overrides the handler logger
func WithQuickRequestLogger(logger Logger) QuickRequestHandlerOption {
	return func(h *QuickRequestHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// QuickRequestHandler lets an existing verified user apply to join an agency
// without going through registration again. The request starts directly under
// review since the email is already verified.
type QuickRequestHandler struct {
	repo     RepositoryManager
	notifier Notifier
	logger   Logger
}

func NewQuickRequestHandler(repo RepositoryManager, opts ...QuickRequestHandlerOption) *QuickRequestHandler {
	h := &QuickRequestHandler{
		repo:   repo,
		logger: defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h
}

func (h *QuickRequestHandler) Execute(ctx context.Context, applicant *Principal, agencyID uuid.UUID, idCardNumber string) (*RegistrationRequest, error) {
	select {
	case <-ctx.Done():
		return nil, goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during quick request",
		)
	default:
		return h.execute(ctx, applicant, agencyID, idCardNumber)
	}
}

func (h *QuickRequestHandler) execute(ctx context.Context, applicant *Principal, agencyID uuid.UUID, idCardNumber string) (*RegistrationRequest, error) {
	if !applicant.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}

	if applicant.Role != RoleUser {
		return nil, goerrors.New("only marketplace users can apply to join an agency", goerrors.CategoryValidation).
			WithTextCode("INVALID_APPLICANT_ROLE").
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"role": applicant.Role})
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var request *RegistrationRequest
	var agency *Agency

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		agency, err = h.repo.Agencies().FindByIDTx(ctx, tx, agencyID)
		if err != nil {
			if goerrors.IsNotFound(err) {
				return goerrors.New("agency not found", goerrors.CategoryNotFound).
					WithTextCode("AGENCY_NOT_FOUND").
					WithCode(goerrors.CodeNotFound).
					WithMetadata(map[string]any{"agency_id": agencyID.String()})
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load agency")
		}

		verrs := ValidationErrors{}

		if open, err := h.repo.RegistrationRequests().ExistsOpenForUserTx(ctx, tx, applicant.UserID, agencyID); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "open request lookup failed")
		} else if open {
			verrs.Add("agency_id", "an application for this agency is already open")
		}

		if taken, err := h.repo.RegistrationRequests().ExistsIDCardTx(ctx, tx, idCardNumber); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "id card lookup failed")
		} else if taken {
			verrs.Add("id_card_number", "id card number already registered")
		}

		if err := verrs.AsError(); err != nil {
			return err
		}

		request, err = h.repo.RegistrationRequests().CreateTx(ctx, tx, &RegistrationRequest{
			UserID:        applicant.UserID,
			AgencyID:      agencyID,
			RequestedRole: RoleAgent,
			IDCardNumber:  idCardNumber,
			Status:        RequestStatusUnderReview,
		})
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create registration request")
		}

		return nil
	})

	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "quick request transaction failed")
	}

	if h.notifier != nil {
		notification := Notification{
			UserID: agency.OwnerUserID,
			Type:   "registration_request.pending_review",
			Translations: map[string]string{
				"en": "An agent application is awaiting your review",
			},
		}
		if err := h.notifier.SendNotification(ctx, notification); err != nil {
			h.logger.Error("failed to notify agency owner %s: %v", notification.UserID, err)
		}
	}

	return request, nil
}
