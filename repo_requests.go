package identity

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ReviewStamp records who decided a request and why
type ReviewStamp struct {
	ReviewedBy uuid.UUID
	Notes      string
	ReviewedAt time.Time
}

type RegistrationRequests interface {
	repository.Repository[*RegistrationRequest]

	Create(ctx context.Context, record *RegistrationRequest, criteria ...repository.InsertCriteria) (*RegistrationRequest, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *RegistrationRequest, criteria ...repository.InsertCriteria) (*RegistrationRequest, error)

	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*RegistrationRequest, error)
	LatestForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*RegistrationRequest, error)

	ExistsIDCardTx(ctx context.Context, tx bun.IDB, idCardNumber string) (bool, error)
	ExistsOpenForUserTx(ctx context.Context, tx bun.IDB, userID, agencyID uuid.UUID) (bool, error)

	UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status RequestStatus) (*RegistrationRequest, error)
	DecideTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status RequestStatus, stamp ReviewStamp) (*RegistrationRequest, error)
}

type registrationRequests struct {
	repository.Repository[*RegistrationRequest]
	db *bun.DB
}

var _ RegistrationRequests = (*registrationRequests)(nil)

func NewRegistrationRequestsRepository(db *bun.DB) RegistrationRequests {
	repo := repository.NewRepository[*RegistrationRequest](db, repository.ModelHandlers[*RegistrationRequest]{
		NewRecord: func() *RegistrationRequest { return &RegistrationRequest{} },
		GetID: func(r *RegistrationRequest) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *RegistrationRequest, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
	})

	return &registrationRequests{
		Repository: repo,
		db:         db,
	}
}

func (a *registrationRequests) Create(ctx context.Context, record *RegistrationRequest, criteria ...repository.InsertCriteria) (*RegistrationRequest, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *registrationRequests) CreateTx(ctx context.Context, tx bun.IDB, record *RegistrationRequest, criteria ...repository.InsertCriteria) (*RegistrationRequest, error) {
	if record != nil {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		record.EnsureStatus()
	}
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *registrationRequests) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*RegistrationRequest, error) {
	record := &RegistrationRequest{}
	err := tx.NewSelect().
		Model(record).
		Relation("Agency").
		Relation("User").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"id": id.String()})
		}
		return nil, err
	}

	return record, nil
}

func (a *registrationRequests) LatestForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) (*RegistrationRequest, error) {
	record := &RegistrationRequest{}
	err := tx.NewSelect().
		Model(record).
		Relation("Agency").
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"user_id": userID.String()})
		}
		return nil, err
	}

	return record, nil
}

func (a *registrationRequests) ExistsIDCardTx(ctx context.Context, tx bun.IDB, idCardNumber string) (bool, error) {
	return tx.NewSelect().
		Model((*RegistrationRequest)(nil)).
		Where("?TableAlias.id_card_number = ?", idCardNumber).
		Exists(ctx)
}

func (a *registrationRequests) ExistsOpenForUserTx(ctx context.Context, tx bun.IDB, userID, agencyID uuid.UUID) (bool, error) {
	return tx.NewSelect().
		Model((*RegistrationRequest)(nil)).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.agency_id = ?", agencyID).
		Where("?TableAlias.status IN (?)", bun.In([]string{RequestStatusPending, RequestStatusUnderReview})).
		Exists(ctx)
}

func (a *registrationRequests) UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status RequestStatus) (*RegistrationRequest, error) {
	record := &RegistrationRequest{
		ID:     id,
		Status: status,
	}

	return a.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(id.String()))
}

func (a *registrationRequests) DecideTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status RequestStatus, stamp ReviewStamp) (*RegistrationRequest, error) {
	reviewedAt := stamp.ReviewedAt
	if reviewedAt.IsZero() {
		reviewedAt = time.Now()
	}

	record := &RegistrationRequest{
		ID:          id,
		Status:      status,
		ReviewedBy:  &stamp.ReviewedBy,
		ReviewNotes: stamp.Notes,
		ReviewedAt:  &reviewedAt,
	}

	return a.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(id.String()))
}
