package identity

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Agencies interface {
	repository.Repository[*Agency]

	Create(ctx context.Context, record *Agency, criteria ...repository.InsertCriteria) (*Agency, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *Agency, criteria ...repository.InsertCriteria) (*Agency, error)

	GetByOwner(ctx context.Context, ownerUserID uuid.UUID) (*Agency, error)
	GetByOwnerTx(ctx context.Context, tx bun.IDB, ownerUserID uuid.UUID) (*Agency, error)
	GetByPublicCodeTx(ctx context.Context, tx bun.IDB, publicCode string) (*Agency, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Agency, error)

	ExistsNameTx(ctx context.Context, tx bun.IDB, name string) (bool, error)
	ExistsLicenseTx(ctx context.Context, tx bun.IDB, licenseNumber string) (bool, error)

	UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status AgencyStatus) (*Agency, error)
}

type agencies struct {
	repository.Repository[*Agency]
	db *bun.DB
}

var _ Agencies = (*agencies)(nil)

func NewAgenciesRepository(db *bun.DB) Agencies {
	repo := repository.NewRepository[*Agency](db, repository.ModelHandlers[*Agency]{
		NewRecord: func() *Agency { return &Agency{} },
		GetID: func(a *Agency) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Agency, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
		GetIdentifier: func() string {
			return "public_code"
		},
	})

	return &agencies{
		Repository: repo,
		db:         db,
	}
}

func (a *agencies) Create(ctx context.Context, record *Agency, criteria ...repository.InsertCriteria) (*Agency, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *agencies) CreateTx(ctx context.Context, tx bun.IDB, record *Agency, criteria ...repository.InsertCriteria) (*Agency, error) {
	if record != nil {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		if record.Status == "" {
			record.Status = AgencyStatusInactive
		}
	}
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *agencies) GetByOwner(ctx context.Context, ownerUserID uuid.UUID) (*Agency, error) {
	return a.GetByOwnerTx(ctx, a.db, ownerUserID)
}

func (a *agencies) GetByOwnerTx(ctx context.Context, tx bun.IDB, ownerUserID uuid.UUID) (*Agency, error) {
	record := &Agency{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.owner_user_id = ?", ownerUserID).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"owner_user_id": ownerUserID.String()})
		}
		return nil, err
	}

	return record, nil
}

func (a *agencies) GetByPublicCodeTx(ctx context.Context, tx bun.IDB, publicCode string) (*Agency, error) {
	record := &Agency{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.public_code = ?", publicCode).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"public_code": publicCode})
		}
		return nil, err
	}

	return record, nil
}

func (a *agencies) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Agency, error) {
	record := &Agency{}
	err := tx.NewSelect().
		Model(record).
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

func (a *agencies) ExistsNameTx(ctx context.Context, tx bun.IDB, name string) (bool, error) {
	return tx.NewSelect().
		Model((*Agency)(nil)).
		Where("?TableAlias.name = ?", name).
		Exists(ctx)
}

func (a *agencies) ExistsLicenseTx(ctx context.Context, tx bun.IDB, licenseNumber string) (bool, error) {
	return tx.NewSelect().
		Model((*Agency)(nil)).
		Where("?TableAlias.license_number = ?", licenseNumber).
		Exists(ctx)
}

func (a *agencies) UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status AgencyStatus) (*Agency, error) {
	record := &Agency{
		ID:     id,
		Status: status,
	}

	return a.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(id.String()))
}
