package identity

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AgencyAgents interface {
	repository.Repository[*AgencyAgent]

	Create(ctx context.Context, record *AgencyAgent, criteria ...repository.InsertCriteria) (*AgencyAgent, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *AgencyAgent, criteria ...repository.InsertCriteria) (*AgencyAgent, error)

	// GetMembership resolves the (agency, user) pair to a membership with its
	// parent agency loaded, so effective status can be computed in one read.
	GetMembership(ctx context.Context, agencyID, agentUserID uuid.UUID) (*AgencyAgent, error)
	GetMembershipTx(ctx context.Context, tx bun.IDB, agencyID, agentUserID uuid.UUID) (*AgencyAgent, error)

	// GetByAgent returns the user's most recent membership regardless of agency
	GetByAgent(ctx context.Context, agentUserID uuid.UUID) (*AgencyAgent, error)

	UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status MembershipStatus) (*AgencyAgent, error)
}

type agencyAgents struct {
	repository.Repository[*AgencyAgent]
	db *bun.DB
}

var _ AgencyAgents = (*agencyAgents)(nil)

func NewAgencyAgentsRepository(db *bun.DB) AgencyAgents {
	repo := repository.NewRepository[*AgencyAgent](db, repository.ModelHandlers[*AgencyAgent]{
		NewRecord: func() *AgencyAgent { return &AgencyAgent{} },
		GetID: func(m *AgencyAgent) uuid.UUID {
			if m == nil {
				return uuid.Nil
			}
			return m.ID
		},
		SetID: func(m *AgencyAgent, id uuid.UUID) {
			if m != nil {
				m.ID = id
			}
		},
	})

	return &agencyAgents{
		Repository: repo,
		db:         db,
	}
}

func (a *agencyAgents) Create(ctx context.Context, record *AgencyAgent, criteria ...repository.InsertCriteria) (*AgencyAgent, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *agencyAgents) CreateTx(ctx context.Context, tx bun.IDB, record *AgencyAgent, criteria ...repository.InsertCriteria) (*AgencyAgent, error) {
	if record != nil {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		if record.Status == "" {
			record.Status = MembershipStatusActive
		}
	}
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *agencyAgents) GetMembership(ctx context.Context, agencyID, agentUserID uuid.UUID) (*AgencyAgent, error) {
	return a.GetMembershipTx(ctx, a.db, agencyID, agentUserID)
}

func (a *agencyAgents) GetMembershipTx(ctx context.Context, tx bun.IDB, agencyID, agentUserID uuid.UUID) (*AgencyAgent, error) {
	record := &AgencyAgent{}
	err := tx.NewSelect().
		Model(record).
		Relation("Agency").
		Where("?TableAlias.agency_id = ?", agencyID).
		Where("?TableAlias.agent_user_id = ?", agentUserID).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"agency_id":     agencyID.String(),
					"agent_user_id": agentUserID.String(),
				})
		}
		return nil, err
	}

	return record, nil
}

func (a *agencyAgents) GetByAgent(ctx context.Context, agentUserID uuid.UUID) (*AgencyAgent, error) {
	record := &AgencyAgent{}
	err := a.db.NewSelect().
		Model(record).
		Relation("Agency").
		Where("?TableAlias.agent_user_id = ?", agentUserID).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"agent_user_id": agentUserID.String()})
		}
		return nil, err
	}

	return record, nil
}

func (a *agencyAgents) UpdateStatusTx(ctx context.Context, tx bun.IDB, id uuid.UUID, status MembershipStatus) (*AgencyAgent, error) {
	record := &AgencyAgent{
		ID:     id,
		Status: status,
	}

	return a.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(id.String()))
}
