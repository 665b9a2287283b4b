package identity

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Users() Users
	Agencies() Agencies
	AgencyAgents() AgencyAgents
	RegistrationRequests() RegistrationRequests
}

type mngr struct {
	db           *bun.DB
	users        Users
	agencies     Agencies
	agencyAgents AgencyAgents
	requests     RegistrationRequests
}

func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:           db,
		users:        NewUsersRepository(db),
		agencies:     NewAgenciesRepository(db),
		agencyAgents: NewAgencyAgentsRepository(db),
		requests:     NewRegistrationRequestsRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.agencies == nil {
		return errors.New("repository agencies should be initialized")
	}

	if m.agencyAgents == nil {
		return errors.New("repository agencyAgents should be initialized")
	}

	if m.requests == nil {
		return errors.New("repository registrationRequests should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Agencies() Agencies {
	return m.agencies
}

func (m mngr) AgencyAgents() AgencyAgents {
	return m.agencyAgents
}

func (m mngr) RegistrationRequests() RegistrationRequests {
	return m.requests
}
