package identity

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Capability names a membership permission flag
type Capability string

const (
	CapManageAgents    Capability = "can_manage_agents"
	CapApproveRequests Capability = "can_approve_requests"
	CapEditOthersPost  Capability = "can_edit_others_post"
	CapManageListings  Capability = "can_manage_listings"
)

// Principal is a fully resolved caller identity. Agent memberships are
// re-resolved from storage on every request, never trusted from the credential.
type Principal struct {
	UserID     uuid.UUID
	Role       Role
	User       *User
	AgencyID   uuid.UUID
	Agency     *Agency
	Membership *AgencyAgent
}

// IsAuthenticated reports whether the principal maps to a known user
func (p *Principal) IsAuthenticated() bool {
	return p != nil && p.User != nil
}

// Requirement declares what a route needs from the caller
type Requirement struct {
	Capabilities []Capability
	Mutating     bool
}

// RequireCapabilities builds a requirement for a mutating operation
func RequireCapabilities(caps ...Capability) Requirement {
	return Requirement{
		Capabilities: caps,
		Mutating:     true,
	}
}

// RequireAuthenticated builds a read-only requirement with no capabilities
func RequireAuthenticated() Requirement {
	return Requirement{}
}

func (r Requirement) empty() bool {
	return len(r.Capabilities) == 0 && !r.Mutating
}

// IdentityResolver maps validated claims to a Principal
type IdentityResolver interface {
	Resolve(ctx context.Context, claims AuthClaims) (*Principal, error)
}

// ResolverOption customizes resolver construction
type ResolverOption func(*identityResolver)

// WithResolverLogger overrides the resolver logger
func WithResolverLogger(logger Logger) ResolverOption {
	return func(r *identityResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewIdentityResolver builds the default resolver backed by the repositories
func NewIdentityResolver(repo RepositoryManager, opts ...ResolverOption) IdentityResolver {
	r := &identityResolver{
		repo:   repo,
		logger: defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

type identityResolver struct {
	repo   RepositoryManager
	logger Logger
}

// Resolve loads the user behind the claims and, for agency roles, the live
// agency context. A credential whose membership row disappeared is treated as
// unauthenticated, not as a plain user.
func (r *identityResolver) Resolve(ctx context.Context, claims AuthClaims) (*Principal, error) {
	if claims == nil {
		return nil, errWithMeta(ErrCredentialInvalid, map[string]any{
			"stage": "identity",
		})
	}

	user, err := r.repo.Users().GetByIdentifier(ctx, claims.UserID())
	if err != nil {
		if goerrors.IsNotFound(err) {
			return nil, errWithMeta(ErrCredentialInvalid, map[string]any{
				"stage": "identity",
				"uid":   claims.UserID(),
			})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve principal")
	}

	principal := &Principal{
		UserID: user.ID,
		Role:   user.Role,
		User:   user,
	}

	switch user.Role {
	case RoleAgencyOwner:
		agency, err := r.repo.Agencies().GetByOwner(ctx, user.ID)
		if err != nil {
			if goerrors.IsNotFound(err) {
				// Owner account without an agency row. Leave the agency
				// unresolved so every write is denied downstream.
				r.logger.Warn("owner %s has no agency record", user.ID)
				return principal, nil
			}
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve owner agency")
		}
		principal.AgencyID = agency.ID
		principal.Agency = agency

	case RoleAgent:
		agencyID, err := uuid.Parse(claims.AgencyID())
		if err != nil {
			return nil, errWithMeta(ErrMembershipRevoked, map[string]any{
				"uid": user.ID.String(),
			})
		}

		membership, err := r.repo.AgencyAgents().GetMembership(ctx, agencyID, user.ID)
		if err != nil {
			if goerrors.IsNotFound(err) {
				return nil, errWithMeta(ErrMembershipRevoked, map[string]any{
					"uid":       user.ID.String(),
					"agency_id": agencyID.String(),
				})
			}
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve agent membership")
		}

		principal.AgencyID = agencyID
		principal.Agency = membership.Agency
		principal.Membership = membership
	}

	return principal, nil
}

// Guard runs the capability stage of the gateway. It is a pure check over an
// already resolved principal; identity failures never reach it.
type Guard interface {
	Authorize(ctx context.Context, principal *Principal, req Requirement) error
}

// NewGuard builds the default capability guard
func NewGuard() Guard {
	return &capabilityGuard{}
}

type capabilityGuard struct{}

func (g *capabilityGuard) Authorize(ctx context.Context, principal *Principal, req Requirement) error {
	if !principal.IsAuthenticated() {
		return ErrNotAuthenticated
	}

	if !principal.User.IsActive() {
		return errWithMeta(ErrAccountInactive, map[string]any{
			"status": principal.User.Status,
		})
	}

	if req.empty() {
		return nil
	}

	switch principal.Role {
	case RoleAgencyOwner:
		return g.authorizeOwner(principal, req)
	case RoleAgent:
		return g.authorizeAgent(principal, req)
	default:
		return g.authorizeUser(req)
	}
}

// Owners implicitly hold every capability within their agency; only the
// agency's own lifecycle can stop them from writing.
func (g *capabilityGuard) authorizeOwner(principal *Principal, req Requirement) error {
	if !req.Mutating {
		return nil
	}

	if principal.Agency == nil || !principal.Agency.IsActive() {
		return ErrAgencyInactive
	}

	return nil
}

func (g *capabilityGuard) authorizeAgent(principal *Principal, req Requirement) error {
	membership := principal.Membership
	if membership == nil || membership.Status != MembershipStatusActive {
		return ErrAgentInactive
	}

	if membership.Agency == nil || !membership.Agency.IsActive() {
		return ErrAgencyInactive
	}

	for _, cap := range req.Capabilities {
		if !membership.Permissions.Has(cap) {
			return errWithMeta(ErrInsufficientPermission, map[string]any{
				"capability": string(cap),
			})
		}
	}

	return nil
}

// Plain users carry no agency capabilities; any capability demand is a denial
func (g *capabilityGuard) authorizeUser(req Requirement) error {
	if len(req.Capabilities) > 0 {
		return ErrInsufficientPermission
	}
	return nil
}
