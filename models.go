package identity

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserStatus is the lifecycle status of a user account
type UserStatus = string

const (
	// UserStatusInactive is the status of a freshly registered, unverified account
	UserStatusInactive UserStatus = "inactive"
	// UserStatusPending marks a verified agent awaiting owner review
	UserStatusPending UserStatus = "pending"
	// UserStatusActive is a fully usable account
	UserStatusActive UserStatus = "active"
	// UserStatusSuspended blocks the account; not re-activatable through this package
	UserStatusSuspended UserStatus = "suspended"
)

// User is the credential model
type User struct {
	bun.BaseModel  `bun:"table:users,alias:usr"`
	ID             uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Role           Role       `bun:"user_role,notnull" json:"user_role,omitempty"`
	Username       string     `bun:"username,notnull,unique" json:"username,omitempty"`
	Email          string     `bun:"email,notnull,unique" json:"email,omitempty"`
	Phone          string     `bun:"phone_number" json:"phone_number,omitempty"`
	PasswordHash   string     `bun:"password_hash" json:"-"`
	Status         UserStatus `bun:"status,notnull" json:"status,omitempty"`
	EmailVerified  bool       `bun:"is_email_verified" json:"is_email_verified,omitempty"`
	LoginAttempts  int        `bun:"login_attempts" json:"login_attempts,omitempty"`
	LoginAttemptAt *time.Time `bun:"login_attempt_at" json:"login_attempt_at,omitempty"`
	LastActiveAt   *time.Time `bun:"last_active_at" json:"last_active_at,omitempty"`
	SuspendedAt    *time.Time `bun:"suspended_at,nullzero" json:"suspended_at,omitempty"`
	CreatedAt      *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt      *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt      *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// EnsureStatus defaults an empty status to inactive
func (u *User) EnsureStatus() {
	if u.Status == "" {
		u.Status = UserStatusInactive
	}
}

// IsActive reports whether the account is usable
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// IsSuspended reports whether the account has been suspended
func (u *User) IsSuspended() bool {
	return u.Status == UserStatusSuspended
}

// AgencyStatus is the lifecycle status of an agency
type AgencyStatus = string

const (
	AgencyStatusInactive  AgencyStatus = "inactive"
	AgencyStatusActive    AgencyStatus = "active"
	AgencyStatusSuspended AgencyStatus = "suspended"
)

// Agency is the tenant model, owned 1:1 by an agency_owner user
type Agency struct {
	bun.BaseModel `bun:"table:agencies,alias:agc"`
	ID            uuid.UUID    `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	OwnerUserID   uuid.UUID    `bun:"owner_user_id,notnull,unique,type:uuid" json:"owner_user_id,omitempty"`
	Owner         *User        `bun:"rel:belongs-to,join:owner_user_id=id" json:"owner,omitempty"`
	Name          string       `bun:"name,notnull,unique" json:"name,omitempty"`
	LicenseNumber string       `bun:"license_number,notnull,unique" json:"license_number,omitempty"`
	PublicCode    string       `bun:"public_code,notnull,unique" json:"public_code,omitempty"`
	Status        AgencyStatus `bun:"status,notnull" json:"status,omitempty"`
	CreatedAt     *time.Time   `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time   `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time   `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// IsActive reports whether the agency can act in the marketplace
func (a *Agency) IsActive() bool {
	return a.Status == AgencyStatusActive
}

// MembershipStatus is the lifecycle status of an agency membership
type MembershipStatus = string

const (
	MembershipStatusPending  MembershipStatus = "pending"
	MembershipStatusActive   MembershipStatus = "active"
	MembershipStatusInactive MembershipStatus = "inactive"
)

// PermissionSet holds the named capability flags of a membership
type PermissionSet struct {
	CanManageAgents    bool `json:"can_manage_agents"`
	CanApproveRequests bool `json:"can_approve_requests"`
	CanEditOthersPost  bool `json:"can_edit_others_post"`
	CanManageListings  bool `json:"can_manage_listings"`
}

// Has resolves a capability flag by name
func (p PermissionSet) Has(capability Capability) bool {
	switch capability {
	case CapManageAgents:
		return p.CanManageAgents
	case CapApproveRequests:
		return p.CanApproveRequests
	case CapEditOthersPost:
		return p.CanEditOthersPost
	case CapManageListings:
		return p.CanManageListings
	default:
		return false
	}
}

// AgencyAgent links a user to an agency with a role and permission set
type AgencyAgent struct {
	bun.BaseModel  `bun:"table:agency_agents,alias:aga"`
	ID             uuid.UUID        `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	AgencyID       uuid.UUID        `bun:"agency_id,notnull,type:uuid" json:"agency_id,omitempty"`
	Agency         *Agency          `bun:"rel:belongs-to,join:agency_id=id" json:"agency,omitempty"`
	AgentUserID    uuid.UUID        `bun:"agent_user_id,notnull,type:uuid" json:"agent_user_id,omitempty"`
	Agent          *User            `bun:"rel:belongs-to,join:agent_user_id=id" json:"agent,omitempty"`
	RoleInAgency   string           `bun:"role_in_agency,notnull" json:"role_in_agency,omitempty"`
	CommissionRate float64          `bun:"commission_rate" json:"commission_rate,omitempty"`
	Status         MembershipStatus `bun:"status,notnull" json:"status,omitempty"`
	Permissions    PermissionSet    `bun:"permissions,type:jsonb" json:"permissions"`
	CreatedAt      *time.Time       `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt      *time.Time       `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt      *time.Time       `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// IsEffective is true only when both the membership and its agency are active
func (m *AgencyAgent) IsEffective() bool {
	return m.Status == MembershipStatusActive && m.Agency != nil && m.Agency.IsActive()
}

// RequestStatus is the review status of a registration request
type RequestStatus = string

const (
	RequestStatusPending     RequestStatus = "pending"
	RequestStatusUnderReview RequestStatus = "under_review"
	RequestStatusApproved    RequestStatus = "approved"
	RequestStatusRejected    RequestStatus = "rejected"
)

// RegistrationRequest is an agent's application to join an agency
type RegistrationRequest struct {
	bun.BaseModel `bun:"table:registration_requests,alias:rrq"`
	ID            uuid.UUID     `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID        uuid.UUID     `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	User          *User         `bun:"rel:belongs-to,join:user_id=id" json:"user,omitempty"`
	AgencyID      uuid.UUID     `bun:"agency_id,notnull,type:uuid" json:"agency_id,omitempty"`
	Agency        *Agency       `bun:"rel:belongs-to,join:agency_id=id" json:"agency,omitempty"`
	RequestedRole string        `bun:"requested_role,notnull" json:"requested_role,omitempty"`
	IDCardNumber  string        `bun:"id_card_number,notnull,unique" json:"id_card_number,omitempty"`
	Status        RequestStatus `bun:"status,notnull" json:"status,omitempty"`
	ReviewedBy    *uuid.UUID    `bun:"reviewed_by,nullzero,type:uuid" json:"reviewed_by,omitempty"`
	ReviewNotes   string        `bun:"review_notes" json:"review_notes,omitempty"`
	ReviewedAt    *time.Time    `bun:"reviewed_at,nullzero" json:"reviewed_at,omitempty"`
	CreatedAt     *time.Time    `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time    `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time    `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// EnsureStatus defaults an empty status to pending
func (r *RegistrationRequest) EnsureStatus() {
	if r.Status == "" {
		r.Status = RequestStatusPending
	}
}

// IsTerminal reports whether the request has been decided
func (r *RegistrationRequest) IsTerminal() bool {
	return r.Status == RequestStatusApproved || r.Status == RequestStatusRejected
}
