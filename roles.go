package identity

// Role is the user's global role
type Role = string

const (
	// RoleUser is a plain marketplace user
	RoleUser Role = "user"
	// RoleAgent is a user attached to an agency through a membership
	RoleAgent Role = "agent"
	// RoleAgencyOwner owns exactly one agency
	RoleAgencyOwner Role = "agency_owner"
)

// IsValidRole checks if the role is one of the predefined valid roles
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAgent, RoleAgencyOwner:
		return true
	default:
		return false
	}
}

// ParseRole safely parses a string into a Role
func ParseRole(roleStr string) (Role, bool) {
	role := Role(roleStr)
	return role, IsValidRole(role)
}

// Signup is the sealed union of registration variants. Each variant carries
// only its role-specific fields so the orchestrator never branches on raw
// role strings.
type Signup interface {
	Role() Role
	base() SignupBase
}

// SignupBase holds the fields shared by every registration variant
type SignupBase struct {
	Username string
	Email    string
	Phone    string
	Password string
}

// UserSignup registers a plain user
type UserSignup struct {
	SignupBase
}

func (s UserSignup) Role() Role       { return RoleUser }
func (s UserSignup) base() SignupBase { return s.SignupBase }

// OwnerSignup registers an agency owner together with their agency
type OwnerSignup struct {
	SignupBase
	AgencyName    string
	LicenseNumber string
	PublicCode    string
}

func (s OwnerSignup) Role() Role       { return RoleAgencyOwner }
func (s OwnerSignup) base() SignupBase { return s.SignupBase }

// AgentSignup registers an agent candidate applying to join an agency
type AgentSignup struct {
	SignupBase
	PublicCode   string
	IDCardNumber string
}

func (s AgentSignup) Role() Role       { return RoleAgent }
func (s AgentSignup) base() SignupBase { return s.SignupBase }

var (
	_ Signup = UserSignup{}
	_ Signup = OwnerSignup{}
	_ Signup = AgentSignup{}
)
