package identity

import (
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
)

// Denial reason codes attached to authorization errors so clients can branch
// UI behavior on the specific cause.
const (
	ReasonNotAuthenticated       = "notAuthenticated"
	ReasonAccountInactive        = "accountInactive"
	ReasonAgentInactive          = "agentInactive"
	ReasonAgencyInactive         = "agencyInactive"
	ReasonInsufficientPermission = "insufficientPermission"
)

// ErrTokenInvalidOrExpired covers consumed, expired and never-issued
// verification tokens alike; callers cannot distinguish the three.
var ErrTokenInvalidOrExpired = goerrors.New("verification token is invalid or expired", goerrors.CategoryValidation).
	WithTextCode("TOKEN_INVALID_OR_EXPIRED").
	WithCode(goerrors.CodeBadRequest)

// ErrCredentialInvalid is returned when a bearer credential fails signature or expiry checks
var ErrCredentialInvalid = goerrors.New("invalid or expired credential", goerrors.CategoryAuth).
	WithTextCode("CREDENTIAL_INVALID").
	WithCode(goerrors.CodeUnauthorized)

// ErrMembershipRevoked is returned when a valid agent credential no longer maps
// to a membership row; the credential outlived the membership.
var ErrMembershipRevoked = goerrors.New("agency membership no longer exists", goerrors.CategoryAuth).
	WithTextCode("MEMBERSHIP_REVOKED").
	WithCode(goerrors.CodeUnauthorized)

// ErrNotAuthenticated is returned by the capability stage when no principal is attached
var ErrNotAuthenticated = goerrors.New("request is not authenticated", goerrors.CategoryAuthz).
	WithTextCode("NOT_AUTHENTICATED").
	WithCode(goerrors.CodeForbidden).
	WithMetadata(map[string]any{"reason": ReasonNotAuthenticated})

// ErrAccountInactive blocks principals whose user account is not active
var ErrAccountInactive = goerrors.New("account is not active", goerrors.CategoryAuthz).
	WithTextCode("ACCOUNT_INACTIVE").
	WithCode(goerrors.CodeForbidden).
	WithMetadata(map[string]any{"reason": ReasonAccountInactive})

// ErrAgentInactive blocks agents whose membership is not active
var ErrAgentInactive = goerrors.New("agency membership is not active", goerrors.CategoryAuthz).
	WithTextCode("AGENT_INACTIVE").
	WithCode(goerrors.CodeForbidden).
	WithMetadata(map[string]any{"reason": ReasonAgentInactive})

// ErrAgencyInactive blocks writes for members and owners of a non-active agency
var ErrAgencyInactive = goerrors.New("agency is not active", goerrors.CategoryAuthz).
	WithTextCode("AGENCY_INACTIVE").
	WithCode(goerrors.CodeForbidden).
	WithMetadata(map[string]any{"reason": ReasonAgencyInactive})

// ErrInsufficientPermission is returned when a named capability flag is missing
var ErrInsufficientPermission = goerrors.New("missing required permission", goerrors.CategoryAuthz).
	WithTextCode("INSUFFICIENT_PERMISSION").
	WithCode(goerrors.CodeForbidden).
	WithMetadata(map[string]any{"reason": ReasonInsufficientPermission})

// ErrInvalidTransition is returned for review actions on requests outside the
// reviewable states, including already-decided requests.
var ErrInvalidTransition = goerrors.New("invalid registration request transition", goerrors.CategoryValidation).
	WithTextCode("INVALID_REQUEST_TRANSITION").
	WithCode(goerrors.CodeBadRequest)

// ErrRequestDecided marks a terminal request; terminal states are immutable
var ErrRequestDecided = goerrors.New("registration request already decided", goerrors.CategoryConflict).
	WithTextCode("REQUEST_ALREADY_DECIDED").
	WithCode(goerrors.CodeConflict)

// ErrNotRequestOwner is returned when the acting principal does not own the
// agency the request targets
var ErrNotRequestOwner = goerrors.New("request belongs to another agency", goerrors.CategoryAuthz).
	WithTextCode("NOT_REQUEST_OWNER").
	WithCode(goerrors.CodeForbidden)

// ErrAlreadyVerified rejects resend attempts for verified accounts
var ErrAlreadyVerified = goerrors.New("email address already verified", goerrors.CategoryValidation).
	WithTextCode("EMAIL_ALREADY_VERIFIED").
	WithCode(goerrors.CodeBadRequest)

// ErrResendNotAllowed rejects resend attempts for accounts that are neither
// pending nor inactive
var ErrResendNotAllowed = goerrors.New("account cannot request a new verification token", goerrors.CategoryValidation).
	WithTextCode("RESEND_NOT_ALLOWED").
	WithCode(goerrors.CodeBadRequest)

// ErrMismatchedHashAndPassword is the generic credential failure for login
var ErrMismatchedHashAndPassword = goerrors.New("invalid credentials provided", goerrors.CategoryAuth).
	WithTextCode("INVALID_CREDENTIALS").
	WithCode(goerrors.CodeUnauthorized)

// ErrTooManyLoginAttempts enforces the login cooldown window
var ErrTooManyLoginAttempts = goerrors.New("too many login attempts", goerrors.CategoryRateLimit).
	WithTextCode("TOO_MANY_LOGIN_ATTEMPTS").
	WithCode(goerrors.CodeTooManyRequests)

// ErrNoEmptyString rejects empty passwords before hashing
var ErrNoEmptyString = goerrors.New("password must not be empty", goerrors.CategoryValidation).
	WithTextCode("EMPTY_PASSWORD").
	WithCode(goerrors.CodeBadRequest)

// errWithMeta attaches call-specific metadata to a copy of a sentinel.
// Sentinels are shared package state; WithMetadata writes into the sentinel's
// own map, which races between concurrent requests and leaks one caller's
// details into another's response. The copy keeps the sentinel in its unwrap
// chain so errors.Is still matches.
func errWithMeta(sentinel *goerrors.Error, metadata map[string]any) *goerrors.Error {
	detailed := sentinel.Clone()
	detailed.Source = sentinel
	return detailed.WithMetadata(metadata)
}

// ValidationErrors aggregates field-keyed messages for 400 responses. All
// uniqueness and format violations are collected before any write happens.
type ValidationErrors map[string][]string

// Add appends a message for a field
func (v ValidationErrors) Add(field, message string) {
	v[field] = append(v[field], message)
}

// Empty reports whether any field collected a message
func (v ValidationErrors) Empty() bool {
	return len(v) == 0
}

// Error renders a stable field: message summary
func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(v))
	for _, field := range fields {
		parts = append(parts, field+": "+strings.Join(v[field], "; "))
	}
	return strings.Join(parts, ", ")
}

// AsError wraps the map into a rich validation error, or returns nil when empty
func (v ValidationErrors) AsError() error {
	if v.Empty() {
		return nil
	}

	fields := map[string]any{}
	for field, messages := range v {
		fields[field] = messages
	}

	return goerrors.New("validation failed", goerrors.CategoryValidation).
		WithTextCode("VALIDATION_FAILED").
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{"fields": fields})
}

// FormatValidationErrorToMap flattens an ozzo-validation error into the same
// field-keyed shape used by ValidationErrors responses.
func FormatValidationErrorToMap(err error) map[string][]string {
	out := map[string][]string{}
	if err == nil {
		return out
	}

	if verrs, ok := err.(validation.Errors); ok {
		for field, ferr := range verrs {
			if ferr == nil {
				continue
			}
			out[field] = append(out[field], ferr.Error())
		}
		return out
	}

	out["form"] = append(out["form"], err.Error())
	return out
}

// DenialReason extracts the reason code from an authorization error, if any
func DenialReason(err error) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return ""
	}
	if reason, ok := richErr.Metadata["reason"].(string); ok {
		return reason
	}
	return ""
}
