package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

// ControllerRoutes holds the route paths served by the controller
type ControllerRoutes struct {
	Register           string
	Login              string
	VerifyEmail        string
	ResendVerification string
	PasswordReset      string
	PasswordConfirm    string
	ReviewRequest      string
	QuickRequest       string
}

// Controller exposes the identity lifecycle over JSON endpoints
type Controller struct {
	Debug  bool
	Logger Logger
	Routes *ControllerRoutes

	Auther        *Auther
	Resolver      IdentityResolver
	Guard         Guard
	Register      *RegisterHandler
	VerifyEmail   *VerifyEmailHandler
	Resend        *ResendVerificationHandler
	Review        *ReviewRequestHandler
	QuickRequest  *QuickRequestHandler
	PasswordReset *PasswordResetHandler
}

// ControllerOption configures the controller
type ControllerOption func(*Controller) *Controller

// WithControllerDebug enables request payload dumps
func WithControllerDebug() ControllerOption {
	return func(c *Controller) *Controller {
		c.Debug = true
		return c
	}
}

// WithControllerLogger overrides the controller logger
func WithControllerLogger(logger Logger) ControllerOption {
	return func(c *Controller) *Controller {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

func NewController(auther *Auther, resolver IdentityResolver, guard Guard, opts ...ControllerOption) *Controller {
	c := &Controller{
		Logger:   defLogger{},
		Auther:   auther,
		Resolver: resolver,
		Guard:    guard,
		Routes: &ControllerRoutes{
			Register:           "/auth/register/:role",
			Login:              "/auth/login",
			VerifyEmail:        "/auth/verify-email",
			ResendVerification: "/auth/resend-verification",
			PasswordReset:      "/auth/password-reset",
			PasswordConfirm:    "/auth/password-reset/confirm",
			ReviewRequest:      "/agencies/registration-requests/:id/status",
			QuickRequest:       "/registration-requests/quick/:agencyId",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Auther == nil {
		panic("Missing Auther in identity controller...")
	}

	if c.Resolver == nil {
		panic("Missing IdentityResolver in identity controller...")
	}

	if c.Guard == nil {
		panic("Missing Guard in identity controller...")
	}

	return c
}

// RegisterRoutes wires the controller into the app. The authenticated
// middleware runs the identity stage; the controller adds the capability
// stage per route.
func (a *Controller) RegisterRoutes(app *fiber.App, authenticated fiber.Handler) {
	app.Post(a.Routes.Register, a.RegisterPost)
	app.Post(a.Routes.Login, a.LoginPost)
	app.Get(a.Routes.VerifyEmail, a.VerifyEmailGet)
	app.Post(a.Routes.ResendVerification, a.ResendVerificationPost)
	app.Post(a.Routes.PasswordReset, a.PasswordResetPost)
	app.Post(a.Routes.PasswordConfirm, a.PasswordConfirmPost)

	app.Patch(a.Routes.ReviewRequest,
		authenticated,
		a.require(RequireCapabilities(CapApproveRequests)),
		a.ReviewRequestPatch,
	)

	app.Post(a.Routes.QuickRequest,
		authenticated,
		a.require(Requirement{Mutating: true}),
		a.QuickRequestPost,
	)
}

// require runs the capability stage for a route
func (a *Controller) require(req Requirement) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := principalFromFiber(c)
		if err := a.Guard.Authorize(c.UserContext(), principal, req); err != nil {
			return a.renderError(c, err)
		}
		return c.Next()
	}
}

// principalFromFiber reads the resolved principal off the request, checking
// Locals first and the user context second
func principalFromFiber(c *fiber.Ctx) *Principal {
	if principal, ok := c.Locals("principal").(*Principal); ok {
		return principal
	}
	if principal, ok := PrincipalFromContext(c.UserContext()); ok {
		return principal
	}
	return nil
}

// LoginRequest payload
type LoginRequest struct {
	Identifier string `form:"identifier" json:"identifier"`
	Password   string `form:"password" json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Identifier,
			validation.Required,
		),
		validation.Field(
			&r.Password,
			validation.Required,
		),
	)
}

func (a *Controller) LoginPost(c *fiber.Ctx) error {
	payload := new(LoginRequest)

	if err := c.BodyParser(payload); err != nil {
		return a.renderParseError(c, err)
	}

	if err := payload.Validate(); err != nil {
		return a.renderValidationError(c, err)
	}

	token, user, err := a.Auther.Login(a.requestContext(c), payload.Identifier, payload.Password)
	if err != nil {
		a.Logger.Error("login error: %v", err)
		return a.renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"token": token,
		"user":  user,
	})
}

// RegisterUserPayload is the plain user registration body
type RegisterUserPayload struct {
	Username        string `form:"username" json:"username"`
	Email           string `form:"email" json:"email"`
	Phone           string `form:"phone_number" json:"phone_number"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

// Validate will validate the payload
func (r RegisterUserPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Length(3, 100)),
		validation.Field(&r.Email, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(10, 100)),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

// RegisterOwnerPayload is the agency owner registration body
type RegisterOwnerPayload struct {
	RegisterUserPayload
	AgencyName    string `form:"agency_name" json:"agency_name"`
	LicenseNumber string `form:"license_number" json:"license_number"`
	PublicCode    string `form:"public_code" json:"public_code"`
}

// Validate will validate the payload; owners must provide a reachable phone
func (r RegisterOwnerPayload) Validate() error {
	if err := r.RegisterUserPayload.Validate(); err != nil {
		return err
	}

	return validation.ValidateStruct(&r,
		validation.Field(&r.Phone, validation.Required, validation.By(ValidatePhoneNumber)),
		validation.Field(&r.AgencyName, validation.Required, validation.Length(2, 200)),
		validation.Field(&r.LicenseNumber, validation.Required, validation.Length(4, 50)),
		validation.Field(&r.PublicCode, validation.Required, validation.Length(3, 20), is.Alphanumeric),
	)
}

// RegisterAgentPayload is the agent candidate registration body
type RegisterAgentPayload struct {
	RegisterUserPayload
	PublicCode   string `form:"public_code" json:"public_code"`
	IDCardNumber string `form:"id_card_number" json:"id_card_number"`
}

// Validate will validate the payload
func (r RegisterAgentPayload) Validate() error {
	if err := r.RegisterUserPayload.Validate(); err != nil {
		return err
	}

	return validation.ValidateStruct(&r,
		validation.Field(&r.PublicCode, validation.Required, validation.Length(3, 20), is.Alphanumeric),
		validation.Field(&r.IDCardNumber, validation.Required, validation.Length(4, 50)),
	)
}

func (a *Controller) RegisterPost(c *fiber.Ctx) error {
	role, ok := ParseRole(c.Params("role"))
	if !ok {
		return a.renderError(c, goerrors.New("unknown registration role", goerrors.CategoryValidation).
			WithTextCode("UNKNOWN_ROLE").
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"role": c.Params("role")}))
	}

	signup, err := a.bindSignup(c, role)
	if err != nil {
		return err
	}

	if a.Debug {
		fmt.Println("======= IDENTITY REGISTER ======")
		fmt.Println(print.MaybePrettyJSON(signup))
		fmt.Println("================================")
	}

	result, err := a.Register.Execute(a.requestContext(c), signup)
	if err != nil {
		a.Logger.Error("registration error: %v", err)
		return a.renderError(c, err)
	}

	body := fiber.Map{
		"user":    result.User,
		"message": "verification email sent",
	}
	if result.Agency != nil {
		body["agency"] = result.Agency
	}
	if result.Request != nil {
		body["registration_request"] = result.Request
	}

	return c.Status(fiber.StatusCreated).JSON(body)
}

// bindSignup parses and validates the role-specific body, returning a ready
// Signup value or having already written the error response
func (a *Controller) bindSignup(c *fiber.Ctx, role Role) (Signup, error) {
	switch role {
	case RoleAgencyOwner:
		payload := new(RegisterOwnerPayload)
		if err := c.BodyParser(payload); err != nil {
			return nil, a.renderParseError(c, err)
		}
		if err := payload.Validate(); err != nil {
			return nil, a.renderValidationError(c, err)
		}
		return OwnerSignup{
			SignupBase:    payload.base(),
			AgencyName:    payload.AgencyName,
			LicenseNumber: payload.LicenseNumber,
			PublicCode:    payload.PublicCode,
		}, nil

	case RoleAgent:
		payload := new(RegisterAgentPayload)
		if err := c.BodyParser(payload); err != nil {
			return nil, a.renderParseError(c, err)
		}
		if err := payload.Validate(); err != nil {
			return nil, a.renderValidationError(c, err)
		}
		return AgentSignup{
			SignupBase:   payload.base(),
			PublicCode:   payload.PublicCode,
			IDCardNumber: payload.IDCardNumber,
		}, nil

	default:
		payload := new(RegisterUserPayload)
		if err := c.BodyParser(payload); err != nil {
			return nil, a.renderParseError(c, err)
		}
		if err := payload.Validate(); err != nil {
			return nil, a.renderValidationError(c, err)
		}
		return UserSignup{SignupBase: payload.base()}, nil
	}
}

func (r RegisterUserPayload) base() SignupBase {
	return SignupBase{
		Username: r.Username,
		Email:    r.Email,
		Phone:    r.Phone,
		Password: r.Password,
	}
}

func (a *Controller) VerifyEmailGet(c *fiber.Ctx) error {
	token := c.Query("token")

	result, err := a.VerifyEmail.Execute(a.requestContext(c), token)
	if err != nil {
		a.Logger.Error("email verification error: %v", err)
		return a.renderError(c, err)
	}

	body := fiber.Map{
		"user":    result.User,
		"message": "email verified",
	}
	if result.Agency != nil {
		body["agency"] = result.Agency
	}
	if result.Request != nil {
		body["registration_request"] = result.Request
	}

	return c.JSON(body)
}

// ResendVerificationPayload identifies the account to reissue a token for
type ResendVerificationPayload struct {
	Identifier string `form:"identifier" json:"identifier"`
}

// Validate will validate the payload
func (r ResendVerificationPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Identifier, validation.Required),
	)
}

func (a *Controller) ResendVerificationPost(c *fiber.Ctx) error {
	payload := new(ResendVerificationPayload)

	if err := c.BodyParser(payload); err != nil {
		return a.renderParseError(c, err)
	}

	if err := payload.Validate(); err != nil {
		return a.renderValidationError(c, err)
	}

	if err := a.Resend.Execute(a.requestContext(c), payload.Identifier); err != nil {
		a.Logger.Error("resend verification error: %v", err)
		return a.renderError(c, err)
	}

	return c.JSON(fiber.Map{"message": "verification email sent"})
}

// ReviewRequestPayload carries the owner's verdict
type ReviewRequestPayload struct {
	Status         string   `form:"status" json:"status"`
	Notes          string   `form:"notes" json:"notes"`
	RoleInAgency   string   `form:"role_in_agency" json:"role_in_agency"`
	CommissionRate float64  `form:"commission_rate" json:"commission_rate"`
	Permissions    []string `form:"permissions" json:"permissions"`
}

// Validate will validate the payload
func (r ReviewRequestPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Status,
			validation.Required,
			validation.In(RequestStatusApproved, RequestStatusRejected),
		),
		validation.Field(&r.Notes, validation.Length(0, 1000)),
		validation.Field(&r.CommissionRate, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (a *Controller) ReviewRequestPatch(c *fiber.Ctx) error {
	requestID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return a.renderError(c, goerrors.New("invalid request id", goerrors.CategoryValidation).
			WithTextCode("INVALID_REQUEST_ID").
			WithCode(goerrors.CodeBadRequest))
	}

	payload := new(ReviewRequestPayload)
	if err := c.BodyParser(payload); err != nil {
		return a.renderParseError(c, err)
	}

	if err := payload.Validate(); err != nil {
		return a.renderValidationError(c, err)
	}

	reviewer := principalFromFiber(c)

	decision := ReviewDecision{
		RequestID:      requestID,
		Approve:        payload.Status == RequestStatusApproved,
		Notes:          payload.Notes,
		RoleInAgency:   payload.RoleInAgency,
		CommissionRate: payload.CommissionRate,
	}
	if len(payload.Permissions) > 0 {
		permissions := permissionSetFromNames(payload.Permissions)
		decision.Permissions = &permissions
	}

	request, err := a.Review.Execute(a.requestContext(c), reviewer, decision)
	if err != nil {
		a.Logger.Error("request review error: %v", err)
		return a.renderError(c, err)
	}

	return c.JSON(fiber.Map{"registration_request": request})
}

// QuickRequestPayload carries the applicant's id card
type QuickRequestPayload struct {
	IDCardNumber string `form:"id_card_number" json:"id_card_number"`
}

// Validate will validate the payload
func (r QuickRequestPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.IDCardNumber, validation.Required, validation.Length(4, 50)),
	)
}

func (a *Controller) QuickRequestPost(c *fiber.Ctx) error {
	agencyID, err := uuid.Parse(c.Params("agencyId"))
	if err != nil {
		return a.renderError(c, goerrors.New("invalid agency id", goerrors.CategoryValidation).
			WithTextCode("INVALID_AGENCY_ID").
			WithCode(goerrors.CodeBadRequest))
	}

	payload := new(QuickRequestPayload)
	if err := c.BodyParser(payload); err != nil {
		return a.renderParseError(c, err)
	}

	if err := payload.Validate(); err != nil {
		return a.renderValidationError(c, err)
	}

	applicant := principalFromFiber(c)

	request, err := a.QuickRequest.Execute(a.requestContext(c), applicant, agencyID, payload.IDCardNumber)
	if err != nil {
		a.Logger.Error("quick request error: %v", err)
		return a.renderError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"registration_request": request})
}

// PasswordResetPayload identifies the account to recover
type PasswordResetPayload struct {
	Identifier string `form:"identifier" json:"identifier"`
}

// Validate will validate the payload
func (r PasswordResetPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Identifier, validation.Required),
	)
}

func (a *Controller) PasswordResetPost(c *fiber.Ctx) error {
	payload := new(PasswordResetPayload)

	if err := c.BodyParser(payload); err != nil {
		return a.renderParseError(c, err)
	}

	if err := payload.Validate(); err != nil {
		return a.renderValidationError(c, err)
	}

	if err := a.PasswordReset.Initialize(a.requestContext(c), payload.Identifier); err != nil {
		a.Logger.Error("password reset init error: %v", err)
		return a.renderError(c, err)
	}

	return c.JSON(fiber.Map{"message": "recovery email sent if the account exists"})
}

// PasswordConfirmPayload carries the recovery token and new password
type PasswordConfirmPayload struct {
	Token           string `form:"token" json:"token"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

// Validate will validate the payload
func (r PasswordConfirmPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.Password, validation.Required, validation.Length(10, 100)),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

func (a *Controller) PasswordConfirmPost(c *fiber.Ctx) error {
	payload := new(PasswordConfirmPayload)

	if err := c.BodyParser(payload); err != nil {
		return a.renderParseError(c, err)
	}

	if err := payload.Validate(); err != nil {
		return a.renderValidationError(c, err)
	}

	if err := a.PasswordReset.Finalize(a.requestContext(c), payload.Token, payload.Password); err != nil {
		a.Logger.Error("password reset confirm error: %v", err)
		return a.renderError(c, err)
	}

	return c.JSON(fiber.Map{"message": "password updated"})
}

// requestContext threads the caller's language preference into the handler context
func (a *Controller) requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()

	lang := c.Query("lang")
	if lang == "" {
		if accept := c.Get(fiber.HeaderAcceptLanguage); accept != "" {
			lang = strings.SplitN(accept, ",", 2)[0]
			lang = strings.SplitN(lang, "-", 2)[0]
			lang = strings.TrimSpace(lang)
		}
	}
	if lang != "" {
		ctx = WithLanguage(ctx, lang)
	}

	return ctx
}

func (a *Controller) renderParseError(c *fiber.Ctx, err error) error {
	a.Logger.Error("payload parse error: %v", err)
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "failed to parse request body",
	})
}

func (a *Controller) renderValidationError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "validation failed",
		"fields": FormatValidationErrorToMap(err),
	})
}

func (a *Controller) renderError(c *fiber.Ctx, err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		status := richErr.Code
		if status == 0 {
			status = fiber.StatusInternalServerError
		}

		body := fiber.Map{
			"error": richErr.Message,
			"code":  richErr.TextCode,
		}
		if reason := DenialReason(richErr); reason != "" {
			body["reason"] = reason
		}
		if fields, ok := richErr.Metadata["fields"]; ok {
			body["fields"] = fields
		}

		return c.Status(status).JSON(body)
	}

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}

// ValidatePhoneNumber accepts E.164 numbers or numbers parseable with a US fallback region
func ValidatePhoneNumber(value any) error {
	s, _ := value.(string)
	if s == "" {
		return errors.New("must be a valid phone number")
	}

	region := ""
	if !strings.HasPrefix(s, "+") {
		region = "US"
	}

	num, err := phonenumbers.Parse(s, region)
	if err != nil {
		return errors.New("must be a valid phone number")
	}

	if !phonenumbers.IsValidNumber(num) {
		return errors.New("must be a valid phone number")
	}

	return nil
}

// permissionSetFromNames maps capability names to a PermissionSet
func permissionSetFromNames(names []string) PermissionSet {
	set := PermissionSet{}
	for _, name := range names {
		switch Capability(name) {
		case CapManageAgents:
			set.CanManageAgents = true
		case CapApproveRequests:
			set.CanApproveRequests = true
		case CapEditOthersPost:
			set.CanEditOthersPost = true
		case CapManageListings:
			set.CanManageListings = true
		}
	}
	return set
}
