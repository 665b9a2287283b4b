// Package identware is the HTTP edge of the authorization gateway. The entry
// middleware runs the identity stage (credential validation and principal
// resolution); Require runs the capability stage against a route requirement.
package identware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	goerrors "github.com/goliatone/go-errors"

	"github.com/agenthub/identity"
)

var (
	defaultTokenLookup = "header:" + fiber.HeaderAuthorization

	// ErrTokenMissingOrMalformed covers requests with no usable credential
	ErrTokenMissingOrMalformed = errors.New("missing or malformed token")
)

// TokenValidator validates raw credentials into structured claims
type TokenValidator interface {
	Validate(tokenString string) (identity.AuthClaims, error)
}

// Config drives the identity stage middleware
type Config struct {
	// Filter skips the middleware when it returns true
	Filter func(*fiber.Ctx) bool
	// SuccessHandler runs after the principal has been attached
	SuccessHandler fiber.Handler
	// ErrorHandler converts stage failures to responses
	ErrorHandler fiber.ErrorHandler
	// ContextKey is the Locals key holding the resolved principal
	ContextKey string
	// TokenLookup is a comma-separated list of source:name pairs,
	// e.g. "header:Authorization,query:token,cookie:jwt"
	TokenLookup string
	// AuthScheme is the expected header scheme, default Bearer
	AuthScheme string

	// TokenValidator is required
	TokenValidator TokenValidator
	// Resolver is required; it maps claims to a live principal
	Resolver identity.IdentityResolver

	// OnAuthenticated runs best-effort bookkeeping after resolution, such as
	// last-active tracking. Failures are logged and never block the request.
	OnAuthenticated func(c *fiber.Ctx, principal *identity.Principal) error

	Logger identity.Logger
}

// New builds the identity stage middleware
func New(config ...Config) fiber.Handler {
	cfg := configDefault(config...)

	extractors := buildExtractors(cfg.TokenLookup, cfg.AuthScheme)

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		raw, err := extractToken(c, extractors)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		claims, err := cfg.TokenValidator.Validate(raw)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		principal, err := cfg.Resolver.Resolve(c.UserContext(), claims)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		c.Locals(cfg.ContextKey, principal)
		c.SetUserContext(identity.WithPrincipal(c.UserContext(), principal))

		if cfg.OnAuthenticated != nil {
			if err := cfg.OnAuthenticated(c, principal); err != nil {
				cfg.Logger.Warn("post-auth hook error: %v", err)
			}
		}

		return cfg.SuccessHandler(c)
	}
}

// Require builds the capability stage middleware for a single route
func Require(guard identity.Guard, req identity.Requirement, config ...Config) fiber.Handler {
	cfg := configDefault(config...)

	return func(c *fiber.Ctx) error {
		principal := PrincipalFromCtx(c, cfg.ContextKey)

		if err := guard.Authorize(c.UserContext(), principal, req); err != nil {
			return cfg.ErrorHandler(c, err)
		}

		return c.Next()
	}
}

// PrincipalFromCtx reads the resolved principal off the request, checking
// Locals first and the user context second
func PrincipalFromCtx(c *fiber.Ctx, contextKey string) *identity.Principal {
	if contextKey == "" {
		contextKey = "principal"
	}

	if principal, ok := c.Locals(contextKey).(*identity.Principal); ok {
		return principal
	}

	if principal, ok := identity.PrincipalFromContext(c.UserContext()); ok {
		return principal
	}

	return nil
}

func configDefault(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "principal"
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return cfg
}

func defaultErrorHandler(c *fiber.Ctx, err error) error {
	if errors.Is(err, ErrTokenMissingOrMalformed) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": ErrTokenMissingOrMalformed.Error(),
		})
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		status := richErr.Code
		if status == 0 {
			status = fiber.StatusUnauthorized
		}

		body := fiber.Map{
			"error": richErr.Message,
			"code":  richErr.TextCode,
		}
		if reason := identity.DenialReason(richErr); reason != "" {
			body["reason"] = reason
		}

		return c.Status(status).JSON(body)
	}

	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "invalid or expired credential",
	})
}

type tokenExtractor func(c *fiber.Ctx) (string, error)

func extractToken(c *fiber.Ctx, extractors []tokenExtractor) (string, error) {
	var raw string
	var err error

	for _, extractor := range extractors {
		raw, err = extractor(c)
		if raw != "" && err == nil {
			return raw, nil
		}
	}

	if err == nil {
		err = ErrTokenMissingOrMalformed
	}

	return "", err
}

// buildExtractors parses "header:Authorization,query:token,cookie:jwt"
func buildExtractors(tokenLookup, authScheme string) []tokenExtractor {
	extractors := make([]tokenExtractor, 0)

	for _, rootPart := range strings.Split(tokenLookup, ",") {
		parts := strings.Split(strings.TrimSpace(rootPart), ":")
		if len(parts) != 2 {
			continue
		}

		source := strings.TrimSpace(parts[0])
		name := strings.TrimSpace(parts[1])

		switch source {
		case "header":
			extractors = append(extractors, tokenFromHeader(name, authScheme))
		case "query":
			extractors = append(extractors, tokenFromQuery(name))
		case "param":
			extractors = append(extractors, tokenFromParam(name))
		case "cookie":
			extractors = append(extractors, tokenFromCookie(name))
		}
	}

	return extractors
}

func tokenFromHeader(header, authScheme string) tokenExtractor {
	return func(c *fiber.Ctx) (string, error) {
		a := c.Get(header)
		scheme := strings.TrimSpace(authScheme)
		l := len(scheme)
		if l == 0 {
			return "", ErrTokenMissingOrMalformed
		}
		if len(a) > l+1 && strings.EqualFold(a[:l], scheme) {
			return strings.TrimSpace(a[l:]), nil
		}
		return "", ErrTokenMissingOrMalformed
	}
}

func tokenFromQuery(param string) tokenExtractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Query(param)
		if token == "" {
			return "", ErrTokenMissingOrMalformed
		}
		return token, nil
	}
}

func tokenFromParam(param string) tokenExtractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Params(param)
		if token == "" {
			return "", ErrTokenMissingOrMalformed
		}
		return token, nil
	}
}

func tokenFromCookie(name string) tokenExtractor {
	return func(c *fiber.Ctx) (string, error) {
		token := c.Cookies(name)
		if token == "" {
			return "", ErrTokenMissingOrMalformed
		}
		return token, nil
	}
}

type noopLogger struct{}

func (noopLogger) Debug(format string, args ...any) {}
func (noopLogger) Info(format string, args ...any)  {}
func (noopLogger) Warn(format string, args ...any)  {}
func (noopLogger) Error(format string, args ...any) {}
