package identity

import "context"

var principalCtxKey = &contextKey{"principal"}
var languageCtxKey = &contextKey{"language"}

type contextKey struct {
	name string
}

// DefaultLanguage is used when a request carries no language preference
const DefaultLanguage = "en"

// WithPrincipal sets the resolved principal in the given context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// PrincipalFromContext finds the principal from the context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	raw, ok := ctx.Value(principalCtxKey).(*Principal)
	return raw, ok
}

// WithLanguage threads the caller's language preference explicitly; there is
// no ambient per-request language state.
func WithLanguage(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, languageCtxKey, lang)
}

// LanguageFromContext returns the language preference or the default
func LanguageFromContext(ctx context.Context) string {
	if lang, ok := ctx.Value(languageCtxKey).(string); ok && lang != "" {
		return lang
	}
	return DefaultLanguage
}
