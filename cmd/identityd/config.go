package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileConfig maps config.toml keys to identityd runtime settings
type fileConfig struct {
	ListenAddr      string   `toml:"listen_addr"`
	DatabaseDSN     string   `toml:"database_dsn"`
	SigningKey      string   `toml:"signing_key"`
	TokenExpiration int      `toml:"token_expiration_hours"`
	Issuer          string   `toml:"issuer"`
	Audience        []string `toml:"audience"`
	TokenLookup     string   `toml:"token_lookup"`
	AuthScheme      string   `toml:"auth_scheme"`
	MaxLoginTries   int      `toml:"max_login_attempts"`
	LoginCooldown   string   `toml:"login_cooldown"`
	Debug           bool     `toml:"debug"`
}

// serviceConfig is the resolved runtime configuration. It implements
// identity.Config for the token service.
type serviceConfig struct {
	ListenAddr      string
	DatabaseDSN     string
	SigningKey      string
	TokenExpiration int
	Issuer          string
	Audience        []string
	TokenLookup     string
	AuthScheme      string
	MaxLoginTries   int
	LoginCooldown   string
	Debug           bool
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		ListenAddr:      ":3000",
		DatabaseDSN:     "file:identity.db?cache=shared&mode=rwc",
		TokenExpiration: 24,
		Issuer:          "identityd",
		TokenLookup:     "header:Authorization",
		AuthScheme:      "Bearer",
		MaxLoginTries:   5,
		LoginCooldown:   "15m",
	}
}

// loadServiceConfig overlays config.toml values onto the defaults
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load identityd config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("database_dsn") {
		cfg.DatabaseDSN = strings.TrimSpace(raw.DatabaseDSN)
	}
	if meta.IsDefined("signing_key") {
		cfg.SigningKey = raw.SigningKey
	}
	if meta.IsDefined("token_expiration_hours") {
		cfg.TokenExpiration = raw.TokenExpiration
	}
	if meta.IsDefined("issuer") {
		cfg.Issuer = strings.TrimSpace(raw.Issuer)
	}
	if meta.IsDefined("audience") {
		cfg.Audience = raw.Audience
	}
	if meta.IsDefined("token_lookup") {
		cfg.TokenLookup = strings.TrimSpace(raw.TokenLookup)
	}
	if meta.IsDefined("auth_scheme") {
		cfg.AuthScheme = strings.TrimSpace(raw.AuthScheme)
	}
	if meta.IsDefined("max_login_attempts") {
		cfg.MaxLoginTries = raw.MaxLoginTries
	}
	if meta.IsDefined("login_cooldown") {
		cfg.LoginCooldown = strings.TrimSpace(raw.LoginCooldown)
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}

	if cfg.SigningKey == "" {
		return serviceConfig{}, fmt.Errorf("load identityd config: signing_key is required")
	}
	if cfg.TokenExpiration <= 0 {
		return serviceConfig{}, fmt.Errorf("load identityd config: token_expiration_hours must be positive")
	}

	return cfg, nil
}

func (c serviceConfig) GetSigningKey() string   { return c.SigningKey }
func (c serviceConfig) GetTokenExpiration() int { return c.TokenExpiration }
func (c serviceConfig) GetIssuer() string       { return c.Issuer }
func (c serviceConfig) GetAudience() []string   { return c.Audience }
func (c serviceConfig) GetContextKey() string   { return "principal" }
func (c serviceConfig) GetTokenLookup() string  { return c.TokenLookup }
func (c serviceConfig) GetAuthScheme() string   { return c.AuthScheme }
