package server

import (
	"log/slog"
	"time"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 600 seconds (10 minutes).
	AuthorizationCodeTTL int64 // seconds

	// AuthorizationRequestTTL is how long a pending authorization request
	// may wait for approval. Default: 600 seconds.
	AuthorizationRequestTTL int64 // seconds

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 3600 seconds (1 hour).
	AccessTokenTTL int64 // seconds

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Default: 7776000 seconds (90 days).
	RefreshTokenTTL int64 // seconds

	// AllowRefreshTokenRotation rotates refresh tokens on use (OAuth 2.1).
	// Default: true.
	AllowRefreshTokenRotation bool

	// RequireDPoP rejects token requests without a DPoP proof. When false,
	// DPoP is opportunistic: tokens are bound only if the client sends a
	// proof. Default: false.
	RequireDPoP bool

	// DPoPClockSkew is the accepted iat window for DPoP proofs.
	// Default: 60 seconds.
	DPoPClockSkew time.Duration

	// SupportedScopes lists the scopes clients may request. If empty, all
	// scopes are allowed.
	SupportedScopes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy. Default: false.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Used with TrustProxy to pick the client hop from
	// X-Forwarded-For. Default: 1.
	TrustedProxyCount int

	// MaxClientsPerIP limits dynamic client registrations per IP address.
	// Default: 10.
	MaxClientsPerIP int
}

// applySecureDefaults fills zero-valued fields with secure defaults and
// logs the effective values once at startup.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	cfg := *config

	if cfg.AuthorizationCodeTTL == 0 {
		cfg.AuthorizationCodeTTL = 600
	}
	if cfg.AuthorizationRequestTTL == 0 {
		cfg.AuthorizationRequestTTL = 600
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = 3600
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 7776000
	}
	if cfg.DPoPClockSkew == 0 {
		cfg.DPoPClockSkew = 60 * time.Second
	}
	if cfg.TrustedProxyCount == 0 {
		cfg.TrustedProxyCount = 1
	}
	if cfg.MaxClientsPerIP == 0 {
		cfg.MaxClientsPerIP = 10
	}

	logger.Info("OAuth server configuration",
		"issuer", cfg.Issuer,
		"authorization_code_ttl_seconds", cfg.AuthorizationCodeTTL,
		"access_token_ttl_seconds", cfg.AccessTokenTTL,
		"refresh_token_ttl_seconds", cfg.RefreshTokenTTL,
		"refresh_token_rotation", cfg.AllowRefreshTokenRotation,
		"require_dpop", cfg.RequireDPoP,
		"trust_proxy", cfg.TrustProxy)

	return &cfg
}

func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) requestTTL() time.Duration {
	return time.Duration(c.AuthorizationRequestTTL) * time.Second
}

func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}
