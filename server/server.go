// Package server implements the OAuth 2.1 authorization server core:
// client registration, the PKCE authorization code flow, refresh token
// rotation, DPoP sender-constrained tokens, and token validation. It is
// transport-agnostic; the HTTP surface lives in the root package.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/keelhq/agentgate/security"
	"github.com/keelhq/agentgate/storage"
)

// tokenLogLength bounds token material included in debug logs.
const tokenLogLength = 8

func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the OAuth 2.1 authorization server logic.
type Server struct {
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	tokenStore  storage.TokenStore
	mfaStore    storage.MFAStore

	dpopVerifier *security.DPoPVerifier

	Auditor *security.Auditor
	// SecurityEventRateLimiter bounds the rate of audit records emitted for
	// repeated failures from one source, so a flood of bad requests cannot
	// drown the audit log.
	SecurityEventRateLimiter *security.RateLimiter
	Logger                   *slog.Logger
	Config                   *Config

	now func() time.Time
}

// New creates an OAuth server over the given stores. mfaStore may be nil to
// disable the TOTP factor.
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	mfaStore storage.MFAStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore:  clientStore,
		flowStore:    flowStore,
		tokenStore:   tokenStore,
		mfaStore:     mfaStore,
		dpopVerifier: security.NewDPoPVerifier(config.DPoPClockSkew, security.NewReplayCache(0, 0)),
		Logger:       logger,
		Config:       config,
		now:          time.Now,
	}
	return srv, nil
}

// generateToken produces an opaque URL-safe random token.
func generateToken() string {
	return oauth2.GenerateVerifier()
}

// auditEnabled reports whether a security event for the given source should
// be written, consulting the flood limiter when one is configured.
func (s *Server) auditEnabled(source string) bool {
	if s.Auditor == nil {
		return false
	}
	if s.SecurityEventRateLimiter != nil && source != "" {
		return s.SecurityEventRateLimiter.Allow(source)
	}
	return true
}
