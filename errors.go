package agentgate

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/keelhq/agentgate/server"
)

// OAuth error codes returned on the HTTP surface.
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidDPoPProof      = "invalid_dpop_proof"
	ErrorCodeServerError           = "server_error"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
)

// OAuthError is an OAuth 2.0 error response with its HTTP status.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates an OAuth error.
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: description, Status: status}
}

// Common OAuth errors as constructors.
var (
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// fromServerError translates a server-layer error into its wire form.
// Unknown errors become a generic server_error so internals never leak.
func fromServerError(err error) *OAuthError {
	var srvErr *server.Error
	if errors.As(err, &srvErr) {
		switch srvErr.Code {
		case server.ErrorCodeInvalidClient:
			return ErrInvalidClient(srvErr.Description)
		case server.ErrorCodeInvalidGrant:
			return ErrInvalidGrant(srvErr.Description)
		case server.ErrorCodeInvalidScope:
			return ErrInvalidScope(srvErr.Description)
		case server.ErrorCodeUnsupportedGrantType:
			return ErrUnsupportedGrantType(srvErr.Description)
		default:
			// invalid_request, invalid_client_metadata, invalid_dpop_proof.
			return NewOAuthError(srvErr.Code, srvErr.Description, http.StatusBadRequest)
		}
	}
	if errors.Is(err, server.ErrRequestNotFound) || errors.Is(err, server.ErrRequestExpired) {
		return ErrInvalidRequest("authorization request is unknown or expired")
	}
	return ErrServerError("internal error")
}
