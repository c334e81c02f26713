package server

import "fmt"

// OAuth 2.0 error codes from RFC 6749 and RFC 7591.
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidDPoPProof      = "invalid_dpop_proof"
)

// Error is an OAuth protocol error. Description is safe to return to
// clients; internal detail goes to the debug log instead.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func invalidRequest(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: description}
}

func invalidClient(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: description}
}

// invalidGrant is deliberately generic: code and refresh token failures all
// look the same to the client, so callers cannot tell an expired grant from
// a replayed or unknown one.
func invalidGrant() *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: "invalid grant"}
}

func invalidScope(description string) *Error {
	return &Error{Code: ErrorCodeInvalidScope, Description: description}
}

func invalidClientMetadata(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClientMetadata, Description: description}
}

func invalidDPoPProof(description string) *Error {
	return &Error{Code: ErrorCodeInvalidDPoPProof, Description: description}
}
