package security

// Audit event types. Denial events are part of the security log contract:
// every authorization decision that blocks a caller must emit one of these
// before the response is written.
const (
	EventClientRegistered      = "client_registered"
	EventClientRejected        = "client_registration_rejected"
	EventAuthorizationStarted  = "authorization_request_started"
	EventAuthorizationApproved = "authorization_request_approved"
	EventCodeIssued            = "authorization_code_issued"
	EventCodeReuseDetected     = "authorization_code_reuse_detected"
	EventPKCEFailed            = "pkce_validation_failed"
	EventDPoPFailed            = "dpop_validation_failed"
	EventTokenIssued           = "token_issued"
	EventTokenRefreshed        = "token_refreshed"
	EventTokenRevoked          = "token_revoked"
	EventTokenReuseDetected    = "refresh_token_reuse_detected"
	EventAuthFailure           = "auth_failure"
	EventMFAVerified           = "mfa_verified"
	EventMFAFailed             = "mfa_verification_failed"
	EventRateLimitExceeded     = "rate_limit_exceeded"
	EventToolCallAllowed       = "tool_call_allowed"
	EventToolCallBlocked       = "tool_call_blocked"
	EventToolCallCompleted     = "tool_call_completed"
	EventToolCallFailed        = "tool_call_failed"
)

// Outcome values for tool-call audit records.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)
