package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never put credential values (tokens, codes, secrets, proofs) in traces;
// only metadata like types, booleans, and durations. Traces outlive
// requests and are visible to a wider audience than the server itself.
const (
	// OAuth flow attributes
	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrScope      = "oauth.scope"
	AttrGrantType  = "oauth.grant_type"
	AttrClientType = "oauth.client_type"
	AttrTokenType  = "oauth.token_type" //nolint:gosec // type label, not a credential
	AttrDPoPBound  = "oauth.dpop_bound"
	AttrCodeReuse  = "oauth.code.reuse"
	AttrTokenReuse = "oauth.token.reuse" //nolint:gosec // boolean flag, not a credential
	AttrError      = "oauth.error"

	// MCP dispatch attributes
	AttrSessionID   = "mcp.session_id"
	AttrMethod      = "mcp.method"
	AttrTool        = "mcp.tool"
	AttrOutcome     = "mcp.outcome"
	AttrDenyReason  = "mcp.deny_reason"
	AttrRequestID   = "mcp.request_id"
	AttrLimitType   = "mcp.limit_type"
	AttrRetryAfterS = "mcp.retry_after_seconds"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with error status (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe).
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common OAuth flow attributes to a span (nil-safe).
func AddFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddToolCallAttributes adds tool dispatch attributes to a span (nil-safe).
func AddToolCallAttributes(span trace.Span, sessionID, tool string) {
	if sessionID != "" {
		SetSpanAttributes(span, attribute.String(AttrSessionID, sessionID))
	}
	if tool != "" {
		SetSpanAttributes(span, attribute.String(AttrTool, tool))
	}
}
