package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes structured security events with PII protection.
// User identifiers are hashed before logging; client identifiers and tool
// names are operational data and logged verbatim. The audit stream is a
// security log, not telemetry: callers on denial paths must emit their
// event before returning.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor. A nil logger falls back to
// slog.Default().
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	SessionID string
	Tool      string
	Outcome   string
	Reason    string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed user identity.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	attrs := []any{
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"timestamp", event.Timestamp,
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.Tool != "" {
		attrs = append(attrs, "tool", event.Tool)
	}
	if event.Outcome != "" {
		attrs = append(attrs, "outcome", event.Outcome)
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	if event.Details != nil {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Info("security_audit", attrs...)
}

// LogTokenIssued logs issuance of an access/refresh token pair.
func (a *Auditor) LogTokenIssued(userID, clientID, scope string, dpopBound bool) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope":      scope,
			"dpop_bound": dpopBound,
		},
	})
}

// LogTokenRefreshed logs a refresh grant.
func (a *Auditor) LogTokenRefreshed(userID, clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs token revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs an authentication or grant failure.
func (a *Auditor) LogAuthFailure(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		UserID:   userID,
		ClientID: clientID,
		Reason:   reason,
	})
}

// LogClientRegistered logs a new client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogRateLimitExceeded logs a rate limit denial.
func (a *Auditor) LogRateLimitExceeded(userID, clientID, limitType string) {
	a.LogEvent(Event{
		Type:     EventRateLimitExceeded,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"limit_type": limitType,
		},
	})
}

// LogToolCallBlocked logs a denied tool invocation. Actor, resource,
// outcome, and reason are all present so the record stands alone.
func (a *Auditor) LogToolCallBlocked(userID, clientID, sessionID, tool, reason string) {
	a.LogEvent(Event{
		Type:      EventToolCallBlocked,
		UserID:    userID,
		ClientID:  clientID,
		SessionID: sessionID,
		Tool:      tool,
		Outcome:   OutcomeBlocked,
		Reason:    reason,
	})
}

// LogToolCallCompleted logs a finished tool invocation, success or failure.
func (a *Auditor) LogToolCallCompleted(userID, clientID, sessionID, tool string, durationMs int64, success bool, reason string) {
	eventType := EventToolCallCompleted
	outcome := OutcomeSuccess
	if !success {
		eventType = EventToolCallFailed
		outcome = OutcomeFailure
	}
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		ClientID:  clientID,
		SessionID: sessionID,
		Tool:      tool,
		Outcome:   outcome,
		Reason:    reason,
		Details: map[string]any{
			"duration_ms": durationMs,
		},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data so audit
// records can be correlated without storing raw identities.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
