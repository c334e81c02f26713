package storage

import (
	"context"
	"errors"
	"time"
)

// Store errors. Backends must return these sentinels (possibly wrapped) so
// callers can distinguish absence, expiry, and replay without string
// matching.
var (
	ErrNotFound     = errors.New("storage: not found")
	ErrExpired      = errors.New("storage: expired")
	ErrCodeConsumed = errors.New("storage: authorization code already consumed")
)

// Client represents a registered OAuth client. Records are immutable after
// registration except via re-registration.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
	Scopes                  []string
	CreatedAt               time.Time
}

// AuthorizationRequest is a pending authorization attempt. It moves through
// requested → approved → code_issued; approval binds the user.
type AuthorizationRequest struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string // set at approval time
	Approved            bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// AuthorizationCode is an issued, single-use authorization code.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	MFAVerified         bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// AccessToken is an issued access token. When DPoPJKT is set the token is
// sender-constrained: presentation requires a fresh proof for the same key.
type AccessToken struct {
	Token       string
	ClientID    string
	UserID      string
	Scopes      []string
	DPoPJKT     string
	MFAVerified bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// HasScope reports whether the token carries the named scope.
func (t *AccessToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RefreshToken is an issued refresh token. Scope and binding carry over to
// access tokens minted from it.
type RefreshToken struct {
	Token       string
	ClientID    string
	UserID      string
	Scopes      []string
	DPoPJKT     string
	MFAVerified bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// ClientStore manages OAuth client registrations.
type ClientStore interface {
	// SaveClient stores a registered client, replacing any previous record
	// with the same client ID.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a confidential client's secret against
	// the stored hash.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore manages pending authorization requests and issued codes.
type FlowStore interface {
	// SaveAuthorizationRequest stores a pending authorization request.
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// GetAuthorizationRequest retrieves a pending request by ID.
	// Returns ErrExpired for requests past their TTL.
	GetAuthorizationRequest(ctx context.Context, requestID string) (*AuthorizationRequest, error)

	// DeleteAuthorizationRequest removes a pending request.
	DeleteAuthorizationRequest(ctx context.Context, requestID string) error

	// SaveAuthorizationCode stores an issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicConsumeAuthorizationCode atomically checks that a code is
	// unexpired and unused and marks it used. Exactly one of any number of
	// concurrent calls for the same code succeeds; losers receive
	// ErrCodeConsumed (reuse) or ErrNotFound/ErrExpired.
	//
	// The consumed record is retained until its TTL expires so that reuse
	// attempts can be detected and all tokens for the user+client revoked.
	AtomicConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore manages issued access and refresh tokens.
type TokenStore interface {
	// SaveAccessToken stores an access token record.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token record. Returns ErrExpired
	// for tokens past their TTL.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes an access token.
	DeleteAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken stores a refresh token record.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes a
	// refresh token. Only one of any number of concurrent refresh attempts
	// can win; this is the synchronization point for rotation.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeAllForUserClient removes every access and refresh token issued
	// to the user+client pair and returns the number revoked. Called when
	// code or refresh token reuse is detected.
	RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// MFAStore manages TOTP enrollment secrets.
type MFAStore interface {
	// SaveTOTPSecret stores an enrollment secret for a user.
	SaveTOTPSecret(ctx context.Context, userID, secret string) error

	// GetTOTPSecret retrieves a user's enrollment secret, or ErrNotFound
	// if the user is not enrolled.
	GetTOTPSecret(ctx context.Context, userID string) (string, error)
}
