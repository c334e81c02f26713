package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keelhq/agentgate/storage"
)

// tokenIDLogLength is the number of characters of a token included in debug
// logs; enough to correlate, not enough to replay.
const tokenIDLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	authRequests  map[string]*storage.AuthorizationRequest
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	totpSecrets   map[string]string

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.MFAStore    = (*Store)(nil)
)

// New creates an in-memory store with the default cleanup interval of one
// minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store sweeping expired records every
// interval. An interval <= 0 disables the background sweep; expiry is still
// enforced lazily on access, the sweep only bounds memory.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		authRequests:    make(map[string]*storage.AuthorizationRequest),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		totpSecrets:     make(map[string]string),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}
	if interval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Close stops the background sweep and drops all state.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = make(map[string]*storage.Client)
	s.authRequests = make(map[string]*storage.AuthorizationRequest)
	s.authCodes = make(map[string]*storage.AuthorizationCode)
	s.accessTokens = make(map[string]*storage.AccessToken)
	s.refreshTokens = make(map[string]*storage.RefreshToken)
	s.totpSecrets = make(map[string]string)
}

// ---- ClientStore ----

func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
	}
	cp := *client
	return &cp, nil
}

func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
	}
	if client.ClientSecretHash == "" {
		return fmt.Errorf("client %q is public and has no secret", clientID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client secret")
	}
	return nil
}

func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		clients = append(clients, &cp)
	}
	return clients, nil
}

// ---- FlowStore ----

func (s *Store) SaveAuthorizationRequest(_ context.Context, req *storage.AuthorizationRequest) error {
	if req == nil || req.RequestID == "" {
		return fmt.Errorf("authorization request and request ID are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.authRequests[req.RequestID] = &cp
	return nil
}

func (s *Store) GetAuthorizationRequest(_ context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.authRequests[requestID]
	if !ok {
		return nil, fmt.Errorf("authorization request: %w", storage.ErrNotFound)
	}
	if time.Now().After(req.ExpiresAt) {
		return nil, fmt.Errorf("authorization request: %w", storage.ErrExpired)
	}
	cp := *req
	return &cp, nil
}

func (s *Store) DeleteAuthorizationRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authRequests, requestID)
	return nil
}

func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.authCodes[code.Code] = &cp
	return nil
}

// AtomicConsumeAuthorizationCode checks and marks a code used under a single
// lock acquisition, so two concurrent redemptions have exactly one winner.
// Used codes are retained until expiry for reuse detection.
func (s *Store) AtomicConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrNotFound)
	}
	if record.Used {
		cp := *record
		return &cp, fmt.Errorf("authorization code: %w", storage.ErrCodeConsumed)
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrExpired)
	}

	record.Used = true
	s.logger.Debug("Authorization code consumed",
		"code_prefix", truncate(code, tokenIDLogLength),
		"client_id", record.ClientID)

	cp := *record
	return &cp, nil
}

func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authCodes, code)
	return nil
}

// ---- TokenStore ----

func (s *Store) SaveAccessToken(_ context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("access token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.accessTokens[token.Token] = &cp
	return nil
}

func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.accessTokens[token]
	if !ok {
		return nil, fmt.Errorf("access token: %w", storage.ErrNotFound)
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("access token: %w", storage.ErrExpired)
	}
	cp := *record
	return &cp, nil
}

func (s *Store) DeleteAccessToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
	return nil
}

func (s *Store) SaveRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("refresh token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.refreshTokens[token.Token] = &cp
	return nil
}

// AtomicGetAndDeleteRefreshToken retrieves and removes a refresh token under
// one lock acquisition; concurrent refresh attempts for the same token have
// exactly one winner.
func (s *Store) AtomicGetAndDeleteRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrNotFound)
	}
	delete(s.refreshTokens, token)

	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrExpired)
	}

	s.logger.Debug("Refresh token consumed",
		"token_prefix", truncate(token, tokenIDLogLength),
		"client_id", record.ClientID)

	cp := *record
	return &cp, nil
}

func (s *Store) RevokeAllForUserClient(_ context.Context, userID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for token, record := range s.accessTokens {
		if record.UserID == userID && record.ClientID == clientID {
			delete(s.accessTokens, token)
			revoked++
		}
	}
	for token, record := range s.refreshTokens {
		if record.UserID == userID && record.ClientID == clientID {
			delete(s.refreshTokens, token)
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revoked)
	}
	return revoked, nil
}

// ---- MFAStore ----

func (s *Store) SaveTOTPSecret(_ context.Context, userID, secret string) error {
	if userID == "" || secret == "" {
		return fmt.Errorf("user ID and secret are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totpSecrets[userID] = secret
	return nil
}

func (s *Store) GetTOTPSecret(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.totpSecrets[userID]
	if !ok {
		return "", fmt.Errorf("TOTP secret for user: %w", storage.ErrNotFound)
	}
	return secret, nil
}

// ---- Maintenance ----

// Stats reports record counts for observability gauges.
type Stats struct {
	Clients       int64
	AuthRequests  int64
	AuthCodes     int64
	AccessTokens  int64
	RefreshTokens int64
}

// Stats returns a snapshot of record counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Clients:       int64(len(s.clients)),
		AuthRequests:  int64(len(s.authRequests)),
		AuthCodes:     int64(len(s.authCodes)),
		AccessTokens:  int64(len(s.accessTokens)),
		RefreshTokens: int64(len(s.refreshTokens)),
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

// Sweep removes expired requests, codes, and tokens. Lazy expiry on access
// keeps the store correct without it; the sweep bounds memory.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, req := range s.authRequests {
		if now.After(req.ExpiresAt) {
			delete(s.authRequests, id)
			removed++
		}
	}
	for code, record := range s.authCodes {
		if now.After(record.ExpiresAt) {
			delete(s.authCodes, code)
			removed++
		}
	}
	for token, record := range s.accessTokens {
		if now.After(record.ExpiresAt) {
			delete(s.accessTokens, token)
			removed++
		}
	}
	for token, record := range s.refreshTokens {
		if now.After(record.ExpiresAt) {
			delete(s.refreshTokens, token)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Storage sweep completed", "removed", removed)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
