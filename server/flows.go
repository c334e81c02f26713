package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/keelhq/agentgate/security"
	"github.com/keelhq/agentgate/storage"
)

// Flow errors surfaced to the authorization endpoint.
var (
	ErrRequestNotFound = errors.New("authorization request not found")
	ErrRequestExpired  = errors.New("authorization request expired")
)

// Token types for the token_type response field and revocation hints.
const (
	TokenTypeBearer = "Bearer"
	TokenTypeDPoP   = "DPoP"
)

// DPoPProofInput carries an unverified DPoP proof together with the HTTP
// method and URL it must cover. Zero value means no proof was presented.
type DPoPProofInput struct {
	Proof  string
	Method string
	URL    string
}

func (p DPoPProofInput) present() bool {
	return p.Proof != ""
}

// ExchangeRequest is an authorization_code grant.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	DPoP         DPoPProofInput
	// TOTPCode optionally verifies the user's second factor at exchange
	// time; a valid code marks the issued tokens MFA-verified.
	TOTPCode string
}

// RefreshRequest is a refresh_token grant. Scope may narrow the granted
// scopes; it can never widen them.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scope        string
	DPoP         DPoPProofInput
}

// IssuedTokens is a successful token endpoint response.
type IssuedTokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
}

// CreateAuthorizationRequest validates and stores a pending authorization
// request. PKCE with S256 is mandatory, as is the state parameter.
func (s *Server) CreateAuthorizationRequest(ctx context.Context, clientID, redirectURI, scope, state, codeChallenge, codeChallengeMethod string) (string, error) {
	if state == "" {
		if s.auditEnabled(clientID) {
			s.Auditor.LogAuthFailure("", clientID, "missing_state_parameter")
		}
		return "", invalidRequest("state parameter is required")
	}
	if codeChallenge == "" {
		if s.auditEnabled(clientID) {
			s.Auditor.LogAuthFailure("", clientID, "missing_pkce_parameters")
		}
		return "", invalidRequest("code_challenge is required")
	}
	if codeChallengeMethod != security.PKCEMethodS256 {
		if s.auditEnabled(clientID) {
			s.Auditor.LogAuthFailure("", clientID, "unsupported_pkce_method")
		}
		return "", invalidRequest("only the S256 code_challenge_method is supported")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if s.auditEnabled(clientID) {
			s.Auditor.LogAuthFailure("", clientID, ErrorCodeInvalidClient)
		}
		return "", invalidClient("unknown client")
	}
	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		if s.auditEnabled(clientID) {
			s.Auditor.LogAuthFailure("", clientID, "invalid_redirect_uri")
		}
		return "", invalidRequest("redirect URI not registered")
	}
	if err := s.validateScopes(scope); err != nil {
		return "", invalidScope(err.Error())
	}

	now := s.now()
	req := &storage.AuthorizationRequest{
		RequestID:           uuid.NewString(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.requestTTL()),
	}
	if err := s.flowStore.SaveAuthorizationRequest(ctx, req); err != nil {
		return "", err
	}

	s.Logger.Debug("Authorization request created",
		"request_id", req.RequestID,
		"client_id", clientID,
		"scope", scope)
	return req.RequestID, nil
}

// ApprovalResult carries what the authorization endpoint needs to complete
// the redirect back to the client.
type ApprovalResult struct {
	Code        string
	RedirectURI string
	State       string
}

// ApproveAuthorizationRequest binds an authenticated user to a pending
// request and issues a single-use authorization code.
func (s *Server) ApproveAuthorizationRequest(ctx context.Context, requestID, userID string) (*ApprovalResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required for approval")
	}

	req, err := s.flowStore.GetAuthorizationRequest(ctx, requestID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrExpired):
			return nil, ErrRequestExpired
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrRequestNotFound
		default:
			return nil, err
		}
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateToken(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              userID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.codeTTL()),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, err
	}
	if err := s.flowStore.DeleteAuthorizationRequest(ctx, requestID); err != nil {
		s.Logger.Warn("Failed to delete authorization request", "error", err)
	}

	s.Logger.Info("Authorization request approved",
		"request_id", requestID,
		"client_id", req.ClientID,
		"code_prefix", safeTruncate(code.Code, tokenLogLength))

	return &ApprovalResult{
		Code:        code.Code,
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}, nil
}

// ExchangeAuthorizationCode redeems an authorization code for tokens. The
// code is consumed atomically: replays revoke every token already issued
// for the user and client. All grant failures look identical to the client.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*IssuedTokens, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := s.flowStore.AtomicConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrCodeConsumed) && code != nil {
			// Replay: an attacker or a retrying client presented a code
			// twice. Everything issued from it is suspect.
			revoked, revokeErr := s.tokenStore.RevokeAllForUserClient(ctx, code.UserID, code.ClientID)
			if revokeErr != nil {
				s.Logger.Error("Failed to revoke tokens after code reuse", "error", revokeErr)
			}
			if s.auditEnabled(req.ClientID) {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventCodeReuseDetected,
					UserID:   code.UserID,
					ClientID: code.ClientID,
					Outcome:  security.OutcomeBlocked,
					Reason:   "authorization code reuse",
					Details:  map[string]any{"tokens_revoked": revoked},
				})
			}
			s.Logger.Warn("Authorization code reuse detected",
				"client_id", code.ClientID,
				"code_prefix", safeTruncate(req.Code, tokenLogLength))
		} else {
			s.Logger.Debug("Authorization code redemption failed", "error", err)
		}
		return nil, invalidGrant()
	}

	if code.ClientID != req.ClientID {
		s.Logger.Debug("Code redeemed by wrong client",
			"expected", code.ClientID, "got", req.ClientID)
		return nil, invalidGrant()
	}
	if code.RedirectURI != req.RedirectURI {
		s.Logger.Debug("Redirect URI mismatch at exchange")
		return nil, invalidGrant()
	}

	if err := security.ValidateVerifierFormat(req.CodeVerifier); err != nil {
		s.Logger.Debug("Malformed code verifier", "error", err)
		return nil, invalidGrant()
	}
	if !security.VerifyChallenge(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
		if s.auditEnabled(req.ClientID) {
			s.Auditor.LogAuthFailure(code.UserID, req.ClientID, "pkce_verification_failed")
		}
		return nil, invalidGrant()
	}

	jkt, err := s.verifyDPoPForIssuance(req.DPoP, req.ClientID)
	if err != nil {
		return nil, err
	}

	mfaVerified := code.MFAVerified
	if req.TOTPCode != "" {
		ok, err := s.verifyTOTP(ctx, code.UserID, req.TOTPCode)
		if err != nil {
			return nil, err
		}
		if !ok {
			if s.auditEnabled(req.ClientID) {
				s.Auditor.LogAuthFailure(code.UserID, req.ClientID, "totp_verification_failed")
			}
			return nil, invalidGrant()
		}
		mfaVerified = true
	}

	tokens, err := s.issueTokens(ctx, client, code.UserID, parseScopes(code.Scope), jkt, mfaVerified)
	if err != nil {
		return nil, err
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(code.UserID, req.ClientID, code.Scope, jkt != "")
	}
	return tokens, nil
}

// RefreshAccessToken redeems a refresh token for a new access token. With
// rotation enabled the refresh token is single-use and a replacement is
// issued; a presented token that has already been rotated is treated as
// replay and all tokens for the user+client are revoked.
func (s *Server) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*IssuedTokens, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	record, err := s.tokenStore.AtomicGetAndDeleteRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		s.Logger.Debug("Refresh token redemption failed", "error", err)
		return nil, invalidGrant()
	}

	if record.ClientID != req.ClientID {
		// A rotated-out or stolen token presented by another client.
		revoked, revokeErr := s.tokenStore.RevokeAllForUserClient(ctx, record.UserID, record.ClientID)
		if revokeErr != nil {
			s.Logger.Error("Failed to revoke tokens after refresh token misuse", "error", revokeErr)
		}
		if s.auditEnabled(req.ClientID) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventTokenReuseDetected,
				UserID:   record.UserID,
				ClientID: record.ClientID,
				Outcome:  security.OutcomeBlocked,
				Reason:   "refresh token presented by wrong client",
				Details:  map[string]any{"tokens_revoked": revoked},
			})
		}
		return nil, invalidGrant()
	}

	// Sender-constrained refresh tokens require a proof for the same key
	// at every use.
	jkt := record.DPoPJKT
	if jkt != "" {
		if !req.DPoP.present() {
			return nil, invalidDPoPProof("DPoP proof required for bound refresh token")
		}
		if _, err := s.dpopVerifier.Verify(req.DPoP.Proof, req.DPoP.Method, req.DPoP.URL, jkt); err != nil {
			if s.auditEnabled(req.ClientID) {
				s.Auditor.LogAuthFailure(record.UserID, req.ClientID, "dpop_verification_failed")
			}
			s.Logger.Debug("DPoP verification failed on refresh", "error", err)
			return nil, invalidDPoPProof("DPoP proof verification failed")
		}
	} else if req.DPoP.present() {
		// Unbound refresh token with a proof: bind the new tokens.
		boundJKT, err := s.verifyDPoPForIssuance(req.DPoP, req.ClientID)
		if err != nil {
			return nil, err
		}
		jkt = boundJKT
	}

	grantedScopes := record.Scopes
	if req.Scope != "" {
		requested := parseScopes(req.Scope)
		if !scopesSubset(requested, record.Scopes) {
			return nil, invalidScope("requested scope exceeds original grant")
		}
		grantedScopes = requested
	}

	if !s.Config.AllowRefreshTokenRotation {
		// Rotation disabled: the consumed token stays valid, put it back.
		if err := s.tokenStore.SaveRefreshToken(ctx, record); err != nil {
			return nil, err
		}
	}

	tokens, err := s.issueTokensFromRefresh(ctx, client, record, grantedScopes, jkt)
	if err != nil {
		return nil, err
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.UserID, req.ClientID, s.Config.AllowRefreshTokenRotation)
	}
	return tokens, nil
}

// ValidateAccessToken resolves a presented access token, enforcing DPoP
// sender-constraint when the token is bound. Fails closed: any doubt about
// the token or its proof rejects the request.
func (s *Server) ValidateAccessToken(ctx context.Context, token string, proof DPoPProofInput) (*storage.AccessToken, error) {
	if token == "" {
		return nil, fmt.Errorf("missing access token")
	}

	record, err := s.tokenStore.GetAccessToken(ctx, token)
	if err != nil {
		s.Logger.Debug("Access token lookup failed", "error", err)
		return nil, fmt.Errorf("invalid access token")
	}

	if record.DPoPJKT != "" {
		if !proof.present() {
			if s.auditEnabled(record.ClientID) {
				s.Auditor.LogAuthFailure(record.UserID, record.ClientID, "missing_dpop_proof")
			}
			return nil, fmt.Errorf("DPoP proof required")
		}
		if _, err := s.dpopVerifier.Verify(proof.Proof, proof.Method, proof.URL, record.DPoPJKT); err != nil {
			if s.auditEnabled(record.ClientID) {
				s.Auditor.LogAuthFailure(record.UserID, record.ClientID, "dpop_verification_failed")
			}
			s.Logger.Debug("DPoP verification failed", "error", err)
			return nil, fmt.Errorf("DPoP proof verification failed")
		}
	}

	return record, nil
}

// RevokeToken implements RFC 7009: the client must authenticate, after
// which revocation of any token it was issued succeeds. Revoking an unknown
// token is not an error.
func (s *Server) RevokeToken(ctx context.Context, clientID, clientSecret, token, tokenTypeHint string) error {
	if _, err := s.authenticateClient(ctx, clientID, clientSecret); err != nil {
		return err
	}
	if token == "" {
		return invalidRequest("token is required")
	}

	// Try the hinted type first, then the other. Lookups keep revocation
	// scoped to the authenticated client's own tokens.
	tryRefresh := func() bool {
		record, err := s.tokenStore.AtomicGetAndDeleteRefreshToken(ctx, token)
		if err != nil || record.ClientID != clientID {
			if err == nil {
				// Not this client's token; put it back untouched.
				if saveErr := s.tokenStore.SaveRefreshToken(ctx, record); saveErr != nil {
					s.Logger.Error("Failed to restore refresh token", "error", saveErr)
				}
			}
			return false
		}
		if s.Auditor != nil {
			s.Auditor.LogTokenRevoked(record.UserID, clientID, "refresh_token")
		}
		return true
	}
	tryAccess := func() bool {
		record, err := s.tokenStore.GetAccessToken(ctx, token)
		if err != nil || record.ClientID != clientID {
			return false
		}
		if err := s.tokenStore.DeleteAccessToken(ctx, token); err != nil {
			s.Logger.Error("Failed to delete access token", "error", err)
			return false
		}
		if s.Auditor != nil {
			s.Auditor.LogTokenRevoked(record.UserID, clientID, "access_token")
		}
		return true
	}

	if tokenTypeHint == "refresh_token" {
		_ = tryRefresh() || tryAccess()
	} else {
		_ = tryAccess() || tryRefresh()
	}
	return nil
}

// EnrollTOTP creates and stores a TOTP secret for a user. The returned
// otpauth URL is shown once for authenticator app enrollment.
func (s *Server) EnrollTOTP(ctx context.Context, userID, accountName string) (string, error) {
	if s.mfaStore == nil {
		return "", fmt.Errorf("MFA is not enabled")
	}
	key, err := security.GenerateTOTPSecret(s.Config.Issuer, accountName)
	if err != nil {
		return "", err
	}
	if err := s.mfaStore.SaveTOTPSecret(ctx, userID, key.Secret()); err != nil {
		return "", err
	}
	s.Logger.Info("TOTP enrolled", "account", accountName)
	return key.URL(), nil
}

func (s *Server) verifyTOTP(ctx context.Context, userID, code string) (bool, error) {
	if s.mfaStore == nil {
		return false, nil
	}
	secret, err := s.mfaStore.GetTOTPSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return security.VerifyTOTP(code, secret), nil
}

// verifyDPoPForIssuance verifies a proof presented at the token endpoint
// and returns the key thumbprint to bind issued tokens to. Returns an empty
// thumbprint when no proof was presented and DPoP is not required.
func (s *Server) verifyDPoPForIssuance(proof DPoPProofInput, clientID string) (string, error) {
	if !proof.present() {
		if s.Config.RequireDPoP {
			return "", invalidDPoPProof("DPoP proof is required")
		}
		return "", nil
	}
	verified, err := s.dpopVerifier.Verify(proof.Proof, proof.Method, proof.URL, "")
	if err != nil {
		if s.auditEnabled(clientID) {
			s.Auditor.LogAuthFailure("", clientID, "dpop_verification_failed")
		}
		s.Logger.Debug("DPoP verification failed at issuance", "error", err)
		return "", invalidDPoPProof("DPoP proof verification failed")
	}
	return verified.JKT, nil
}

func (s *Server) issueTokens(ctx context.Context, client *storage.Client, userID string, scopes []string, jkt string, mfaVerified bool) (*IssuedTokens, error) {
	now := s.now()

	access := &storage.AccessToken{
		Token:       generateToken(),
		ClientID:    client.ClientID,
		UserID:      userID,
		Scopes:      scopes,
		DPoPJKT:     jkt,
		MFAVerified: mfaVerified,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.accessTokenTTL()),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, access); err != nil {
		return nil, err
	}

	refresh := &storage.RefreshToken{
		Token:       generateToken(),
		ClientID:    client.ClientID,
		UserID:      userID,
		Scopes:      scopes,
		DPoPJKT:     jkt,
		MFAVerified: mfaVerified,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.refreshTokenTTL()),
	}
	if err := s.tokenStore.SaveRefreshToken(ctx, refresh); err != nil {
		return nil, err
	}

	tokenType := TokenTypeBearer
	if jkt != "" {
		tokenType = TokenTypeDPoP
	}
	return &IssuedTokens{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    tokenType,
		ExpiresIn:    s.Config.AccessTokenTTL,
		Scope:        joinScopes(scopes),
	}, nil
}

func (s *Server) issueTokensFromRefresh(ctx context.Context, client *storage.Client, prior *storage.RefreshToken, scopes []string, jkt string) (*IssuedTokens, error) {
	now := s.now()

	access := &storage.AccessToken{
		Token:       generateToken(),
		ClientID:    client.ClientID,
		UserID:      prior.UserID,
		Scopes:      scopes,
		DPoPJKT:     jkt,
		MFAVerified: prior.MFAVerified,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.Config.accessTokenTTL()),
	}
	if err := s.tokenStore.SaveAccessToken(ctx, access); err != nil {
		return nil, err
	}

	refreshToken := prior.Token
	if s.Config.AllowRefreshTokenRotation {
		rotated := &storage.RefreshToken{
			Token:       generateToken(),
			ClientID:    client.ClientID,
			UserID:      prior.UserID,
			Scopes:      prior.Scopes,
			DPoPJKT:     jkt,
			MFAVerified: prior.MFAVerified,
			IssuedAt:    now,
			ExpiresAt:   now.Add(s.Config.refreshTokenTTL()),
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, rotated); err != nil {
			return nil, err
		}
		refreshToken = rotated.Token
	}

	tokenType := TokenTypeBearer
	if jkt != "" {
		tokenType = TokenTypeDPoP
	}
	return &IssuedTokens{
		AccessToken:  access.Token,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresIn:    s.Config.AccessTokenTTL,
		Scope:        joinScopes(scopes),
	}, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
