package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keelhq/agentgate/security"
	"github.com/keelhq/agentgate/storage/memory"
)

const tokenEndpoint = "https://auth.example.com/token"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv, err := New(store, store, store, store, &Config{
		Issuer:                    "https://auth.example.com",
		AllowRefreshTokenRotation: true,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func registerPublicClient(t *testing.T, srv *Server) *RegisteredClient {
	t.Helper()
	client, err := srv.RegisterClient(context.Background(), ClientMetadata{
		ClientName:              "test app",
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: AuthMethodNone,
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return client
}

// runCodeFlow walks a client through authorize and approve, returning the
// issued code and the PKCE pair used.
func runCodeFlow(t *testing.T, srv *Server, clientID string) (*ApprovalResult, security.PKCEPair) {
	t.Helper()
	ctx := context.Background()
	pkce := security.GenerateChallenge()

	requestID, err := srv.CreateAuthorizationRequest(ctx, clientID,
		"https://app.example.com/callback", "mcp:tools:read", "state-123",
		pkce.Challenge, pkce.Method)
	if err != nil {
		t.Fatalf("CreateAuthorizationRequest: %v", err)
	}

	result, err := srv.ApproveAuthorizationRequest(ctx, requestID, "user-1")
	if err != nil {
		t.Fatalf("ApproveAuthorizationRequest: %v", err)
	}
	return result, pkce
}

func signDPoPProof(t *testing.T, priv *ecdsa.PrivateKey, method, url string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"htm": method,
		"htu": url,
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	})
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = security.JWKFromECDSA(&priv.PublicKey)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("signing proof: %v", err)
	}
	return signed
}

func assertOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	var oauthErr *Error
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error = %v, want *server.Error", err)
	}
	if oauthErr.Code != code {
		t.Errorf("error code = %q, want %q", oauthErr.Code, code)
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	result, pkce := runCodeFlow(t, srv, client.ClientID)

	if result.State != "state-123" {
		t.Errorf("State = %q", result.State)
	}

	tokens, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	})
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}
	if tokens.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q, want Bearer", tokens.TokenType)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Error("missing token material")
	}
	if tokens.Scope != "mcp:tools:read" {
		t.Errorf("Scope = %q", tokens.Scope)
	}

	record, err := srv.ValidateAccessToken(ctx, tokens.AccessToken, DPoPProofInput{})
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if record.UserID != "user-1" || record.ClientID != client.ClientID {
		t.Errorf("token record = %+v", record)
	}
	if !record.HasScope("mcp:tools:read") {
		t.Error("granted scope missing from token")
	}
}

func TestAuthorizationRequestValidation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	pkce := security.GenerateChallenge()

	tests := []struct {
		name                        string
		clientID, redirectURI       string
		state, challenge, challMeth string
		wantCode                    string
	}{
		{"missing state", client.ClientID, "https://app.example.com/callback", "", pkce.Challenge, "S256", ErrorCodeInvalidRequest},
		{"missing challenge", client.ClientID, "https://app.example.com/callback", "s", "", "S256", ErrorCodeInvalidRequest},
		{"plain method", client.ClientID, "https://app.example.com/callback", "s", pkce.Challenge, "plain", ErrorCodeInvalidRequest},
		{"unknown client", "nope", "https://app.example.com/callback", "s", pkce.Challenge, "S256", ErrorCodeInvalidClient},
		{"unregistered redirect", client.ClientID, "https://evil.example.com/cb", "s", pkce.Challenge, "S256", ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.CreateAuthorizationRequest(ctx, tt.clientID, tt.redirectURI, "mcp:tools:read", tt.state, tt.challenge, tt.challMeth)
			if err == nil {
				t.Fatal("expected error")
			}
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	result, _ := runCodeFlow(t, srv, client.ClientID)

	other := security.GenerateChallenge()
	_, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: other.Verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeRejectsWrongClientAndRedirect(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	other := registerPublicClient(t, srv)

	result, pkce := runCodeFlow(t, srv, client.ClientID)
	_, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     other.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	result, pkce = runCodeFlow(t, srv, client.ClientID)
	_, err = srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/other",
		CodeVerifier: pkce.Verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestCodeReuseRevokesIssuedTokens(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	result, pkce := runCodeFlow(t, srv, client.ClientID)

	req := ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	}
	tokens, err := srv.ExchangeAuthorizationCode(ctx, req)
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	// Replay the code: generic failure for the caller, and the tokens from
	// the first exchange stop working.
	_, err = srv.ExchangeAuthorizationCode(ctx, req)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	if _, err := srv.ValidateAccessToken(ctx, tokens.AccessToken, DPoPProofInput{}); err == nil {
		t.Error("access token survived code replay")
	}
	_, err = srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
	})
	if err == nil {
		t.Error("refresh token survived code replay")
	}
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	result, pkce := runCodeFlow(t, srv, client.ClientID)

	req := ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := srv.ExchangeAuthorizationCode(ctx, req); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	result, pkce := runCodeFlow(t, srv, client.ClientID)

	tokens, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	refreshed, err := srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
	})
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if refreshed.RefreshToken == tokens.RefreshToken {
		t.Error("refresh token not rotated")
	}
	if refreshed.AccessToken == tokens.AccessToken {
		t.Error("access token not replaced")
	}

	// The consumed refresh token is gone.
	_, err = srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// The rotated one works.
	if _, err := srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: refreshed.RefreshToken,
	}); err != nil {
		t.Errorf("rotated token rejected: %v", err)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)

	pkce := security.GenerateChallenge()
	requestID, err := srv.CreateAuthorizationRequest(ctx, client.ClientID,
		"https://app.example.com/callback", "mcp:tools:read mcp:tools:write",
		"state", pkce.Challenge, pkce.Method)
	if err != nil {
		t.Fatal(err)
	}
	result, err := srv.ApproveAuthorizationRequest(ctx, requestID, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	narrowed, err := srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
		Scope:        "mcp:tools:read",
	})
	if err != nil {
		t.Fatalf("narrowing refresh: %v", err)
	}
	if narrowed.Scope != "mcp:tools:read" {
		t.Errorf("Scope = %q", narrowed.Scope)
	}

	_, err = srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: narrowed.RefreshToken,
		Scope:        "mcp:tools:read admin",
	})
	assertOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestDPoPBoundTokens(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	result, pkce := runCodeFlow(t, srv, client.ClientID)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tokens, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
		DPoP: DPoPProofInput{
			Proof:  signDPoPProof(t, priv, "POST", tokenEndpoint),
			Method: "POST",
			URL:    tokenEndpoint,
		},
	})
	if err != nil {
		t.Fatalf("exchange with DPoP: %v", err)
	}
	if tokens.TokenType != TokenTypeDPoP {
		t.Errorf("TokenType = %q, want DPoP", tokens.TokenType)
	}

	resourceURL := "https://auth.example.com/mcp"

	// Bearer-style presentation of a bound token is rejected.
	if _, err := srv.ValidateAccessToken(ctx, tokens.AccessToken, DPoPProofInput{}); err == nil {
		t.Error("bound token accepted without proof")
	}

	// A proof from a different key is rejected.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.ValidateAccessToken(ctx, tokens.AccessToken, DPoPProofInput{
		Proof:  signDPoPProof(t, otherKey, "POST", resourceURL),
		Method: "POST",
		URL:    resourceURL,
	}); err == nil {
		t.Error("proof from wrong key accepted")
	}

	// A fresh proof from the bound key is accepted.
	record, err := srv.ValidateAccessToken(ctx, tokens.AccessToken, DPoPProofInput{
		Proof:  signDPoPProof(t, priv, "POST", resourceURL),
		Method: "POST",
		URL:    resourceURL,
	})
	if err != nil {
		t.Fatalf("bound presentation rejected: %v", err)
	}
	if record.DPoPJKT == "" {
		t.Error("record missing key binding")
	}

	// Refresh of a bound token requires a proof for the same key.
	_, err = srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
	})
	assertOAuthError(t, err, ErrorCodeInvalidDPoPProof)

	refreshed, err := srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
		DPoP: DPoPProofInput{
			Proof:  signDPoPProof(t, priv, "POST", tokenEndpoint),
			Method: "POST",
			URL:    tokenEndpoint,
		},
	})
	if err != nil {
		t.Fatalf("bound refresh: %v", err)
	}
	if refreshed.TokenType != TokenTypeDPoP {
		t.Error("binding lost across refresh")
	}
}

func TestRequireDPoPRejectsBareExchange(t *testing.T) {
	store := memory.NewWithInterval(0)
	t.Cleanup(store.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv, err := New(store, store, store, store, &Config{
		Issuer:      "https://auth.example.com",
		RequireDPoP: true,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	client := registerPublicClient(t, srv)
	result, pkce := runCodeFlow(t, srv, client.ClientID)

	_, err = srv.ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidDPoPProof)
}

func TestTOTPVerificationAtExchange(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)

	if _, err := srv.EnrollTOTP(ctx, "user-1", "user-1@example.com"); err != nil {
		t.Fatalf("EnrollTOTP: %v", err)
	}

	result, pkce := runCodeFlow(t, srv, client.ClientID)
	_, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
		TOTPCode:     "000000",
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRevokeToken(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	result, pkce := runCodeFlow(t, srv, client.ClientID)

	tokens, err := srv.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		ClientID:     client.ClientID,
		Code:         result.Code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: pkce.Verifier,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := srv.RevokeToken(ctx, client.ClientID, "", tokens.AccessToken, ""); err != nil {
		t.Fatalf("RevokeToken(access): %v", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, tokens.AccessToken, DPoPProofInput{}); err == nil {
		t.Error("revoked access token still valid")
	}

	if err := srv.RevokeToken(ctx, client.ClientID, "", tokens.RefreshToken, "refresh_token"); err != nil {
		t.Fatalf("RevokeToken(refresh): %v", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, RefreshRequest{
		ClientID:     client.ClientID,
		RefreshToken: tokens.RefreshToken,
	}); err == nil {
		t.Error("revoked refresh token still usable")
	}

	// RFC 7009: unknown tokens revoke successfully.
	if err := srv.RevokeToken(ctx, client.ClientID, "", "no-such-token", ""); err != nil {
		t.Errorf("unknown token revocation = %v, want nil", err)
	}
}

func TestApproveExpiredRequest(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client := registerPublicClient(t, srv)
	pkce := security.GenerateChallenge()

	srv.now = func() time.Time { return time.Now().Add(-time.Hour) }
	requestID, err := srv.CreateAuthorizationRequest(ctx, client.ClientID,
		"https://app.example.com/callback", "mcp:tools:read", "s", pkce.Challenge, pkce.Method)
	if err != nil {
		t.Fatal(err)
	}
	srv.now = time.Now

	if _, err := srv.ApproveAuthorizationRequest(ctx, requestID, "user-1"); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("expired approval = %v, want ErrRequestExpired", err)
	}
	if _, err := srv.ApproveAuthorizationRequest(ctx, "missing", "user-1"); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("missing approval = %v, want ErrRequestNotFound", err)
	}
}
