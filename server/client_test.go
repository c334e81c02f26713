package server

import (
	"context"
	"testing"
)

func TestRegisterClientPublic(t *testing.T) {
	srv := newTestServer(t)
	client, err := srv.RegisterClient(context.Background(), ClientMetadata{
		ClientName:              "cli tool",
		RedirectURIs:            []string{"http://127.0.0.1:8123/callback"},
		TokenEndpointAuthMethod: AuthMethodNone,
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if client.ClientType != ClientTypePublic {
		t.Errorf("ClientType = %q, want public", client.ClientType)
	}
	if client.ClientSecret != "" {
		t.Error("public client received a secret")
	}
	if client.ClientID == "" {
		t.Error("missing client ID")
	}
}

func TestRegisterClientConfidential(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	client, err := srv.RegisterClient(ctx, ClientMetadata{
		ClientName:   "backend service",
		RedirectURIs: []string{"https://svc.example.com/cb"},
	})
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if client.ClientType != ClientTypeConfidential {
		t.Errorf("ClientType = %q, want confidential", client.ClientType)
	}
	if client.ClientSecret == "" {
		t.Fatal("confidential client received no secret")
	}
	if client.TokenEndpointAuthMethod != AuthMethodClientSecretBasic {
		t.Errorf("auth method = %q", client.TokenEndpointAuthMethod)
	}

	// The plaintext secret authenticates; a wrong one does not.
	if _, err := srv.authenticateClient(ctx, client.ClientID, client.ClientSecret); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	if _, err := srv.authenticateClient(ctx, client.ClientID, "wrong"); err == nil {
		t.Error("wrong secret accepted")
	}
}

func TestRegisterClientMetadataValidation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		meta ClientMetadata
	}{
		{"no redirect URIs", ClientMetadata{ClientName: "x"}},
		{"relative redirect URI", ClientMetadata{RedirectURIs: []string{"/callback"}}},
		{"http non-loopback", ClientMetadata{RedirectURIs: []string{"http://example.com/cb"}}},
		{"fragment in URI", ClientMetadata{RedirectURIs: []string{"https://example.com/cb#frag"}}},
		{"bad auth method", ClientMetadata{RedirectURIs: []string{"https://example.com/cb"}, TokenEndpointAuthMethod: "private_key_jwt"}},
		{"bad grant type", ClientMetadata{RedirectURIs: []string{"https://example.com/cb"}, GrantTypes: []string{"implicit"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.RegisterClient(ctx, tt.meta)
			if err == nil {
				t.Fatal("expected error")
			}
			assertOAuthError(t, err, ErrorCodeInvalidClientMetadata)
		})
	}
}

func TestRegisterClientAllowsLoopbackAndCustomSchemes(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for _, uri := range []string{
		"http://localhost:9999/cb",
		"http://127.0.0.1/cb",
		"https://app.example.com/cb",
		"myapp://oauth/callback",
	} {
		if _, err := srv.RegisterClient(ctx, ClientMetadata{RedirectURIs: []string{uri}}); err != nil {
			t.Errorf("redirect URI %q rejected: %v", uri, err)
		}
	}
}

func TestScopeAllowlist(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.SupportedScopes = []string{"mcp:tools:read", "mcp:tools:write"}
	ctx := context.Background()

	if _, err := srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs: []string{"https://app.example.com/cb"},
		Scope:        "mcp:tools:read",
	}); err != nil {
		t.Errorf("supported scope rejected: %v", err)
	}
	if _, err := srv.RegisterClient(ctx, ClientMetadata{
		RedirectURIs: []string{"https://app.example.com/cb"},
		Scope:        "galactic:domination",
	}); err == nil {
		t.Error("unsupported scope accepted")
	}
}
