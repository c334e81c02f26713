package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keelhq/agentgate/storage"
)

// Client types.
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Token endpoint auth methods.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
)

// ClientMetadata is the RFC 7591 registration request subset this server
// accepts.
type ClientMetadata struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
	Scope                   string
}

// RegisteredClient is the registration result. ClientSecret is the only
// place the plaintext secret ever appears; storage keeps a bcrypt hash.
type RegisteredClient struct {
	ClientID                string
	ClientSecret            string
	ClientType              string
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// RegisterClient registers a new OAuth client. Clients with auth method
// "none" are public and receive no secret; all others are confidential.
func (s *Server) RegisterClient(ctx context.Context, meta ClientMetadata) (*RegisteredClient, error) {
	if len(meta.RedirectURIs) == 0 {
		return nil, invalidClientMetadata("at least one redirect URI is required")
	}
	for _, uri := range meta.RedirectURIs {
		if err := validateRedirectURIFormat(uri); err != nil {
			s.Logger.Debug("Client registration rejected", "reason", err)
			return nil, invalidClientMetadata(err.Error())
		}
	}

	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodClientSecretBasic
	}
	switch authMethod {
	case AuthMethodNone, AuthMethodClientSecretBasic, AuthMethodClientSecretPost:
	default:
		return nil, invalidClientMetadata("unsupported token_endpoint_auth_method")
	}

	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, invalidClientMetadata("unsupported grant type: " + gt)
		}
	}

	if err := s.validateScopes(meta.Scope); err != nil {
		return nil, invalidClientMetadata(err.Error())
	}

	clientID := uuid.NewString()
	clientType := ClientTypeConfidential
	var secret, secretHash string
	if authMethod == AuthMethodNone {
		clientType = ClientTypePublic
	} else {
		secret = generateToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		secretHash = string(hash)
	}

	now := s.now()
	record := &storage.Client{
		ClientID:                clientID,
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		ClientName:              meta.ClientName,
		RedirectURIs:            meta.RedirectURIs,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
		Scopes:                  parseScopes(meta.Scope),
		CreatedAt:               now,
	}
	if err := s.clientStore.SaveClient(ctx, record); err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(clientID, clientType)
	}
	s.Logger.Info("Client registered",
		"client_id", clientID,
		"client_type", clientType,
		"client_name", meta.ClientName)

	return &RegisteredClient{
		ClientID:                clientID,
		ClientSecret:            secret,
		ClientType:              clientType,
		ClientName:              meta.ClientName,
		RedirectURIs:            meta.RedirectURIs,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               now,
	}, nil
}

// authenticateClient resolves and authenticates a client for the token and
// revocation endpoints. Public clients authenticate by client_id alone;
// confidential clients must present their secret.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, invalidClient("client_id is required")
	}
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Unknown client", "client_id", clientID)
		return nil, invalidClient("client authentication failed")
	}
	if client.TokenEndpointAuthMethod == AuthMethodNone {
		return client, nil
	}
	if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		if s.auditEnabled(clientID) {
			s.Auditor.LogAuthFailure("", clientID, "invalid_client_secret")
		}
		return nil, invalidClient("client authentication failed")
	}
	return client, nil
}
