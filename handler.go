// Package agentgate exposes the OAuth 2.1 authorization server and the MCP
// protocol dispatcher over HTTP: discovery metadata, the authorize/token/
// register/revoke endpoints, and the /mcp JSON-RPC endpoint gated by access
// tokens.
package agentgate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelhq/agentgate/instrumentation"
	"github.com/keelhq/agentgate/protocol"
	"github.com/keelhq/agentgate/security"
	"github.com/keelhq/agentgate/server"
	"github.com/keelhq/agentgate/storage"
)

// SessionIDHeader carries the MCP session ID between requests.
const SessionIDHeader = "Mcp-Session-Id"

// dpopHeader carries the DPoP proof JWS.
const dpopHeader = "DPoP"

// UserAuthenticator resolves the end user behind an authorization request.
// Deployments plug in their own first-party authentication (SSO cookie,
// upstream header, login form); a non-empty user ID approves the request.
type UserAuthenticator func(r *http.Request) (userID string, err error)

// Handler is the HTTP surface over the OAuth server and protocol
// dispatcher.
type Handler struct {
	server       *server.Server
	protocol     *protocol.Handler
	sessions     *protocol.SessionStore
	authenticate UserAuthenticator
	ipLimiter    *security.RateLimiter
	inst         *instrumentation.Instrumentation
	tracer       trace.Tracer
	logger       *slog.Logger
}

// NewHandler creates the HTTP handler. authenticate is required for the
// authorization endpoint; ipLimiter and inst are optional.
func NewHandler(
	srv *server.Server,
	proto *protocol.Handler,
	authenticate UserAuthenticator,
	ipLimiter *security.RateLimiter,
	inst *instrumentation.Instrumentation,
	logger *slog.Logger,
) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("oauth server is required")
	}
	if proto == nil {
		return nil, fmt.Errorf("protocol handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server:       srv,
		protocol:     proto,
		sessions:     proto.Sessions(),
		authenticate: authenticate,
		ipLimiter:    ipLimiter,
		inst:         inst,
		logger:       logger,
	}
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
	return h, nil
}

// RegisterRoutes attaches all endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.instrumented("/.well-known/oauth-authorization-server", h.ServeMetadata))
	mux.HandleFunc("/authorize", h.instrumented("/authorize", h.ServeAuthorization))
	mux.HandleFunc("POST /token", h.instrumented("/token", h.ServeToken))
	mux.HandleFunc("POST /register", h.instrumented("/register", h.ServeClientRegistration))
	mux.HandleFunc("POST /revoke", h.instrumented("/revoke", h.ServeTokenRevocation))
	mux.HandleFunc("POST /mcp", h.instrumented("/mcp", h.ServeMCP))
}

// instrumented wraps an endpoint with a span and request metrics. The span
// rides the request context so the endpoint handlers can attach flow
// attributes to it.
func (h *Handler) instrumented(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	if h.inst == nil {
		return fn
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), r.Method+" "+endpoint)
		defer span.End()
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrHTTPMethod, r.Method),
			attribute.String(instrumentation.AttrHTTPEndpoint, endpoint))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r.WithContext(ctx))

		instrumentation.SetSpanAttributes(span,
			attribute.Int(instrumentation.AttrHTTPStatusCode, sw.status))
		if sw.status >= http.StatusBadRequest {
			instrumentation.SetSpanError(span, http.StatusText(sw.status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint,
			sw.status, float64(time.Since(start).Milliseconds()))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// checkIPRateLimit applies the per-IP flood gate. Returns false when the
// request was rejected.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.ipLimiter == nil {
		return true
	}
	ip := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.ipLimiter.Allow(ip) {
		return true
	}
	h.logger.Warn("IP rate limit exceeded", "ip", ip, "endpoint", r.URL.Path)
	h.writeOAuthError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "too many requests", http.StatusTooManyRequests))
	return false
}

// ServeMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(h.server.Config.Issuer, "/")
	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		RevocationEndpoint:                issuer + "/revoke",
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{security.PKCEMethodS256},
		DPoPSigningAlgValuesSupported:     security.DPoPSigningAlgorithms,
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeAuthorization handles the authorization endpoint. The user is
// resolved through the configured authenticator; an authenticated user
// approves the request and is redirected back with a code.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if !h.checkIPRateLimit(w, r) {
		return
	}
	if h.authenticate == nil {
		h.writeOAuthError(w, ErrServerError("user authentication is not configured"))
		return
	}

	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "code" {
		h.writeOAuthError(w, ErrInvalidRequest("response_type must be code"))
		return
	}

	ctx := r.Context()
	requestID, err := h.server.CreateAuthorizationRequest(ctx,
		q.Get("client_id"), q.Get("redirect_uri"), q.Get("scope"),
		q.Get("state"), q.Get("code_challenge"), q.Get("code_challenge_method"))
	if err != nil {
		// Redirect URI is not validated yet, so errors go to the caller,
		// never to an attacker-chosen location.
		h.writeServerError(w, err)
		return
	}
	if h.inst != nil {
		h.inst.Metrics().RecordAuthorizationStarted(ctx)
	}

	userID, err := h.authenticate(r)
	if err != nil || userID == "" {
		h.logger.Debug("User authentication failed at authorization endpoint", "error", err)
		h.writeOAuthError(w, NewOAuthError(ErrorCodeAccessDenied, "user authentication required", http.StatusUnauthorized))
		return
	}

	result, err := h.server.ApproveAuthorizationRequest(ctx, requestID, userID)
	if err != nil {
		h.writeServerError(w, err)
		return
	}
	instrumentation.AddFlowAttributes(trace.SpanFromContext(ctx),
		q.Get("client_id"), userID, q.Get("scope"))

	redirect, err := url.Parse(result.RedirectURI)
	if err != nil {
		h.writeOAuthError(w, ErrServerError("stored redirect URI is invalid"))
		return
	}
	values := redirect.Query()
	values.Set("code", result.Code)
	values.Set("state", result.State)
	redirect.RawQuery = values.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles the token endpoint: authorization_code and
// refresh_token grants, with optional DPoP binding from the DPoP header.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.checkIPRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	dpop := h.dpopInput(r)

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		tokens, err := h.server.ExchangeAuthorizationCode(r.Context(), server.ExchangeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			DPoP:         dpop,
			TOTPCode:     r.PostForm.Get("totp_code"),
		})
		if err != nil {
			h.writeServerError(w, err)
			return
		}
		if h.inst != nil {
			h.inst.Metrics().RecordCodeExchange(r.Context(), tokens.TokenType == server.TokenTypeDPoP)
		}
		h.addTokenSpanAttributes(r, "authorization_code", clientID, tokens)
		h.writeTokenResponse(w, tokens)

	case "refresh_token":
		tokens, err := h.server.RefreshAccessToken(r.Context(), server.RefreshRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
			DPoP:         dpop,
		})
		if err != nil {
			h.writeServerError(w, err)
			return
		}
		if h.inst != nil {
			h.inst.Metrics().RecordTokenRefresh(r.Context(), h.server.Config.AllowRefreshTokenRotation)
		}
		h.addTokenSpanAttributes(r, "refresh_token", clientID, tokens)
		h.writeTokenResponse(w, tokens)

	default:
		h.writeOAuthError(w, ErrUnsupportedGrantType("supported grant types: authorization_code, refresh_token"))
	}
}

// addTokenSpanAttributes annotates the endpoint span with the issued grant.
// Token values themselves never go into traces.
func (h *Handler) addTokenSpanAttributes(r *http.Request, grantType, clientID string, tokens *server.IssuedTokens) {
	span := trace.SpanFromContext(r.Context())
	instrumentation.AddFlowAttributes(span, clientID, "", tokens.Scope)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrTokenType, tokens.TokenType),
		attribute.Bool(instrumentation.AttrDPoPBound, tokens.TokenType == server.TokenTypeDPoP))
}

// ServeClientRegistration handles RFC 7591 dynamic registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if !h.checkIPRateLimit(w, r) {
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.writeOAuthError(w, NewOAuthError(ErrorCodeInvalidClientMetadata, "malformed registration request", http.StatusBadRequest))
		return
	}

	client, err := h.server.RegisterClient(r.Context(), server.ClientMetadata{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	})
	if err != nil {
		h.writeServerError(w, err)
		return
	}
	if h.inst != nil {
		h.inst.Metrics().RecordClientRegistration(r.Context(), client.ClientType)
	}

	h.writeJSON(w, http.StatusCreated, clientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// ServeTokenRevocation handles RFC 7009 revocation. Sessions backed by a
// revoked grant are dropped with it.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.checkIPRateLimit(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	token := r.PostForm.Get("token")

	// Look up the token's identity before revoking so sessions can be
	// dropped too.
	var userID string
	if record, err := h.server.ValidateAccessToken(r.Context(), token, server.DPoPProofInput{}); err == nil && record.DPoPJKT == "" {
		userID = record.UserID
	}

	if err := h.server.RevokeToken(r.Context(), clientID, clientSecret, token, r.PostForm.Get("token_type_hint")); err != nil {
		h.writeServerError(w, err)
		return
	}
	if userID != "" {
		if removed := h.sessions.DeleteForClient(userID, clientID); removed > 0 {
			h.logger.Info("Sessions dropped after revocation", "client_id", clientID, "sessions", removed)
		}
	}
	if h.inst != nil {
		h.inst.Metrics().RecordTokenRevocation(r.Context())
	}

	// RFC 7009: 200 regardless of whether the token existed.
	w.WriteHeader(http.StatusOK)
}

// ServeMCP handles the JSON-RPC endpoint. Requests authenticate with a
// Bearer or DPoP access token; sessions are correlated through the
// Mcp-Session-Id header.
func (h *Handler) ServeMCP(w http.ResponseWriter, r *http.Request) {
	token, proof, ok := h.extractAccessToken(r)
	if !ok {
		h.writeUnauthorized(w, nil, "missing access token")
		return
	}

	record, err := h.server.ValidateAccessToken(r.Context(), token, proof)
	if err != nil {
		h.writeUnauthorized(w, nil, "invalid access token")
		return
	}

	var req protocol.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeJSONRPC(w, http.StatusOK, protocol.NewErrorResponse(nil, protocol.CodeParseError, "parse error", nil))
		return
	}

	session, ok := h.resolveSession(w, r, record, &req)
	if !ok {
		return
	}

	span := trace.SpanFromContext(r.Context())
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrMethod, req.Method))
	if req.Method == protocol.MethodToolsCall {
		var params protocol.ToolsCallParams
		if json.Unmarshal(req.Params, &params) == nil {
			instrumentation.AddToolCallAttributes(span, session.ID, params.Name)
		}
	}

	resp := h.protocol.HandleRequest(r.Context(), session, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeJSONRPC(w, httpStatusForResponse(resp, w), resp)
}

// resolveSession finds or creates the session for this request. A supplied
// session ID must belong to the token's identity.
func (h *Handler) resolveSession(w http.ResponseWriter, r *http.Request, record *storage.AccessToken, req *protocol.Request) (*protocol.Session, bool) {
	mfaSatisfied := record.MFAVerified || record.DPoPJKT != ""

	if id := r.Header.Get(SessionIDHeader); id != "" {
		session, ok := h.sessions.Get(id)
		if !ok {
			h.writeUnauthorized(w, req.ID, "unknown or expired session")
			return nil, false
		}
		if session.ClientID != record.ClientID || session.UserID != record.UserID {
			h.writeUnauthorized(w, req.ID, "session does not belong to this token")
			return nil, false
		}
		return session, true
	}

	session := h.sessions.Create(record.ClientID, record.UserID, record.Scopes, mfaSatisfied, record.ExpiresAt)
	w.Header().Set(SessionIDHeader, session.ID)
	return session, true
}

// extractAccessToken pulls the access token and optional DPoP proof from
// the request. The DPoP scheme requires a proof header.
func (h *Handler) extractAccessToken(r *http.Request) (string, server.DPoPProofInput, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(auth, " ")
	if !found || token == "" {
		return "", server.DPoPProofInput{}, false
	}

	switch {
	case strings.EqualFold(scheme, "Bearer"):
		// A proof may still accompany a Bearer-presented bound token.
		return token, h.dpopInput(r), true
	case strings.EqualFold(scheme, "DPoP"):
		proof := h.dpopInput(r)
		if proof.Proof == "" {
			return "", server.DPoPProofInput{}, false
		}
		return token, proof, true
	default:
		return "", server.DPoPProofInput{}, false
	}
}

// dpopInput assembles the proof input for the current request URL.
func (h *Handler) dpopInput(r *http.Request) server.DPoPProofInput {
	proof := r.Header.Get(dpopHeader)
	if proof == "" {
		return server.DPoPProofInput{}
	}
	scheme := "https"
	if r.TLS == nil {
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" && h.server.Config.TrustProxy {
			scheme = fwd
		} else {
			scheme = "http"
		}
	}
	return server.DPoPProofInput{
		Proof:  proof,
		Method: r.Method,
		URL:    scheme + "://" + r.Host + r.URL.Path,
	}
}

// httpStatusForResponse maps JSON-RPC authorization errors onto HTTP
// statuses and sets the corresponding headers.
func httpStatusForResponse(resp *protocol.Response, w http.ResponseWriter) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case protocol.CodeUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="/.well-known/oauth-authorization-server"`)
		return http.StatusUnauthorized
	case protocol.CodeForbidden:
		return http.StatusForbidden
	case protocol.CodeRateLimited:
		if data, ok := resp.Error.Data.(map[string]any); ok {
			if retryAfter, ok := data["retryAfter"].(int64); ok && retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			}
		}
		return http.StatusTooManyRequests
	default:
		// Protocol-level errors ride on 200; the JSON-RPC envelope carries
		// the failure.
		return http.StatusOK
	}
}

// clientCredentials extracts client authentication from Basic auth or the
// form body.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tokens *server.IssuedTokens) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    tokens.ExpiresIn,
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope,
	})
}

// writeUnauthorized writes both the 401 challenge and a JSON-RPC error body
// so protocol clients and plain HTTP clients each get a usable signal.
func (h *Handler) writeUnauthorized(w http.ResponseWriter, id json.RawMessage, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="/.well-known/oauth-authorization-server"`)
	h.writeJSONRPC(w, http.StatusUnauthorized, protocol.NewErrorResponse(id, protocol.CodeUnauthorized, message, nil))
}

func (h *Handler) writeJSONRPC(w http.ResponseWriter, status int, resp *protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode JSON-RPC response", "error", err)
	}
}

// writeServerError translates a server-layer error into the OAuth wire
// format through fromServerError.
func (h *Handler) writeServerError(w http.ResponseWriter, err error) {
	oauthErr := fromServerError(err)
	if oauthErr.Code == ErrorCodeServerError {
		h.logger.Error("Internal error on OAuth endpoint", "error", err)
	}
	h.writeOAuthError(w, oauthErr)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, e *OAuthError) {
	h.writeJSON(w, e.Status, errorResponse{Error: e.Code, ErrorDescription: e.Description})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}
