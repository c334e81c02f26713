package agentgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/keelhq/agentgate/instrumentation"
	"github.com/keelhq/agentgate/protocol"
	"github.com/keelhq/agentgate/ratelimit"
	"github.com/keelhq/agentgate/scope"
	"github.com/keelhq/agentgate/security"
	"github.com/keelhq/agentgate/server"
	"github.com/keelhq/agentgate/storage/memory"
)

// Version is the running release, set at build time via ldflags.
var Version = "dev"

// Options configures a Gateway. Config and Authenticate are required.
type Options struct {
	// Config is the OAuth server configuration. Issuer must be set.
	Config *server.Config

	// Authenticate resolves the end user on the authorization endpoint.
	Authenticate UserAuthenticator

	// ScopeDefinitions is the scope-to-tool policy. Defaults to
	// scope.DefaultDefinitions when empty.
	ScopeDefinitions []scope.Definition

	// RateLimits is the tool-call rate limit policy. Defaults to
	// ratelimit.DefaultConfig when zero.
	RateLimits ratelimit.Config

	// Tools, Resources, and Prompts populate the protocol registries.
	Tools     *protocol.ToolRegistry
	Resources *protocol.ResourceRegistry
	Prompts   *protocol.PromptRegistry

	// ServerName is reported to protocol clients on initialize. Defaults to
	// "agentgate".
	ServerName string

	// AuditEnabled turns on the security audit log.
	AuditEnabled bool

	// IPRequestsPerSecond and IPBurst configure the per-IP flood gate on
	// the OAuth endpoints. Zero disables it.
	IPRequestsPerSecond int
	IPBurst             int

	// TelemetryEnabled turns on OpenTelemetry metrics and traces.
	TelemetryEnabled bool

	Logger *slog.Logger
}

// Gateway bundles the storage, OAuth server, protocol dispatcher, and HTTP
// surface into one unit with a shared lifecycle.
type Gateway struct {
	Server   *server.Server
	Protocol *protocol.Handler
	Handler  *Handler

	store     *memory.Store
	limiter   *ratelimit.Limiter
	ipLimiter *security.RateLimiter
	inst      *instrumentation.Instrumentation
	logger    *slog.Logger
}

// New assembles a Gateway from the given options.
func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := memory.New()
	store.SetLogger(logger)

	srv, err := server.New(store, store, store, store, opts.Config, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create oauth server: %w", err)
	}
	srv.Auditor = security.NewAuditor(logger, opts.AuditEnabled)
	srv.SecurityEventRateLimiter = security.NewRateLimiter(10, 20, logger)

	defs := opts.ScopeDefinitions
	if len(defs) == 0 {
		defs = scope.DefaultDefinitions()
	}
	scopes, err := scope.NewManager(defs)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid scope definitions: %w", err)
	}

	limits := opts.RateLimits
	if limits.PerClient.MaxCalls == 0 && len(limits.PerTool) == 0 && limits.DefaultPerTool.MaxCalls == 0 {
		limits = ratelimit.DefaultConfig()
	}
	limiter := ratelimit.NewLimiter(limits, logger)

	serverName := opts.ServerName
	if serverName == "" {
		serverName = "agentgate"
	}
	proto, err := protocol.NewHandler(protocol.HandlerOptions{
		Tools:     opts.Tools,
		Resources: opts.Resources,
		Prompts:   opts.Prompts,
		Scopes:    scopes,
		Limiter:   limiter,
		Sessions:  protocol.NewSessionStore(),
		Auditor:   srv.Auditor,
		Logger:    logger,
		Info:      protocol.ServerInfo{Name: serverName, Version: Version},
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create protocol handler: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    serverName,
		ServiceVersion: Version,
		Enabled:        opts.TelemetryEnabled,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	sessions := proto.Sessions()
	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return store.Stats().Clients },
		func() int64 { return store.Stats().AuthCodes },
		func() int64 { return store.Stats().AccessTokens },
		func() int64 { return store.Stats().RefreshTokens },
		func() int64 { return int64(sessions.Len()) },
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to register storage gauges: %w", err)
	}

	var ipLimiter *security.RateLimiter
	if opts.IPRequestsPerSecond > 0 {
		burst := opts.IPBurst
		if burst <= 0 {
			burst = opts.IPRequestsPerSecond * 2
		}
		ipLimiter = security.NewRateLimiter(opts.IPRequestsPerSecond, burst, logger)
	}

	handler, err := NewHandler(srv, proto, opts.Authenticate, ipLimiter, inst, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Gateway{
		Server:    srv,
		Protocol:  proto,
		Handler:   handler,
		store:     store,
		limiter:   limiter,
		ipLimiter: ipLimiter,
		inst:      inst,
		logger:    logger,
	}, nil
}

// Routes returns an http.Handler serving all endpoints.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	g.Handler.RegisterRoutes(mux)
	return mux
}

// Close releases background resources. Safe to call more than once.
func (g *Gateway) Close(ctx context.Context) error {
	g.store.Close()
	if g.ipLimiter != nil {
		g.ipLimiter.Stop()
	}
	if err := g.inst.Shutdown(ctx); err != nil {
		g.logger.Warn("Instrumentation shutdown failed", "error", err)
		return err
	}
	return nil
}
