// Command agentgate runs the authorization server and MCP endpoint as a
// standalone process. End-user authentication is delegated to a fronting
// proxy that sets the X-Authenticated-User header.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/keelhq/agentgate"
	"github.com/keelhq/agentgate/ratelimit"
	"github.com/keelhq/agentgate/scope"
	"github.com/keelhq/agentgate/server"
)

// version is set during build with -ldflags.
var version = "dev"

var (
	listenAddr     string
	issuer         string
	scopesFile     string
	rateLimitsFile string
	requireDPoP    bool
	auditEnabled   bool
	telemetry      bool
	logLevel       string
	logFormat      string
)

var rootCmd = &cobra.Command{
	Use:     "agentgate",
	Short:   "OAuth 2.1 authorization server and MCP gateway",
	Version: version,
	Long: `agentgate serves an OAuth 2.1 authorization server (PKCE, DPoP,
dynamic client registration, refresh token rotation) together with an MCP
JSON-RPC endpoint that enforces scope, MFA, and rate limit policy on every
tool call.

Configuration comes from flags and environment variables; a .env file in
the working directory is loaded when present. The fronting proxy must
authenticate end users and pass the identity in X-Authenticated-User.`,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8080", "Listen address")
	rootCmd.Flags().StringVar(&issuer, "issuer", "", "Issuer URL clients see in discovery metadata (required, or AGENTGATE_ISSUER)")
	rootCmd.Flags().StringVar(&scopesFile, "scopes-file", "", "YAML file with scope definitions (defaults to built-in scopes)")
	rootCmd.Flags().StringVar(&rateLimitsFile, "rate-limits-file", "", "YAML file with tool rate limit rules (defaults to built-in limits)")
	rootCmd.Flags().BoolVar(&requireDPoP, "require-dpop", false, "Reject token issuance without a DPoP proof")
	rootCmd.Flags().BoolVar(&auditEnabled, "audit", true, "Emit security audit log records")
	rootCmd.Flags().BoolVar(&telemetry, "telemetry", false, "Enable OpenTelemetry metrics and traces")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", logFormat)
	}
	return slog.New(handler), nil
}

// envOverride applies an environment variable when the flag was left at its
// default.
func envOverride(cmd *cobra.Command, flagName, envName string, target *string) {
	if !cmd.Flags().Changed(flagName) {
		if v := os.Getenv(envName); v != "" {
			*target = v
		}
	}
}

func buildOptions(cmd *cobra.Command, logger *slog.Logger) (agentgate.Options, error) {
	envOverride(cmd, "issuer", "AGENTGATE_ISSUER", &issuer)
	envOverride(cmd, "listen-addr", "AGENTGATE_LISTEN_ADDR", &listenAddr)
	envOverride(cmd, "scopes-file", "AGENTGATE_SCOPES_FILE", &scopesFile)
	envOverride(cmd, "rate-limits-file", "AGENTGATE_RATE_LIMITS_FILE", &rateLimitsFile)
	if issuer == "" {
		return agentgate.Options{}, errors.New("--issuer or AGENTGATE_ISSUER is required")
	}

	var scopeDefs []scope.Definition
	if scopesFile != "" {
		defs, err := scope.LoadDefinitions(scopesFile)
		if err != nil {
			return agentgate.Options{}, fmt.Errorf("loading scopes file: %w", err)
		}
		scopeDefs = defs
	}

	var limits ratelimit.Config
	if rateLimitsFile != "" {
		cfg, err := ratelimit.LoadFile(rateLimitsFile)
		if err != nil {
			return agentgate.Options{}, fmt.Errorf("loading rate limits file: %w", err)
		}
		limits = cfg
	}

	ipRPS := 0
	if v := os.Getenv("AGENTGATE_IP_RPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return agentgate.Options{}, fmt.Errorf("invalid AGENTGATE_IP_RPS: %w", err)
		}
		ipRPS = n
	}

	return agentgate.Options{
		Config: &server.Config{
			Issuer:                    issuer,
			AllowRefreshTokenRotation: true,
			RequireDPoP:               requireDPoP,
			TrustProxy:                os.Getenv("AGENTGATE_TRUST_PROXY") == "true",
		},
		Authenticate:        headerAuthenticator,
		ScopeDefinitions:    scopeDefs,
		RateLimits:          limits,
		AuditEnabled:        auditEnabled,
		TelemetryEnabled:    telemetry,
		IPRequestsPerSecond: ipRPS,
		Logger:              logger,
	}, nil
}

// headerAuthenticator trusts the identity header set by the fronting proxy.
func headerAuthenticator(r *http.Request) (string, error) {
	user := r.Header.Get("X-Authenticated-User")
	if user == "" {
		return "", errors.New("no authenticated user on request")
	}
	return user, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	// A missing .env file is fine; explicit environment always wins.
	_ = godotenv.Load()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	opts, err := buildOptions(cmd, logger)
	if err != nil {
		return err
	}

	agentgate.Version = version
	gw, err := agentgate.New(opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", listenAddr, "issuer", issuer, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown did not complete cleanly", "error", err)
	}
	return gw.Close(shutdownCtx)
}
