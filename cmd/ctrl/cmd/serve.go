package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpapi "github.com/ctrl-plane/ctrl/internal/adapter/inbound/approvals"
	"github.com/ctrl-plane/ctrl/internal/adapter/outbound/mcp"
	"github.com/ctrl-plane/ctrl/internal/adapter/outbound/sqlite"
	"github.com/ctrl-plane/ctrl/internal/config"
	"github.com/ctrl-plane/ctrl/internal/domain/policy"
	"github.com/ctrl-plane/ctrl/internal/domain/risk"
	"github.com/ctrl-plane/ctrl/internal/service"
	"github.com/ctrl-plane/ctrl/internal/telemetry"
)

var (
	serveLogLevel string
	serveTrace    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane server",
	Long: `Start the ctrl HTTP server.

Loads servers.yaml, policy.yaml, and risk.yaml, opens the audit
database, and serves the intercept and approval endpoints.

Examples:
  # Start with defaults (config files in the current directory)
  ctrl serve

  # Start with explicit paths and address
  ctrl serve --policy /etc/ctrl/policy.yaml
  CTRL_HTTP_ADDR=:9090 ctrl serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8081", "listen address")
	serveCmd.Flags().String("default-env", "dev", "env assumed when an intent carries none")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveTrace, "trace", false, "emit OpenTelemetry spans to stdout")

	_ = viper.BindPFlag("http_addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("default_env", serveCmd.Flags().Lookup("default-env"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings := config.ResolveSettings()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(serveLogLevel),
	}))
	slog.SetDefault(logger)

	snap, err := config.Load(settings.ServersPath, settings.PolicyPath, settings.RiskPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("configuration loaded",
		"servers", len(snap.Servers.Servers),
		"policies", len(snap.Policy.Policies),
		"risk_rules", len(snap.Risk.Rules),
		"servers_fp", snap.ServersFingerprint,
		"policy_fp", snap.PolicyFingerprint,
		"risk_fp", snap.RiskFingerprint,
	)

	// Lint findings are advisory at boot; hard schema errors already
	// failed the load above.
	report := policy.Lint(&snap.Policy, true)
	for _, w := range report.Warnings {
		logger.Warn("policy lint", "warning", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.New(serveTrace, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	store, err := sqlite.New(sqlite.Config{Path: settings.DBPath})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("database opened", "path", settings.DBPath)

	riskEngine, err := risk.NewEngine(&snap.Risk)
	if err != nil {
		return fmt.Errorf("build risk engine: %w", err)
	}
	policyEngine := policy.NewEngine(&snap.Policy)
	executor := mcp.NewExecutor(&snap.Servers)

	interceptor := service.NewInterceptor(store, riskEngine, policyEngine, executor,
		service.WithDefaultEnv(settings.DefaultEnv),
		service.WithLogger(logger),
		service.WithTracer(tracer.Tracer()),
	)
	approvals := service.NewApprovalService(store, executor,
		service.WithApprovalLogger(logger),
	)

	handler := httpapi.NewHandler(interceptor, approvals,
		httpapi.WithHandlerLogger(logger),
	)

	server := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ctrl listening", "addr", settings.HTTPAddr, "default_env", settings.DefaultEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("ctrl stopped")
	return nil
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
