package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/relay/internal/identity"
	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/observability"
	"github.com/Tyrowin/relay/internal/server"
)

// serveFlags holds flag values that override environment configuration.
type serveFlags struct {
	port           string
	metricsAddr    string
	logFormat      string
	logLevel       string
	allowedOrigins string
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay HTTP server with the WebSocket endpoint on /ws.
Configuration comes from environment variables; flags override them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.NewConfigFromEnv()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			flags.apply(cmd, cfg)
			sanitized := cfg.Sanitize()
			return runServe(cmd.Context(), &sanitized, cmd)
		},
	}

	cmd.Flags().StringVar(&flags.port, "port", "", "HTTP listen address (overrides SERVER_PORT)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "metrics/health HTTP address, empty disables (overrides METRICS_ADDR)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "log format: json or text (overrides LOG_FORMAT)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	cmd.Flags().StringVar(&flags.allowedOrigins, "allowed-origins", "", "comma separated origin allow-list (overrides ALLOWED_ORIGINS)")

	return cmd
}

// apply copies flags the user set explicitly onto cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *server.Config) {
	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("allowed-origins") {
		cfg.AllowedOrigins = server.ParseOrigins(f.allowedOrigins)
	}
}

func newResolver(cfg *server.Config) identity.Resolver {
	if cfg.JWTSecret != "" {
		return identity.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
	}
	return identity.QueryResolver{}
}

// runServe starts the relay and blocks until a signal or a server failure.
func runServe(ctx context.Context, cfg *server.Config, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.SetDefault("relay", version, cfg.LogFormat, cfg.LogLevel)

	logger.Info("starting relay",
		"port", cfg.Port,
		"metrics_addr", cfg.MetricsAddr,
		"jwt_identity", cfg.JWTSecret != "",
		"publish_enabled", cfg.PublishToken != "",
	)

	var (
		hub       *server.Hub
		metrics   *observability.Metrics
		obsServer *observability.Server
	)
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool {
			return hub != nil && hub.Ready()
		}, logger)
		metrics = observability.NewMetrics(obsServer.Registry(), func() int {
			if hub == nil {
				return 0
			}
			return hub.Registry().RoomCount()
		})
	}

	hub = server.NewHub(*cfg, server.WithLogger(logger), server.WithMetrics(metrics))

	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		go func() {
			if obsErr := <-obsErrCh; obsErr != nil {
				slog.Error("metrics server failed", "error", obsErr)
			}
		}()
	}

	api := server.NewAPI(hub, newResolver(cfg))
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(api))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	cmd.Println("Relay server started on", cfg.Port)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-serveErr:
		if runErr != nil {
			logging.LogError(logger, slog.LevelError, "HTTP server failed", runErr)
		}
	}

	shutdown(logger, httpServer, hub, obsServer, cfg.ShutdownTimeout)
	return runErr
}

func shutdown(logger *slog.Logger, httpServer *http.Server, hub *server.Hub, obsServer *observability.Server, timeout time.Duration) {
	if err := server.ShutdownServer(httpServer, timeout); err != nil {
		logging.LogError(logger, slog.LevelWarn, "HTTP server shutdown error", err)
	}
	if err := hub.Shutdown(timeout); err != nil {
		logging.LogError(logger, slog.LevelWarn, "hub shutdown error", err)
	}
	if obsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := obsServer.Stop(ctx); err != nil {
			logging.LogError(logger, slog.LevelWarn, "metrics server shutdown error", err)
		}
	}
	logger.Info("relay stopped")
}
