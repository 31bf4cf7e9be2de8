package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayinbox/internal/config"
	"github.com/agentworkforce/relayinbox/internal/httpapi"
	"github.com/agentworkforce/relayinbox/internal/inbox"
)

func newServeCmd() *cobra.Command {
	var (
		configPath      string
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP/WebSocket transport",
		Example: `  relayinbox serve
  relayinbox serve --config /etc/relayinbox/production.yaml
  RELAYINBOX_PROFILE=durable-local relayinbox serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath, shutdownTimeout)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", envOrDefault("RELAYINBOX_CONFIG", ""), "path to YAML configuration file")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", durationEnv("RELAYINBOX_SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown timeout")
	return cmd
}

func runServe(ctx context.Context, configPath string, shutdownTimeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	opts, err := engineOptions(cfg, logger)
	if err != nil {
		return err
	}
	engine, err := inbox.NewEngine(ctx, opts)
	if err != nil {
		closeSources(opts.Sources, logger)
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	server := httpapi.NewServerWithConfig(engine, serverConfig(cfg, logger))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(engineCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relayinbox listening", "addr", cfg.HTTP.Addr, "profile", cfg.Profile)
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stopEngine()
	select {
	case err := <-engineDone:
		if err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
			runErr = err
		}
	case <-shutdownCtx.Done():
		logger.Warn("engine did not stop before shutdown timeout")
	}
	logger.Info("relayinbox stopped")
	return runErr
}

func engineOptions(cfg config.Config, logger *slog.Logger) (inbox.EngineOptions, error) {
	overflow, err := inbox.ParseOverflowPolicy(cfg.Sessions.OverflowPolicy)
	if err != nil {
		return inbox.EngineOptions{}, err
	}
	stateBackend, err := inbox.BuildStateBackendFromDSN(cfg.State.DSN)
	if err != nil {
		return inbox.EngineOptions{}, fmt.Errorf("failed to initialize state backend: %w", err)
	}
	sources := make([]inbox.Source, 0, len(inbox.SourceKinds))
	for _, kind := range inbox.SourceKinds {
		src, err := inbox.BuildSourceFromDSN(kind, cfg.Sources.DSN(kind))
		if err != nil {
			closeSources(sources, logger)
			return inbox.EngineOptions{}, fmt.Errorf("failed to initialize %s source: %w", kind, err)
		}
		logger.Info("source configured", "source", kind, "backend", src.Describe())
		sources = append(sources, src)
	}
	return inbox.EngineOptions{
		Sources:              sources,
		StateBackend:         stateBackend,
		FlushInterval:        cfg.State.FlushInterval,
		Shards:               cfg.Engine.Shards,
		ShardQueueSize:       cfg.Engine.ShardQueueSize,
		AllowUnknownChannels: !cfg.Engine.RequiresKnownChannel(),
		CommitInterval:       cfg.Engine.CommitInterval,
		Registry: inbox.RegistryOptions{
			QueueSize:        cfg.Sessions.OutboundQueueSize,
			Overflow:         overflow,
			IdleTimeout:      cfg.Sessions.IdleTimeout,
			HandshakeTimeout: cfg.Sessions.HandshakeTimeout,
			WriteTimeout:     cfg.Sessions.WriteTimeout,
		},
		Logger: logger,
	}, nil
}

func serverConfig(cfg config.Config, logger *slog.Logger) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:          cfg.HTTP.JWTSecret,
		InternalHMACSecret: cfg.HTTP.InternalHMACSecret,
		InternalMaxSkew:    cfg.HTTP.InternalMaxSkew,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		FrameRate:          cfg.HTTP.FrameRate,
		FrameBurst:         cfg.HTTP.FrameBurst,
		Logger:             logger.With("component", "http"),
	}
}

func closeSources(sources []inbox.Source, logger *slog.Logger) {
	for _, src := range sources {
		if closer, ok := src.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("close source", "source", src.Kind(), "error", err)
			}
		}
	}
}
