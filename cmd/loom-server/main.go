// Command loom-server runs the task orchestration service: the REST/WebSocket
// API, the LLM gateway, and the progress event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/async"
	"loom/internal/config"
	"loom/internal/eventbus"
	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/observability"
	"loom/internal/orchestrator"
	"loom/internal/server"
	"loom/internal/task"
	"loom/internal/token"
)

var (
	version = "dev"

	configPath string
)

func main() {
	root := &cobra.Command{
		Use:     "loom-server",
		Short:   "LLM task orchestration service",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewComponentLogger("Main")
	logger.Info("starting loom-server %s on %s:%d", version, cfg.Server.Host, cfg.Server.Port)

	collector, err := observability.NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown: %v", err)
		}
	}()

	gatewayCfg := llm.DefaultGatewayConfig()
	gatewayCfg.FallbackModels = cfg.Gateway.FallbackModels
	gatewayCfg.KnownModels = cfg.Gateway.KnownModels
	gatewayCfg.Retry.MaxRetries = cfg.Gateway.MaxRetries
	if cfg.Gateway.BaseDelay > 0 {
		gatewayCfg.Retry.BaseDelay = cfg.Gateway.BaseDelay
	}
	if cfg.Gateway.MaxDelay > 0 {
		gatewayCfg.Retry.MaxDelay = cfg.Gateway.MaxDelay
	}
	gatewayCfg.MinInterval = cfg.Gateway.MinInterval
	if cfg.Gateway.CallTimeout > 0 {
		gatewayCfg.CallTimeout = cfg.Gateway.CallTimeout
	}

	httpClient := llm.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.CallTimeout)
	gateway := llm.NewGateway(httpClient, gatewayCfg, collector)

	counter := token.NewCounter(cfg.Budget.CacheSize)
	bus := eventbus.New(cfg.Bus.BufferCapacity, cfg.Bus.StreamBuffer)

	orch := orchestrator.New(orchestrator.Options{
		Config: orchestrator.Config{
			MaxConcurrent:    cfg.Orchestrator.MaxConcurrent,
			MaxIterations:    cfg.Orchestrator.MaxIterations,
			AgentTimeout:     cfg.Orchestrator.AgentTimeout,
			DefaultModel:     cfg.Gateway.DefaultModel,
			QualityGateModel: cfg.Orchestrator.QualityGateModel,
			SafetyMargin:     cfg.Budget.SafetyMargin,
		},
		Store:     task.NewMemoryStore(),
		Bus:       bus,
		Client:    gateway,
		Counter:   counter,
		Collector: collector,
		Tracer:    tracer,
		Logger:    logger,
	})

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, orch, bus, logger)

	errCh := make(chan error, 1)
	async.Go(logger, "http-server", func() {
		errCh <- srv.Start()
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	if err := srv.Stop(); err != nil {
		logger.Error("shutdown: %v", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
