package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/phonefleet/internal/api"
	"github.com/zjrosen/phonefleet/internal/config"
	"github.com/zjrosen/phonefleet/internal/log"
	"github.com/zjrosen/phonefleet/internal/orchestration"
	"github.com/zjrosen/phonefleet/internal/provider"
	"github.com/zjrosen/phonefleet/internal/tracing"
)

func runServe(cmd *cobra.Command, _ []string) error {
	// Initialize logging if debug mode enabled (via flag or env var)
	debugFlag, _ := cmd.Flags().GetBool("debug")
	debug := os.Getenv("PHONEFLEET_DEBUG") != "" || debugFlag
	if debug {
		logPath := cfg.DebugLog
		if logPath == "" {
			logPath = "debug.log"
		}

		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()

		log.Info(log.CatConfig, "phonefleet starting", "debug", true, "logPath", logPath)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tracingCfg := cfg.Tracing
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" && tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath()
	}
	traces, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	requestTimeout := time.Duration(cfg.Provider.RequestTimeoutSeconds) * time.Second
	manager := orchestration.NewManager(func(token string) orchestration.ProviderClient {
		return provider.New(cfg.Provider.BaseURL, token, provider.WithTimeout(requestTimeout))
	})

	discovery := provider.NewDiscovery(cfg.Provider.BaseURL, requestTimeout,
		time.Duration(cfg.Provider.DiscoveryCacheTTLSeconds)*time.Second)

	handler := api.NewHandler(api.HandlerConfig{
		Manager:   manager,
		Defaults:  cfg.Orchestration,
		Discovery: discovery,
	})

	routes := tracing.HTTPMiddleware(tracerOrNil(traces), handler.Routes())

	server, err := api.NewServer(api.ServerConfig{
		Addr:    cfg.ListenAddr,
		Handler: routes,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("phonefleet listening on port %d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Cancel the active run first so executors release their phones
	manager.Stop()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error(log.CatAPI, "Error stopping API server", "error", err)
	}

	if err := traces.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatConfig, "Error flushing traces", "error", err)
	}

	fmt.Println("Stopped")
	return nil
}

// tracerOrNil returns nil when tracing is off so the middleware is skipped
// entirely rather than wrapping every request in no-op spans.
func tracerOrNil(p *tracing.Provider) trace.Tracer {
	if !p.Enabled() {
		return nil
	}
	return p.Tracer()
}
