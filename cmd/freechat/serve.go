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

	"github.com/howard-nolan/freechat/internal/config"
	"github.com/howard-nolan/freechat/internal/metrics"
	"github.com/howard-nolan/freechat/internal/provider"
	"github.com/howard-nolan/freechat/internal/provider/fingerprint"
	"github.com/howard-nolan/freechat/internal/server"
)

// shutdownTimeout bounds how long in-flight answers may keep streaming
// after a shutdown signal.
const shutdownTimeout = 10 * time.Second

var serveFlags struct {
	port int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat gateway",
	Long: `Start the HTTP gateway.

Endpoints:
  GET /api/ask?provider=&prompt=&state=   stream an answer
  GET /health                             liveness and provider names
  GET /metrics                            Prometheus metrics

Examples:
  # Start with config.yaml from the working directory
  freechat serve

  # Override the port
  freechat serve --port 9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.port != 0 {
		cfg.Server.Port = serveFlags.port
	}

	m := metrics.New(nil)
	registry, err := buildRegistry(cfg, m, logger)
	if err != nil {
		return err
	}
	if len(registry.Names()) == 0 {
		logger.Warn("no providers enabled, every ask will be rejected")
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.New(registry, m, logger),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("freechat listening", "port", cfg.Server.Port, "providers", registry.Names())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// adapterFactory builds one adapter from its config and the shared
// options.
type adapterFactory func(pc config.ProviderConfig, opts provider.Options) provider.Provider

var constructors = map[string]adapterFactory{
	"ava": func(_ config.ProviderConfig, opts provider.Options) provider.Provider {
		return provider.NewAva(opts)
	},
	"bai": func(pc config.ProviderConfig, opts provider.Options) provider.Provider {
		return provider.NewBai(opts, pc.FrameMarker, pc.DeltaMode)
	},
	"deepai": func(_ config.ProviderConfig, opts provider.Options) provider.Provider {
		return provider.NewDeepAI(opts)
	},
	"you": func(_ config.ProviderConfig, opts provider.Options) provider.Provider {
		return provider.NewYou(opts)
	},
}

// buildRegistry creates an adapter for every enabled provider in cfg.
//
// Adapters share one pooled http.Client, except those with a TLS profile
// (and "you", which always needs one): each of those gets a client whose
// transport presents the profile's ClientHello.
func buildRegistry(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*provider.Registry, error) {
	shared := provider.NewHTTPClient(cfg.Upstream.Timeout)
	registry := provider.NewRegistry()

	for name, pc := range cfg.Providers {
		factory, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider in config: %q", name)
		}
		if !pc.IsEnabled() {
			logger.Debug("provider disabled", "provider", name)
			continue
		}

		client := shared
		if name == "you" || !pc.TLS.IsZero() {
			profile, err := fingerprint.FromConfig(pc.TLS)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", name, err)
			}
			client = &http.Client{
				Transport: fingerprint.NewTransport(profile, fingerprint.WithDialTimeout(cfg.Upstream.Timeout)),
			}
		}

		registry.Register(factory(pc, provider.Options{
			BaseURL:      pc.BaseURL,
			Client:       client,
			Logger:       logger,
			UserAgents:   cfg.Upstream.UserAgents,
			StreamBuffer: cfg.Server.StreamBuffer,
			MaxFrame:     cfg.Server.MaxFrame,
			OnDrop:       m.DropCounter(name),
		}))
		logger.Info("registered provider", "provider", name, "label", pc.Label)
	}

	return registry, nil
}
