// Command mcpserverd runs a standalone MCP listener configured from a TOML
// file. It serves the built-in methods plus a small echo method, exposes a
// Prometheus endpoint when enabled, and shuts down cleanly on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Meg1134/mcpwire/pkg/config"
	"github.com/Meg1134/mcpwire/pkg/logging"
	"github.com/Meg1134/mcpwire/pkg/observability"
	"github.com/Meg1134/mcpwire/pkg/protocol"
	"github.com/Meg1134/mcpwire/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (built-in defaults when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mcpserverd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := newLogger(cfg)
	logger.Info("starting",
		logging.String("listen_addr", cfg.ListenAddr),
		logging.String("version", cfg.Version))

	var metrics *observability.Metrics
	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(observability.MetricsConfig{})
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint up", logging.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}

	var tracing *observability.TracingProvider
	if cfg.TracingEnabled {
		tp, err := observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    cfg.Name,
			ServiceVersion: cfg.Version,
			Environment:    cfg.Environment,
			ExporterType:   observability.ExporterType(cfg.TracingExporter),
			Endpoint:       cfg.TracingEndpoint,
			Insecure:       cfg.TracingInsecure,
			SampleRate:     cfg.SampleRate,
		})
		if err != nil {
			return err
		}
		tracing = tp
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithName(cfg.Name),
		server.WithVersion(cfg.Version),
		server.WithDescription(cfg.Description),
		server.WithHeartbeatInterval(cfg.HeartbeatInterval),
		server.WithMaxFrameSize(cfg.MaxFrameSize),
		server.WithMetrics(metrics),
		server.WithTracing(tracing),
	}
	if cfg.RateLimitRPS > 0 {
		opts = append(opts, server.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	srv := server.New(cfg.ListenAddr, opts...)
	srv.RegisterHandler("echo", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		return params, nil
	})

	if err := srv.Start(context.Background()); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", logging.String("signal", sig.String()))

	if err := srv.Stop(); err != nil {
		logger.WithError(err).Warn("listener stop reported an error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}
	return nil
}

func newLogger(cfg config.Config) logging.Logger {
	var formatter logging.Formatter
	if cfg.LogFormat == "json" {
		formatter = logging.NewJSONFormatter()
	} else {
		formatter = logging.NewTextFormatter()
	}
	logger := logging.New(os.Stderr, formatter)

	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(logging.DebugLevel)
	case "warn":
		logger.SetLevel(logging.WarnLevel)
	case "error":
		logger.SetLevel(logging.ErrorLevel)
	default:
		logger.SetLevel(logging.InfoLevel)
	}
	return logger
}
