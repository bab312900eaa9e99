// Command fswatchctl is a demonstration CLI around the fswatch package: it
// loads a YAML configuration file, registers the configured roots, logs
// every canonical event, optionally exposes a Prometheus /metrics endpoint,
// and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watchforge/fswatch"
	"github.com/watchforge/fswatch/config"
)

// shutdownGrace bounds how long the metrics HTTP server is given to finish
// in-flight scrapes once a shutdown signal arrives.
const shutdownGrace = 3 * time.Second

func newShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownGrace)
}

func main() {
	configPath := flag.String("config", "/etc/fswatch/config.yaml", "path to the fswatchctl YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fswatchctl: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Any("roots", cfg.Roots),
		slog.String("log_level", cfg.LogLevel),
	)

	cb := &loggingCallback{logger: logger}
	w, err := fswatch.Start(cb, fswatch.Options{
		DarwinLatency:  cfg.DarwinLatency(),
		CommandTimeout: cfg.CommandTimeout(),
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to start watcher", slog.Any("error", err))
		os.Exit(1)
	}

	if err := w.Register(cfg.Roots...); err != nil {
		logger.Error("failed to register roots", slog.Any("error", err))
		w.Terminate()
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	if err := w.Terminate(); err != nil {
		logger.Warn("watcher terminate error", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, cancel := newShutdownContext()
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("fswatchctl exited cleanly")
}

// loggingCallback implements fswatch.Callback by writing every event,
// overflow, and error to a structured logger.
type loggingCallback struct {
	logger *slog.Logger
}

func (c *loggingCallback) OnEvent(kind fswatch.EventKind, path string) {
	c.logger.Info("event", slog.String("kind", kind.String()), slog.String("path", path))
}

func (c *loggingCallback) OnOverflow(root string) {
	c.logger.Warn("overflow, rescan required", slog.String("root", root))
}

func (c *loggingCallback) OnError(err error) {
	c.logger.Error("watcher error", slog.Any("error", err))
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
