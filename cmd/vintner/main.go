// Command vintner is the main entry point for the Vintner sommelier agent
// backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philhumber/vintner/internal/app"
	"github.com/philhumber/vintner/internal/config"
	"github.com/philhumber/vintner/internal/observe"
	"github.com/philhumber/vintner/internal/version"
	"github.com/philhumber/vintner/pkg/provider/llm"
	"github.com/philhumber/vintner/pkg/provider/llm/claude"
	"github.com/philhumber/vintner/pkg/provider/llm/gemini"
	"github.com/philhumber/vintner/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vintner: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vintner: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vintner starting",
		"version", version.Version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vintner",
		ServiceVersion: version.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Application wiring ────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, reg,
		app.WithMetricsHandler(telemetry.MetricsHandler))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders installs the factory for each provider adapter
// that ships with Vintner.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("gemini", func(_ string, entry config.ProviderEntry) (llm.Provider, error) {
		return gemini.NewClient(gemini.Config{
			APIKey:  entry.APIKey,
			Model:   entry.DefaultModel,
			BaseURL: entry.BaseURL,
			Timeout: entry.Timeout(),
		}), nil
	})
	reg.RegisterLLM("claude", func(_ string, entry config.ProviderEntry) (llm.Provider, error) {
		return claude.NewClient(claude.Config{
			APIKey:  entry.APIKey,
			Model:   entry.DefaultModel,
			BaseURL: entry.BaseURL,
			Timeout: entry.Timeout(),
		}), nil
	})
	reg.RegisterLLM("openai", func(_ string, entry config.ProviderEntry) (llm.Provider, error) {
		return openai.New(openai.Config{
			APIKey:  entry.APIKey,
			Model:   entry.DefaultModel,
			BaseURL: entry.BaseURL,
			Timeout: entry.Timeout(),
		}), nil
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
