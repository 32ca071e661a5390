// Command voxbridged is the VoxBridge interpretation server: a websocket
// gateway that multiplexes client sessions onto a live translation backend.
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

	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/mux"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/server"
	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
	geminilive "github.com/voxbridge/voxbridge/pkg/provider/upstream/gemini"
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
			fmt.Fprintf(os.Stderr, "voxbridged: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridged: %v\n", err)
		}
		return 1
	}
	if cfg.Server.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "voxbridged: server.listen_addr is not set")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridged starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxbridged",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Upstream provider ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerUpstreamProviders(reg)

	provider, err := reg.CreateUpstream(cfg.Providers.Upstream)
	if err != nil {
		slog.Error("failed to create upstream provider",
			"name", cfg.Providers.Upstream.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "upstream", "name", cfg.Providers.Upstream.Name)

	// ── Session multiplexer ───────────────────────────────────────────────────
	registry := mux.New(provider, mux.Config{
		MaxPendingBytes: cfg.Mux.MaxPendingBytes,
		ReapInterval:    time.Duration(cfg.Mux.ReapIntervalSec) * time.Second,
		IdleTimeout:     time.Duration(cfg.Mux.IdleTimeoutSec) * time.Second,
		Logger:          logger,
	})

	// ── Gateway ───────────────────────────────────────────────────────────────
	srvCfg := server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		AuthToken:  cfg.Server.AuthToken,
		Logger:     logger,
	}
	if cfg.Server.TLS != nil {
		srvCfg.CertFile = cfg.Server.TLS.CertFile
		srvCfg.KeyFile = cfg.Server.TLS.KeyFile
	}
	srv := server.New(registry, provider, srvCfg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("server ready — press Ctrl+C to shut down")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerUpstreamProviders wires the built-in translation backends into reg.
func registerUpstreamProviders(reg *config.Registry) {
	reg.RegisterUpstream("gemini-live", func(entry config.ProviderEntry) (upstream.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        VoxBridge — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Upstream", cfg.Providers.Upstream.Name, cfg.Providers.Upstream.Model)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  TLS             : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.AuthToken != "" {
		fmt.Printf("║  Auth            : %-19s ║\n", "bearer token")
	} else {
		fmt.Printf("║  Auth            : %-19s ║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
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
