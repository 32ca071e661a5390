// Command voxtalk is the VoxBridge terminal client: it captures microphone
// audio, gates it through voice-activity detection, streams spoken turns to a
// voxbridged server, and plays the interpreted speech coming back.
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

	"github.com/voxbridge/voxbridge/internal/auth"
	"github.com/voxbridge/voxbridge/internal/client"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/gate"
	"github.com/voxbridge/voxbridge/internal/pipeline"
	"github.com/voxbridge/voxbridge/pkg/audio"
	malgoaudio "github.com/voxbridge/voxbridge/pkg/audio/malgo"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
	"github.com/voxbridge/voxbridge/pkg/provider/vad/amplitude"
	"github.com/voxbridge/voxbridge/pkg/provider/vad/silero"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	l1 := flag.String("l1", "", "override the configured L1 language")
	l2 := flag.String("l2", "", "override the configured L2 language")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxtalk: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxtalk: %v\n", err)
		}
		return 1
	}
	if *l1 != "" {
		cfg.Client.L1Language = *l1
	}
	if *l2 != "" {
		cfg.Client.L2Language = *l2
	}
	if cfg.Client.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "voxtalk: client.server_url is not set")
		return 1
	}
	if cfg.Client.L1Language == "" || cfg.Client.L2Language == "" {
		fmt.Fprintln(os.Stderr, "voxtalk: both client.l1_language and client.l2_language must be set")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Speech detector ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerDetectors(reg)
	vadEntry := cfg.Providers.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = "amplitude"
	}
	engine, err := reg.CreateVAD(vadEntry)
	if err != nil {
		slog.Error("failed to build speech detector", "name", vadEntry.Name, "err", err)
		return 1
	}
	session, err := engine.NewSession(vad.Config{
		SampleRate:      audio.CaptureSampleRate,
		FrameSizeMs:     int(audio.CaptureChunkDuration / time.Millisecond),
		SpeechThreshold: optFloat(cfg.Providers.VAD.Options, "speech_threshold"),
	})
	if err != nil {
		slog.Error("failed to open speech detector", "name", vadEntry.Name, "err", err)
		return 1
	}
	slog.Info("speech detector ready", "name", vadEntry.Name)

	// ── Speech gate ───────────────────────────────────────────────────────────
	g := gate.New(session, gateOptions(cfg.Gate, logger)...)
	defer g.Close()

	// ── Audio devices ─────────────────────────────────────────────────────────
	actx, err := malgoaudio.NewContext()
	if err != nil {
		slog.Error("failed to initialise audio backend", "err", err)
		return 1
	}
	defer actx.Close()

	capture, err := actx.NewCaptureSource()
	if err != nil {
		slog.Error("failed to open capture device", "err", err)
		return 1
	}
	defer capture.Close()

	sink, err := actx.NewRenderSink()
	if err != nil {
		slog.Error("failed to open playback device", "err", err)
		return 1
	}
	defer sink.Close()

	// ── Transport ─────────────────────────────────────────────────────────────
	tokenSource := auth.TokenSource(auth.TokenFunc(func(context.Context) (auth.Token, error) {
		return auth.Token{}, nil
	}))
	if cfg.Client.AuthToken != "" {
		// The caching wrapper gives the client an Invalidate hook, so a
		// server-side rejection refreshes the credential before the dial
		// counts as failed.
		tokenSource = auth.NewCachingTokenSource(auth.StaticTokenSource(cfg.Client.AuthToken))
	}
	cli := client.New(client.Config{
		URL:                  cfg.Client.ServerURL,
		TokenSource:          tokenSource,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		ReconnectBaseDelay:   time.Duration(cfg.Client.ReconnectBaseDelayMs) * time.Millisecond,
		Logger:               logger,
	})

	// ── Pipeline ──────────────────────────────────────────────────────────────
	p := pipeline.New(capture, sink, g, cli, pipeline.Config{
		UserID:     cfg.Client.UserID,
		L1Language: cfg.Client.L1Language,
		L2Language: cfg.Client.L2Language,
		OnTranscript: func(text string) {
			fmt.Printf("» %s\n", text)
		},
		Logger: logger,
	})

	fmt.Printf("voxtalk: interpreting %s ⇄ %s via %s — press Ctrl+C to stop\n",
		cfg.Client.L1Language, cfg.Client.L2Language, cfg.Client.ServerURL)

	wg, wctx := errgroup.WithContext(ctx)
	wg.Go(func() error { return p.Run(wctx) })
	wg.Go(func() error {
		select {
		case <-wctx.Done():
			return nil
		case err := <-cli.Errors():
			return fmt.Errorf("connection lost: %w", err)
		}
	})

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Detector wiring ───────────────────────────────────────────────────────────

// registerDetectors installs the speech detector factories. The silero engine
// degrades to the amplitude detector if the ONNX model cannot be loaded.
func registerDetectors(reg *config.Registry) {
	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []silero.Option
		if n := optInt(entry.Options, "num_threads"); n > 0 {
			opts = append(opts, silero.WithNumThreads(n))
		}
		primary := silero.New(entry.Model, opts...)
		return vad.NewFallbackEngine(primary, amplitude.New()), nil
	})
	reg.RegisterVAD("amplitude", func(config.ProviderEntry) (vad.Engine, error) {
		return amplitude.New(), nil
	})
}

// gateOptions converts the YAML tuning block into gate options, leaving the
// gate defaults in place for zero values.
func gateOptions(gc config.GateConfig, logger *slog.Logger) []gate.Option {
	opts := []gate.Option{gate.WithLogger(logger)}
	if gc.MinSpeechMs > 0 {
		opts = append(opts, gate.WithMinSpeechDuration(time.Duration(gc.MinSpeechMs)*time.Millisecond))
	}
	if gc.MinSilenceMs > 0 {
		opts = append(opts, gate.WithMinSilenceDuration(time.Duration(gc.MinSilenceMs)*time.Millisecond))
	}
	if gc.CloseTimeoutMs > 0 {
		opts = append(opts, gate.WithGateCloseTimeout(time.Duration(gc.CloseTimeoutMs)*time.Millisecond))
	}
	if gc.BargeInDebounceMs > 0 {
		opts = append(opts, gate.WithBargeInDebounce(time.Duration(gc.BargeInDebounceMs)*time.Millisecond))
	}
	if gc.PreRollBytes > 0 {
		opts = append(opts, gate.WithPreRollBudget(gc.PreRollBytes))
	}
	return opts
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

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a numeric value from a provider Options map. Returns 0 if
// the key is absent or not a number.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// optInt extracts an integer value from a provider Options map. Returns 0 if
// the key is absent or not an integer.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
