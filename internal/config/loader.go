package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"upstream": {"gemini-live"},
	"vad":      {"silero", "amplitude"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if cfg.Server.ListenAddr != "" && cfg.Server.AuthToken == "" {
		slog.Warn("server.auth_token is empty; websocket handshakes will not be authenticated")
	}

	// Client — only meaningful when a server URL is set.
	if cfg.Client.ServerURL != "" {
		if cfg.Client.L1Language == "" {
			errs = append(errs, errors.New("client.l1_language is required"))
		}
		if cfg.Client.L2Language == "" {
			errs = append(errs, errors.New("client.l2_language is required"))
		}
		if cfg.Client.L1Language != "" && cfg.Client.L1Language == cfg.Client.L2Language {
			errs = append(errs, fmt.Errorf("client.l1_language and client.l2_language are both %q; interpretation needs two distinct languages", cfg.Client.L1Language))
		}
	}
	if cfg.Client.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("client.max_reconnect_attempts %d is negative", cfg.Client.MaxReconnectAttempts))
	}
	if cfg.Client.ReconnectBaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_base_delay_ms %d is negative", cfg.Client.ReconnectBaseDelayMs))
	}

	// Gate
	for _, f := range []struct {
		name string
		val  int
	}{
		{"gate.min_speech_ms", cfg.Gate.MinSpeechMs},
		{"gate.min_silence_ms", cfg.Gate.MinSilenceMs},
		{"gate.close_timeout_ms", cfg.Gate.CloseTimeoutMs},
		{"gate.barge_in_debounce_ms", cfg.Gate.BargeInDebounceMs},
		{"gate.pre_roll_bytes", cfg.Gate.PreRollBytes},
	} {
		if f.val < 0 {
			errs = append(errs, fmt.Errorf("%s %d is negative", f.name, f.val))
		}
	}

	// Mux
	if cfg.Mux.MaxPendingBytes < 0 {
		errs = append(errs, fmt.Errorf("mux.max_pending_bytes %d is negative", cfg.Mux.MaxPendingBytes))
	}
	if cfg.Mux.ReapIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("mux.reap_interval_sec %d is negative", cfg.Mux.ReapIntervalSec))
	}
	if cfg.Mux.IdleTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("mux.idle_timeout_sec %d is negative", cfg.Mux.IdleTimeoutSec))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("upstream", cfg.Providers.Upstream.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Provider availability
	if cfg.Server.ListenAddr != "" && cfg.Providers.Upstream.Name == "" {
		errs = append(errs, errors.New("providers.upstream is required when server.listen_addr is set"))
	}
	if cfg.Providers.Upstream.Name != "" && cfg.Providers.Upstream.APIKey == "" {
		slog.Warn("providers.upstream.api_key is empty; upstream connections will likely be rejected",
			"name", cfg.Providers.Upstream.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
