// Package config provides the configuration schema, loader, and provider
// registry for the VoxBridge interpretation system.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for VoxBridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Gate      GateConfig      `yaml:"gate"`
	Mux       MuxConfig       `yaml:"mux"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the VoxBridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AuthToken is the Bearer token clients must present on the websocket
	// handshake. Empty disables authentication (development only).
	AuthToken string `yaml:"auth_token"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ClientConfig holds settings for the voxtalk client binary.
type ClientConfig struct {
	// ServerURL is the websocket endpoint of the VoxBridge server
	// (e.g., "ws://localhost:8080/ws").
	ServerURL string `yaml:"server_url"`

	// AuthToken is the Bearer token presented on the handshake.
	AuthToken string `yaml:"auth_token"`

	// UserID optionally identifies the user on every frame.
	UserID string `yaml:"user_id"`

	// L1Language is the user's own language (BCP-47 code, e.g. "en").
	L1Language string `yaml:"l1_language"`

	// L2Language is the counterpart language to interpret to and from.
	L2Language string `yaml:"l2_language"`

	// MaxReconnectAttempts caps automatic reconnection tries. 0 uses the
	// client default.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBaseDelayMs is the first reconnect delay in milliseconds; each
	// subsequent attempt doubles it. 0 uses the client default.
	ReconnectBaseDelayMs int `yaml:"reconnect_base_delay_ms"`
}

// GateConfig tunes the speech gate. Zero values use the gate defaults.
type GateConfig struct {
	// MinSpeechMs is the sustained-speech duration that opens the gate.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// MinSilenceMs is the silence duration that begins closing the gate.
	MinSilenceMs int `yaml:"min_silence_ms"`

	// CloseTimeoutMs is how long the gate lingers in the closing state before
	// declaring the turn complete.
	CloseTimeoutMs int `yaml:"close_timeout_ms"`

	// BargeInDebounceMs suppresses repeat barge-in events within this window.
	BargeInDebounceMs int `yaml:"barge_in_debounce_ms"`

	// PreRollBytes is the byte budget of audio retained from just before the
	// gate opens.
	PreRollBytes int `yaml:"pre_roll_bytes"`
}

// MuxConfig tunes the server-side session multiplexer. Zero values use the
// mux defaults.
type MuxConfig struct {
	// MaxPendingBytes caps per-session audio buffered before the upstream
	// channel is ready.
	MaxPendingBytes int `yaml:"max_pending_bytes"`

	// ReapIntervalSec is the idle-sweep cadence in seconds.
	ReapIntervalSec int `yaml:"reap_interval_sec"`

	// IdleTimeoutSec evicts sessions with no activity past this many seconds.
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
}

// ProvidersConfig declares which provider implementation to use for each
// pluggable concern. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	// Upstream selects the translation backend (e.g., "gemini-live").
	Upstream ProviderEntry `yaml:"upstream"`

	// VAD selects the speech detector (e.g., "silero", "amplitude").
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation.
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gemini-2.0-flash-live-001", or a VAD model path).
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}
