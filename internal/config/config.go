// Package config provides the configuration schema, loader, and provider
// registry for the callbridge server.
package config

import "time"

// LogLevel controls log verbosity for the callbridge server.
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

// UnaddressedAudio selects what happens to agent audio that arrives before the
// caller's stream handle is known.
type UnaddressedAudio string

const (
	UnaddressedBuffer  UnaddressedAudio = "buffer"
	UnaddressedDrop    UnaddressedAudio = "drop"
	UnaddressedForward UnaddressedAudio = "forward"
)

// IsValid reports whether u is a recognised policy.
func (u UnaddressedAudio) IsValid() bool {
	switch u {
	case UnaddressedBuffer, UnaddressedDrop, UnaddressedForward:
		return true
	}
	return false
}

// Config is the root configuration structure for callbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Relay      RelayConfig      `yaml:"relay"`
	FrontDoor  FrontDoorConfig  `yaml:"frontdoor"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":5050").
	ListenAddr string `yaml:"listen_addr"`

	// PublicHost is the externally reachable host name used in the media
	// stream URL handed to Twilio. Empty means the request's Host header.
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP
	// and is expected to sit behind a TLS-terminating proxy.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RealtimeConfig configures the speech-to-speech AI endpoint and the persona
// it is given on every call.
type RealtimeConfig struct {
	// APIKey authenticates against the endpoint. Falls back to OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the realtime model requested on dial.
	Model string `yaml:"model"`

	Voice        string  `yaml:"voice"`
	Instructions string  `yaml:"instructions"`
	Temperature  float64 `yaml:"temperature"`

	// TranscriptionModel enables caller transcription. Set to "none" to
	// disable it.
	TranscriptionModel string `yaml:"transcription_model"`

	// TurnDetection is the endpoint VAD mode. Set to "none" to disable it.
	TurnDetection string `yaml:"turn_detection"`

	// AudioFormat is the codec used in both directions.
	AudioFormat string `yaml:"audio_format"`

	Modalities []string `yaml:"modalities"`

	Handshake HandshakeConfig `yaml:"handshake"`
}

// HandshakeConfig controls when the session configuration is sent.
type HandshakeConfig struct {
	// Delay after the link opens. With WaitForReady it is the fallback.
	Delay time.Duration `yaml:"delay"`

	// WaitForReady sends the handshake once the endpoint reports its
	// session was created.
	WaitForReady bool `yaml:"wait_for_ready"`
}

// RelayConfig tunes per-call relay behaviour.
type RelayConfig struct {
	UnaddressedAudio UnaddressedAudio `yaml:"unaddressed_audio"`

	// MaxPendingDeltas bounds the buffer used by the buffer policy.
	MaxPendingDeltas int `yaml:"max_pending_deltas"`

	// EndCallOnAILinkFailure hangs up the caller when the AI link drops.
	EndCallOnAILinkFailure bool `yaml:"end_call_on_ai_link_failure"`

	// ClearOnSpeechStart flushes queued agent audio when the caller barges in.
	ClearOnSpeechStart bool `yaml:"clear_on_speech_start"`

	// MaxTranscriptBytes caps a call's transcript. Zero means unbounded.
	MaxTranscriptBytes int `yaml:"max_transcript_bytes"`

	// DialTimeout bounds the AI dial.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds each write to either link. A stalled AI write
	// drops the AI link.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// FrontDoorConfig configures the voice webhook.
type FrontDoorConfig struct {
	// Greeting is spoken to the caller before the stream connects.
	Greeting string `yaml:"greeting"`

	// Voice is the Twilio <Say> voice. Empty uses Twilio's default.
	Voice string `yaml:"voice"`
}

// ExtractionConfig configures post-call detail extraction.
type ExtractionConfig struct {
	// Disabled turns extraction off; transcripts are still stored.
	Disabled bool `yaml:"disabled"`

	// Primary is tried first. An empty name defaults to openai.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Timeout bounds one post-call job, extraction and save together.
	Timeout time.Duration `yaml:"timeout"`

	// SaveOnFailure stores the transcript without details when every
	// extractor failed.
	SaveOnFailure bool `yaml:"save_on_failure"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker wrapped around each extractor.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the configuration block of one extraction backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// StorageConfig configures conversation persistence.
type StorageConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty disables
	// persistence; extracted details are then only logged.
	PostgresDSN string `yaml:"postgres_dsn"`
}
