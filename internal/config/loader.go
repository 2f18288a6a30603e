package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr         = ":5050"
	DefaultRealtimeModel      = "gpt-4o-realtime-preview-2024-10-01"
	DefaultVoice              = "alloy"
	DefaultTemperature        = 0.8
	DefaultTranscriptionModel = "whisper-1"
	DefaultTurnDetection      = "server_vad"
	DefaultAudioFormat        = "g711_ulaw"
	DefaultHandshakeDelay     = 250 * time.Millisecond
	DefaultMaxPendingDeltas   = 256
	DefaultDialTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultExtractionProvider = "openai"
	DefaultExtractionModel    = "gpt-4o-2024-08-06"
	DefaultExtractionTimeout  = 60 * time.Second

	// None disables an optional realtime feature such as transcription.
	None = "none"

	// APIKeyEnv is consulted when realtime.api_key is empty.
	APIKeyEnv = "OPENAI_API_KEY"
)

// DefaultInstructions is the agent persona used when none is configured.
const DefaultInstructions = `You are a friendly and professional AI phone assistant. Your role is to engage with the caller in a natural, conversational manner. Remember these key points:

1. The caller has already been greeted and asked for their name. Start by acknowledging their name once they provide it.
2. Be helpful and attentive, answering any questions they may have.
3. Keep your responses concise but complete.
4. If you're unsure about something, it's okay to say so and offer alternatives.
5. Aim to resolve their query or assist them to the best of your ability.
6. Maintain a warm, approachable tone throughout the conversation.

Remember, you're here to make the caller feel heard and assisted. Engage with them as a helpful, knowledgeable friend would.`

// DefaultGreeting is spoken by Twilio before the stream connects.
const DefaultGreeting = "Welcome! We're here to help with any questions you might have. " +
	"Feel free to ask about anything, we're all ears and ready to assist. " +
	"To get started, could you please tell me your name?"

// ValidExtractionProviders lists the extraction backends that ship with
// callbridge. Used by [Validate] to warn about unrecognised names.
var ValidExtractionProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with values from the
// environment. A bare $VAR is left alone so DSNs and prompts may contain
// dollar signs.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// ApplyDefaults fills every unset field with the value the server runs with
// out of the box.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	rt := &cfg.Realtime
	if rt.APIKey == "" {
		rt.APIKey = os.Getenv(APIKeyEnv)
	}
	if rt.Model == "" {
		rt.Model = DefaultRealtimeModel
	}
	if rt.Voice == "" {
		rt.Voice = DefaultVoice
	}
	if rt.Instructions == "" {
		rt.Instructions = DefaultInstructions
	}
	if rt.Temperature == 0 {
		rt.Temperature = DefaultTemperature
	}
	if rt.TranscriptionModel == "" {
		rt.TranscriptionModel = DefaultTranscriptionModel
	}
	if rt.TurnDetection == "" {
		rt.TurnDetection = DefaultTurnDetection
	}
	if rt.AudioFormat == "" {
		rt.AudioFormat = DefaultAudioFormat
	}
	if len(rt.Modalities) == 0 {
		rt.Modalities = []string{"text", "audio"}
	}
	if rt.Handshake.Delay == 0 {
		rt.Handshake.Delay = DefaultHandshakeDelay
	}

	if cfg.Relay.UnaddressedAudio == "" {
		cfg.Relay.UnaddressedAudio = UnaddressedBuffer
	}
	if cfg.Relay.MaxPendingDeltas == 0 {
		cfg.Relay.MaxPendingDeltas = DefaultMaxPendingDeltas
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = DefaultDialTimeout
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = DefaultWriteTimeout
	}

	if cfg.FrontDoor.Greeting == "" {
		cfg.FrontDoor.Greeting = DefaultGreeting
	}

	ex := &cfg.Extraction
	if ex.Primary.Name == "" {
		ex.Primary.Name = DefaultExtractionProvider
	}
	if ex.Primary.Name == DefaultExtractionProvider {
		if ex.Primary.Model == "" {
			ex.Primary.Model = DefaultExtractionModel
		}
		if ex.Primary.APIKey == "" && ex.Primary.BaseURL == "" {
			ex.Primary.APIKey = rt.APIKey
		}
	}
	if ex.Timeout == 0 {
		ex.Timeout = DefaultExtractionTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if strings.Contains(cfg.Server.PublicHost, "/") {
		errs = append(errs, fmt.Errorf("server.public_host %q must be a host name without scheme or path", cfg.Server.PublicHost))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set %s)", APIKeyEnv))
	}
	if rt.Temperature < 0 || rt.Temperature > 2 {
		errs = append(errs, fmt.Errorf("realtime.temperature %.2f is out of range [0, 2]", rt.Temperature))
	}
	if rt.Handshake.Delay < 0 {
		errs = append(errs, fmt.Errorf("realtime.handshake.delay %s must not be negative", rt.Handshake.Delay))
	}

	// Relay
	if cfg.Relay.UnaddressedAudio != "" && !cfg.Relay.UnaddressedAudio.IsValid() {
		errs = append(errs, fmt.Errorf("relay.unaddressed_audio %q is invalid; valid values: buffer, drop, forward", cfg.Relay.UnaddressedAudio))
	}
	if cfg.Relay.MaxPendingDeltas < 0 {
		errs = append(errs, fmt.Errorf("relay.max_pending_deltas %d must not be negative", cfg.Relay.MaxPendingDeltas))
	}
	if cfg.Relay.DialTimeout < 0 || cfg.Relay.WriteTimeout < 0 {
		errs = append(errs, errors.New("relay.dial_timeout and relay.write_timeout must not be negative"))
	}
	if cfg.Relay.MaxTranscriptBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_transcript_bytes %d must not be negative", cfg.Relay.MaxTranscriptBytes))
	}

	// Extraction
	ex := cfg.Extraction
	if !ex.Disabled {
		validateProviderName("extraction.primary", ex.Primary.Name)
		seen := map[string]int{}
		for i, fb := range ex.Fallbacks {
			prefix := fmt.Sprintf("extraction.fallbacks[%d]", i)
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
				continue
			}
			if fb.Model == "" {
				errs = append(errs, fmt.Errorf("%s.model is required", prefix))
			}
			key := fb.Name + "/" + fb.Model
			if prev, ok := seen[key]; ok {
				errs = append(errs, fmt.Errorf("%s %q duplicates extraction.fallbacks[%d]", prefix, key, prev))
			}
			seen[key] = i
			validateProviderName(prefix, fb.Name)
		}
	}
	if ex.Timeout < 0 {
		errs = append(errs, fmt.Errorf("extraction.timeout %s must not be negative", ex.Timeout))
	}
	cb := ex.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("extraction.circuit_breaker values must not be negative"))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; conversations will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidExtractionProviders].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidExtractionProviders, name) {
		return
	}
	slog.Warn("unknown extraction provider, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidExtractionProviders,
	)
}
