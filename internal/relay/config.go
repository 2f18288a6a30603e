package relay

import (
	"fmt"
	"time"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// UnaddressedPolicy decides what happens to AI audio that arrives before the
// telephony stream handle is known.
type UnaddressedPolicy string

const (
	// UnaddressedBuffer holds deltas and flushes them in order once the
	// handle arrives.
	UnaddressedBuffer UnaddressedPolicy = "buffer"
	// UnaddressedDrop discards them.
	UnaddressedDrop UnaddressedPolicy = "drop"
	// UnaddressedForward sends them with a null streamSid.
	UnaddressedForward UnaddressedPolicy = "forward"
)

// IsValid reports whether p is a known policy.
func (p UnaddressedPolicy) IsValid() bool {
	switch p {
	case UnaddressedBuffer, UnaddressedDrop, UnaddressedForward:
		return true
	}
	return false
}

// Default tuning values.
const (
	DefaultHandshakeDelay    = 250 * time.Millisecond
	DefaultMaxPendingDeltas  = 256
	defaultEventQueue        = 64
	defaultDialTimeout       = 15 * time.Second
	defaultWriteTimeout      = 5 * time.Second
)

// Config is the per-call behaviour of a relay session. A snapshot is taken
// when each call starts, so reloads only affect new calls.
type Config struct {
	// Session is the handshake sent to the AI endpoint.
	Session s2s.SessionConfig

	// HandshakeDelay is how long to wait after the AI link opens before the
	// handshake is sent. With WaitForReady it is the fallback timeout.
	HandshakeDelay time.Duration

	// WaitForReady sends the handshake as soon as the endpoint reports its
	// session was created.
	WaitForReady bool

	// Unaddressed is the policy for AI audio received before the stream handle.
	Unaddressed UnaddressedPolicy

	// MaxPendingDeltas bounds the buffer used by [UnaddressedBuffer].
	MaxPendingDeltas int

	// EndCallOnAIFailure hangs up the phone when the AI link fails or closes.
	EndCallOnAIFailure bool

	// ClearOnSpeechStart asks the telephony side to drop buffered playback
	// when the caller starts talking over the agent.
	ClearOnSpeechStart bool

	// MaxTranscriptBytes caps the transcript size. Zero means unbounded.
	MaxTranscriptBytes int

	// DialTimeout bounds the AI dial.
	DialTimeout time.Duration

	// WriteTimeout bounds every write to either link. An AI write that
	// exceeds it is treated as a failed AI link.
	WriteTimeout time.Duration
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Session: s2s.SessionConfig{
			Voice:              "alloy",
			Temperature:        0.8,
			AudioFormat:        "g711_ulaw",
			TurnDetection:      s2s.ServerVAD,
			Modalities:         []string{"text", "audio"},
			TranscriptionModel: "whisper-1",
		},
		HandshakeDelay:   DefaultHandshakeDelay,
		Unaddressed:      UnaddressedBuffer,
		MaxPendingDeltas: DefaultMaxPendingDeltas,
		DialTimeout:      defaultDialTimeout,
		WriteTimeout:     defaultWriteTimeout,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.Unaddressed == "" {
		c.Unaddressed = UnaddressedBuffer
	}
	if c.MaxPendingDeltas <= 0 {
		c.MaxPendingDeltas = DefaultMaxPendingDeltas
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HandshakeDelay < 0 {
		c.HandshakeDelay = 0
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Unaddressed != "" && !c.Unaddressed.IsValid() {
		return fmt.Errorf("relay: unknown unaddressed audio policy %q", c.Unaddressed)
	}
	if c.MaxTranscriptBytes < 0 {
		return fmt.Errorf("relay: max transcript bytes must be >= 0, got %d", c.MaxTranscriptBytes)
	}
	return nil
}
