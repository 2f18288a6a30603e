// Package s2s defines the link abstraction for realtime speech-to-speech
// endpoints.
//
// A speech-to-speech endpoint accepts caller audio and answers with
// synthesised audio over a single long-lived, stateful connection. The
// relay opens one [Link] per phone call through a [Dialer], configures it
// with a [SessionConfig] and then streams audio both ways while reading
// [Event] values until either side goes away.
//
// Audio is exchanged as opaque base64 strings in the codec named by
// [SessionConfig.AudioFormat]; links never transcode.
package s2s

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedEvent wraps errors returned by [Link.ReadEvent] for frames that
// could not be decoded. The link remains usable after such an error.
var ErrMalformedEvent = errors.New("s2s: malformed event")

// Kind classifies a server event independent of the provider's wire names.
type Kind int

const (
	// KindOther covers every event the relay has no use for.
	KindOther Kind = iota
	// KindSessionCreated signals the endpoint is ready for configuration.
	KindSessionCreated
	// KindSessionUpdated acknowledges a configuration handshake.
	KindSessionUpdated
	// KindAudioDelta carries a chunk of synthesised audio in Event.Audio.
	KindAudioDelta
	// KindUserTranscript carries the transcription of a finished caller turn.
	KindUserTranscript
	// KindResponseDone marks the end of a model response. Event.Text holds the
	// spoken transcript when the response had one.
	KindResponseDone
	// KindSpeechStarted signals the endpoint detected the caller talking.
	KindSpeechStarted
	// KindError reports a provider-side error in Event.Err.
	KindError
)

var kindNames = [...]string{
	KindOther:          "other",
	KindSessionCreated: "session_created",
	KindSessionUpdated: "session_updated",
	KindAudioDelta:     "audio_delta",
	KindUserTranscript: "user_transcript",
	KindResponseDone:   "response_done",
	KindSpeechStarted:  "speech_started",
	KindError:          "error",
}

// String returns a stable lower-case name suitable for logs and metric
// attributes.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ProviderError is the error object of a [KindError] event.
type ProviderError struct {
	Type    string
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Event is one decoded server event.
type Event struct {
	// Kind is the provider-neutral classification.
	Kind Kind

	// Type is the provider's own event name, kept for logging.
	Type string

	// Audio is the base64 audio chunk of a [KindAudioDelta] event.
	Audio string

	// Text is the transcript of a [KindUserTranscript] or [KindResponseDone]
	// event. Empty when the provider supplied none.
	Text string

	// Err is set for [KindError] events.
	Err *ProviderError
}

// TurnDetection names the endpoint-side voice activity detection mode.
type TurnDetection string

// ServerVAD lets the endpoint decide when the caller has finished speaking.
const ServerVAD TurnDetection = "server_vad"

// SessionConfig is the configuration handshake sent once a link is open.
type SessionConfig struct {
	// Voice is the provider voice used for synthesised speech.
	Voice string

	// Instructions is the system prompt defining the agent's persona.
	Instructions string

	// Temperature is the sampling temperature.
	Temperature float64

	// AudioFormat is the codec for both directions, e.g. "g711_ulaw".
	AudioFormat string

	// TurnDetection selects the endpoint's turn detection. Empty disables it.
	TurnDetection TurnDetection

	// Modalities lists the response modalities, e.g. ["text", "audio"].
	Modalities []string

	// TranscriptionModel enables transcription of caller audio. Empty
	// disables it, which also means no user transcript events arrive.
	TranscriptionModel string
}

// Link is an open connection to a speech-to-speech endpoint.
//
// ReadEvent must only be called from a single goroutine. All other methods are
// safe for concurrent use, including concurrently with ReadEvent.
type Link interface {
	// Configure sends the session configuration handshake.
	Configure(ctx context.Context, cfg SessionConfig) error

	// AppendAudio forwards one base64 audio chunk, unchanged, to the
	// endpoint's input buffer.
	AppendAudio(ctx context.Context, payload string) error

	// ReadEvent blocks until the next server event arrives. Decode failures
	// are returned wrapped in [ErrMalformedEvent] and leave the link open;
	// any other error means the link is gone.
	ReadEvent(ctx context.Context) (Event, error)

	// Close shuts the link down. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Dialer opens links to a speech-to-speech endpoint.
//
// Implementations must be safe for concurrent use; the relay dials once per
// call.
type Dialer interface {
	// Dial connects to the endpoint. The returned Link is owned by the caller,
	// which must Close it.
	Dial(ctx context.Context) (Link, error)
}
