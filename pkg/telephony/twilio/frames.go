// Package twilio defines the wire format of Twilio Media Streams.
//
// A media stream is a WebSocket on which Twilio sends JSON text frames
// discriminated by their "event" field (connected, start, media, mark, stop,
// dtmf) and accepts "media", "mark" and "clear" frames back. Audio payloads are
// base64-encoded 8 kHz G.711 µ-law and are treated as opaque strings here; the
// relay never decodes them.
package twilio

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds carried in the "event" field.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// Audio format constants for Media Streams.
const (
	// AudioEncodingMulaw is the encoding Twilio reports in start.mediaFormat.
	AudioEncodingMulaw = "audio/x-mulaw"

	// SampleRate is the sample rate of every media stream.
	SampleRate = 8000
)

// CallSidHeader is the upgrade request header that carries the call SID when
// Twilio opens the media stream.
const CallSidHeader = "X-Twilio-Call-Sid"

// ErrMissingEvent is returned by [ParseFrame] for JSON objects that lack an
// "event" discriminator.
var ErrMissingEvent = errors.New("twilio: frame has no event field")

// Frame is an inbound media-stream frame. Only the sub-object matching Event
// is populated.
type Frame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`

	Protocol string `json:"protocol,omitempty"` // connected
	Version  string `json:"version,omitempty"`  // connected

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
	DTMF  *DTMF  `json:"dtmf,omitempty"`
}

// Start is the payload of a "start" frame.
type Start struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the encoding of the stream's audio.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media is the payload of a "media" frame.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Payload is base64 µ-law audio, passed through untouched.
	Payload string `json:"payload"`
}

// Mark is the payload of a "mark" frame.
type Mark struct {
	Name string `json:"name"`
}

// Stop is the payload of a "stop" frame.
type Stop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// DTMF is the payload of a "dtmf" frame.
type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// ParseFrame decodes one inbound text frame. It fails on invalid JSON, on a
// missing event field, and on start/media frames whose payload object is
// absent.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("twilio: decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	switch f.Event {
	case EventStart:
		if f.Start == nil {
			return Frame{}, fmt.Errorf("twilio: start frame without start object")
		}
		// Older stream versions only carry the SID at the top level.
		if f.Start.StreamSid == "" {
			f.Start.StreamSid = f.StreamSid
		}
	case EventMedia:
		if f.Media == nil {
			return Frame{}, fmt.Errorf("twilio: media frame without media object")
		}
	}
	return f, nil
}

// OutboundMedia is a "media" frame sent back to Twilio for playback.
//
// StreamSid is a pointer so an unaddressed frame encodes as
// "streamSid": null, which is what a relay without a stream handle emits.
type OutboundMedia struct {
	Event     string          `json:"event"`
	StreamSid *string         `json:"streamSid"`
	Media     OutboundPayload `json:"media"`
}

// OutboundPayload holds the audio of an [OutboundMedia] frame.
type OutboundPayload struct {
	Payload string `json:"payload"`
}

// NewOutboundMedia builds a playback frame. An empty streamSid produces an
// unaddressed frame.
func NewOutboundMedia(streamSid, payload string) OutboundMedia {
	m := OutboundMedia{Event: EventMedia, Media: OutboundPayload{Payload: payload}}
	if streamSid != "" {
		m.StreamSid = &streamSid
	}
	return m
}

// OutboundClear asks Twilio to discard audio it has buffered for playback.
type OutboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// NewOutboundClear builds a "clear" frame for the given stream.
func NewOutboundClear(streamSid string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSid: streamSid}
}
