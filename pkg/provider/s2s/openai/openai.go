// Package openai implements the s2s link for OpenAI's Realtime API.
//
// It dials the Realtime WebSocket endpoint and exchanges JSON events
// discriminated by their "type" field. Audio is passed through as the base64
// string the caller supplied; when the session is configured for g711_ulaw it
// can be relayed from and to a telephony media stream without transcoding.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and link satisfy the s2s interfaces.
var _ s2s.Dialer = (*Dialer)(nil)
var _ s2s.Link = (*link)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// defaultReadLimit leaves room for large response.done payloads; the
	// library default of 32 KiB is too small for long answers.
	defaultReadLimit = 1 << 20
)

// Voices lists the voices the Realtime API accepts.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// KnownVoice reports whether v is one of [Voices].
func KnownVoice(v string) bool { return slices.Contains(Voices, v) }

// Wire event names.
const (
	typeSessionUpdate          = "session.update"
	typeInputAudioBufferAppend = "input_audio_buffer.append"

	typeSessionCreated         = "session.created"
	typeSessionUpdated         = "session.updated"
	typeResponseAudioDelta     = "response.audio.delta"
	typeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	typeResponseDone           = "response.done"
	typeSpeechStarted          = "input_audio_buffer.speech_started"
	typeError                  = "error"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Realtime model requested on dial.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithReadLimit sets the maximum size in bytes of a single server event.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements s2s.Dialer for OpenAI's Realtime API.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	readLimit  int64
	httpClient *http.Client
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Model returns the model the dialer requests.
func (d *Dialer) Model() string { return d.model }

// Dial opens a Realtime WebSocket. The link is usable immediately; the
// session.update handshake is left to the caller via Configure.
func (d *Dialer) Dial(ctx context.Context) (s2s.Link, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(d.readLimit)

	return &link{conn: conn}, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64, in the configured audio format
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *responseObject `json:"response,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseObject struct {
	ID     string         `json:"id,omitempty"`
	Status string         `json:"status,omitempty"`
	Output []responseItem `json:"output,omitempty"`
}

type responseItem struct {
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// responseTranscript returns the transcript of the first content part of the
// first output item that carries one.
func (r *responseObject) responseTranscript() string {
	if r == nil || len(r.Output) == 0 {
		return ""
	}
	for _, c := range r.Output[0].Content {
		if c.Transcript != "" {
			return c.Transcript
		}
	}
	return ""
}

// decodeEvent parses one server frame into an s2s.Event.
func decodeEvent(data []byte) (s2s.Event, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return s2s.Event{}, fmt.Errorf("%w: %v", s2s.ErrMalformedEvent, err)
	}
	if evt.Type == "" {
		return s2s.Event{}, fmt.Errorf("%w: missing type", s2s.ErrMalformedEvent)
	}

	out := s2s.Event{Type: evt.Type}
	switch evt.Type {
	case typeSessionCreated:
		out.Kind = s2s.KindSessionCreated
	case typeSessionUpdated:
		out.Kind = s2s.KindSessionUpdated
	case typeResponseAudioDelta:
		out.Kind = s2s.KindAudioDelta
		out.Audio = evt.Delta
	case typeInputTranscriptionDone:
		out.Kind = s2s.KindUserTranscript
		out.Text = evt.Transcript
	case typeResponseDone:
		out.Kind = s2s.KindResponseDone
		out.Text = evt.Response.responseTranscript()
	case typeSpeechStarted:
		out.Kind = s2s.KindSpeechStarted
	case typeError:
		out.Kind = s2s.KindError
		out.Err = &s2s.ProviderError{Type: "unknown", Message: "unknown error"}
		if evt.Error != nil {
			out.Err = &s2s.ProviderError{Type: evt.Error.Type, Code: evt.Error.Code, Message: evt.Error.Message}
		}
	default:
		out.Kind = s2s.KindOther
	}
	return out, nil
}

// ── link ───────────────────────────────────────────────────────────────────────

type link struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (l *link) writeJSON(ctx context.Context, v any) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return fmt.Errorf("openai: link closed")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := l.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// Configure sends session.update.
func (l *link) Configure(ctx context.Context, cfg s2s.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  cfg.AudioFormat,
		OutputAudioFormat: cfg.AudioFormat,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Modalities:        cfg.Modalities,
		Temperature:       cfg.Temperature,
	}
	if cfg.TurnDetection != "" {
		params.TurnDetection = &turnDetection{Type: string(cfg.TurnDetection)}
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &inputAudioTranscription{Model: cfg.TranscriptionModel}
	}
	return l.writeJSON(ctx, sessionUpdateMessage{Type: typeSessionUpdate, Session: params})
}

// AppendAudio sends input_audio_buffer.append with the payload unchanged.
func (l *link) AppendAudio(ctx context.Context, payload string) error {
	return l.writeJSON(ctx, appendAudioMessage{Type: typeInputAudioBufferAppend, Audio: payload})
}

// ReadEvent reads and decodes the next server event. Binary frames are
// reported as malformed.
func (l *link) ReadEvent(ctx context.Context) (s2s.Event, error) {
	typ, data, err := l.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return s2s.Event{}, fmt.Errorf("openai: link closed by peer (%d): %w", status, err)
		}
		return s2s.Event{}, fmt.Errorf("openai: read: %w", err)
	}
	if typ != websocket.MessageText {
		return s2s.Event{}, fmt.Errorf("%w: unexpected binary frame", s2s.ErrMalformedEvent)
	}
	return decodeEvent(data)
}

// Close terminates the link. Idempotent.
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	// The peer may already have gone away; a failed close handshake is not
	// actionable.
	_ = l.conn.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}
