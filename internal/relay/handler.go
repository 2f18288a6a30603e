package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/telephony/twilio"
	"github.com/coder/websocket"
)

// maxIDAttempts bounds the suffixes tried when a generated session id is
// already taken.
const maxIDAttempts = 100

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithConfig sets a fixed per-call configuration.
func WithConfig(cfg Config) HandlerOption {
	return func(h *Handler) { h.config = func() Config { return cfg } }
}

// WithConfigSource sets a function consulted at the start of every call, so
// configuration reloads apply to new calls.
func WithConfigSource(fn func() Config) HandlerOption {
	return func(h *Handler) { h.config = fn }
}

// WithMetrics sets the metrics sink passed to every session.
func WithMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithAcceptOptions overrides the WebSocket accept options.
func WithAcceptOptions(opts *websocket.AcceptOptions) HandlerOption {
	return func(h *Handler) { h.acceptOpts = opts }
}

// withClock overrides time.Now for session id generation in tests.
func withClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// Handler is the media-stream endpoint. Each accepted WebSocket becomes one
// [Session] registered under the call id, and the request goroutine runs the
// session until it ends.
type Handler struct {
	registry   *Registry
	dialer     s2s.Dialer
	postcall   PostCall
	config     func() Config
	metrics    *observe.Metrics
	acceptOpts *websocket.AcceptOptions
	now        func() time.Time
}

// NewHandler creates a Handler. postcall may be nil.
func NewHandler(registry *Registry, dialer s2s.Dialer, postcall PostCall, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		dialer:   dialer,
		postcall: postcall,
		config:   DefaultConfig,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ServeHTTP upgrades the request and relays the call until it ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callSid := r.Header.Get(twilio.CallSidHeader)

	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		slog.Warn("media stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	// Twilio frames are small; this only guards against abuse.
	conn.SetReadLimit(1 << 20)

	cfg := h.config()
	sess, ok := h.register(r, callSid, conn, cfg)
	if !ok {
		slog.Warn("refusing duplicate media stream", "session_id", callSid)
		conn.Close(websocket.StatusPolicyViolation, "call already connected")
		return
	}

	ctx, span, log := observe.StartCallSpan(r.Context(), sess.ID())
	defer span.End()
	sess.log = log

	if err := sess.Run(ctx); err != nil {
		sess.log.Error("relay session ended with error", "err", err)
	}
	info := sess.Info()
	span.SetAttributes(
		observe.KeyStreamSid.String(info.StreamSid),
		observe.KeyTranscriptLines.Int(info.TranscriptLines),
	)
}

// register creates and registers the session. A call SID from the provider is
// used verbatim and a second connection for it is refused; without one, a
// session_<unix-millis> id is generated and suffixed until it is unique.
func (h *Handler) register(r *http.Request, callSid string, conn TelephonyConn, cfg Config) (*Session, bool) {
	newFn := func(id string) func() *Session {
		return func() *Session {
			return NewSession(SessionParams{
				ID:        id,
				Telephony: conn,
				Dialer:    h.dialer,
				Registry:  h.registry,
				PostCall:  h.postcall,
				Config:    cfg,
				Metrics:   h.metrics,
				Logger:    observe.CallLogger(r.Context(), id),
			})
		}
	}

	if callSid != "" {
		return h.registry.GetOrCreate(callSid, newFn(callSid))
	}

	base := fmt.Sprintf("session_%d", h.now().UnixMilli())
	id := base
	for attempt := 2; attempt <= maxIDAttempts; attempt++ {
		if sess, created := h.registry.GetOrCreate(id, newFn(id)); created {
			return sess, true
		}
		id = fmt.Sprintf("%s_%d", base, attempt)
	}
	return nil, false
}
