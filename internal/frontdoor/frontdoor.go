// Package frontdoor serves the plain HTTP routes around the media stream: the
// status root, the Twilio voice webhook that hands the call to the stream, and
// read-only operator listings of live calls and stored conversations.
package frontdoor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/callstore"
	"github.com/MrWong99/callbridge/pkg/telephony/twilio"
)

// StatusMessage is the body of GET /.
const StatusMessage = "Twilio Media Stream Server is running!"

// MediaStreamPath is the path Twilio is told to open the stream on.
const MediaStreamPath = "/media-stream"

// Settings are the per-request webhook values. They are read on every request
// so reloads apply immediately.
type Settings struct {
	// Greeting is spoken before the stream connects. Empty skips <Say>.
	Greeting string

	// Voice is the <Say> voice. Empty uses Twilio's default.
	Voice string

	// PublicHost overrides the request Host in the stream URL.
	PublicHost string
}

// CallLister lists live calls.
type CallLister interface {
	List() []relay.Info
}

// Option configures a [Server].
type Option func(*Server)

// WithSettings sets fixed webhook settings.
func WithSettings(s Settings) Option {
	return func(srv *Server) { srv.settings = func() Settings { return s } }
}

// WithSettingsSource sets a function consulted on every webhook request.
func WithSettingsSource(fn func() Settings) Option {
	return func(srv *Server) { srv.settings = fn }
}

// WithStore enables GET /conversations.
func WithStore(s callstore.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithCalls enables GET /calls.
func WithCalls(c CallLister) Option {
	return func(srv *Server) { srv.calls = c }
}

// Server holds the front door routes.
type Server struct {
	settings func() Settings
	store    callstore.Store
	calls    CallLister
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{settings: func() Settings { return Settings{} }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the front door routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.Root)
	mux.HandleFunc("/incoming-call", s.IncomingCall)
	if s.store != nil {
		mux.HandleFunc("GET /conversations", s.Conversations)
	}
	if s.calls != nil {
		mux.HandleFunc("GET /calls", s.Calls)
	}
}

// Root reports that the server is up.
func (s *Server) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": StatusMessage})
}

// IncomingCall answers Twilio's voice webhook with TwiML that greets the
// caller and connects the call to the media stream. Any method is accepted
// because Twilio may be configured for GET or POST.
func (s *Server) IncomingCall(w http.ResponseWriter, r *http.Request) {
	st := s.settings()
	host := st.PublicHost
	if host == "" {
		host = r.Host
	}
	if host == "" {
		http.Error(w, "cannot determine public host", http.StatusBadRequest)
		return
	}

	slog.Info("incoming call", "host", host, "call_sid", callSid(r))

	body, err := twilio.ConnectStream(st.Greeting, st.Voice, "wss://"+host+MediaStreamPath).Marshal()
	if err != nil {
		slog.Error("render twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// callSid picks the call SID from the webhook form, if any.
func callSid(r *http.Request) string {
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return r.Form.Get("CallSid")
}

// Conversations lists stored conversations, newest first. ?limit=N bounds the
// result and ?session_id=X selects one call.
func (s *Server) Conversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		convs []callstore.Conversation
		err   error
	)
	if id := strings.TrimSpace(q.Get("session_id")); id != "" {
		convs, err = s.store.BySession(r.Context(), id)
	} else {
		limit := callstore.DefaultRecentLimit
		if raw := q.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
		}
		convs, err = s.store.Recent(r.Context(), limit)
	}
	if err != nil {
		slog.Error("list conversations", "err", err)
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	if convs == nil {
		convs = []callstore.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// Calls lists the live calls.
func (s *Server) Calls(w http.ResponseWriter, _ *http.Request) {
	calls := s.calls.List()
	if calls == nil {
		calls = []relay.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write json response", "err", err)
	}
}
