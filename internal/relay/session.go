package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/transcript"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/telephony/twilio"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// PostCall receives the sealed transcript of every finished call. Submit must
// not block; the session never looks at what happens afterwards.
type PostCall interface {
	Submit(transcript, sessionID string)
}

// TelephonyConn is the media-stream side of a call. *websocket.Conn
// satisfies it.
type TelephonyConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Info is a point-in-time view of a session, safe to hand to other goroutines.
type Info struct {
	SessionID       string    `json:"session_id"`
	State           string    `json:"state"`
	StreamSid       string    `json:"stream_sid,omitempty"`
	CallSid         string    `json:"call_sid,omitempty"`
	CallerName      string    `json:"caller_name,omitempty"`
	AILinkOpen      bool      `json:"ai_link_open"`
	TranscriptLines int       `json:"transcript_lines"`
	StartedAt       time.Time `json:"started_at"`
}

// SessionParams holds all dependencies of a [Session].
type SessionParams struct {
	// ID is the call's session id.
	ID string

	// Telephony is the accepted media-stream connection.
	Telephony TelephonyConn

	// Dialer opens the AI link.
	Dialer s2s.Dialer

	// Registry is the registry the session removes itself from on teardown.
	// Optional.
	Registry *Registry

	// PostCall receives the transcript at teardown. Optional.
	PostCall PostCall

	// Config is the per-call behaviour.
	Config Config

	// Metrics records relay metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default with the session id attached.
	Logger *slog.Logger
}

// ── events ─────────────────────────────────────────────────────────────────────

// event is anything the link readers post to the session loop.
type event interface{ sessionEvent() }

type telFrameEvent struct {
	data   []byte
	binary bool
}
type telClosedEvent struct{ err error }
type aiOpenEvent struct {
	link   s2s.Link
	dialed time.Duration
}
type aiDialFailedEvent struct{ err error }
type aiServerEvent struct{ ev s2s.Event }
type aiMalformedEvent struct{ err error }
type aiClosedEvent struct {
	link s2s.Link
	err  error
}

func (telFrameEvent) sessionEvent()     {}
func (telClosedEvent) sessionEvent()    {}
func (aiOpenEvent) sessionEvent()       {}
func (aiDialFailedEvent) sessionEvent() {}
func (aiServerEvent) sessionEvent()     {}
func (aiMalformedEvent) sessionEvent()  {}
func (aiClosedEvent) sessionEvent()     {}

// ── Session ────────────────────────────────────────────────────────────────────

// Session relays one phone call between its telephony link and an AI link.
//
// Two reader goroutines (telephony, and AI dial-then-read) only post events;
// a single loop goroutine owns every piece of call state, so no field below
// the loop-owned marker is touched from anywhere else.
type Session struct {
	id        string
	cfg       Config
	tel       TelephonyConn
	dialer    s2s.Dialer
	registry  *Registry
	postcall  PostCall
	metrics   *observe.Metrics
	log       *slog.Logger
	startedAt time.Time

	events   chan event
	stop     chan struct{}
	stopOnce sync.Once

	infoMu sync.Mutex
	info   Info

	// Loop-owned.
	state          State
	ai             s2s.Link
	aiOpenedAt     time.Time
	handshakeSent  bool
	handshakeTimer *time.Timer
	streamSid      string
	callSid        string
	pending        []string
	transcript     *transcript.Accumulator
	userLines      int
	callerName     string
}

// NewSession returns a session in [StateInitializing]. Call [Session.Run] to
// start relaying.
func NewSession(p SessionParams) *Session {
	cfg := p.Config.withDefaults()
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	if p.Logger == nil {
		p.Logger = slog.Default().With("session_id", p.ID)
	}
	now := time.Now()
	return &Session{
		id:         p.ID,
		cfg:        cfg,
		tel:        p.Telephony,
		dialer:     p.Dialer,
		registry:   p.Registry,
		postcall:   p.PostCall,
		metrics:    p.Metrics,
		log:        p.Logger,
		startedAt:  now,
		events:     make(chan event, defaultEventQueue),
		stop:       make(chan struct{}),
		state:      StateInitializing,
		transcript: transcript.New(transcript.WithMaxBytes(cfg.MaxTranscriptBytes)),
		info: Info{
			SessionID: p.ID,
			State:     StateInitializing.String(),
			StartedAt: now,
		},
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.info
}

func (s *Session) updateInfo(fn func(*Info)) {
	s.infoMu.Lock()
	fn(&s.info)
	s.infoMu.Unlock()
}

// Close asks the session to tear down. It returns immediately; Run returns
// once teardown is complete. Safe to call any number of times.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run relays the call until the telephony link closes, [Session.Close] is
// called or ctx is cancelled. Teardown always completes before Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.Info("call started")
	s.transition(StateNegotiating)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.readTelephony(gctx)
		return nil
	})
	g.Go(func() error {
		s.dialAndReadAI(gctx)
		return nil
	})
	g.Go(func() error {
		// Ending the loop releases both readers.
		defer cancel()
		s.loop(gctx)
		return nil
	})
	err := g.Wait()
	s.drain()
	return err
}

// post delivers ev to the loop. It reports false once the session is over.
func (s *Session) post(ctx context.Context, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// drain releases resources carried by events the loop never consumed.
func (s *Session) drain() {
	for {
		select {
		case ev := <-s.events:
			if o, ok := ev.(aiOpenEvent); ok {
				_ = o.link.Close()
			}
		default:
			return
		}
	}
}

// ── readers ────────────────────────────────────────────────────────────────────

func (s *Session) readTelephony(ctx context.Context) {
	for {
		typ, data, err := s.tel.Read(ctx)
		if err != nil {
			s.post(ctx, telClosedEvent{err: err})
			return
		}
		if !s.post(ctx, telFrameEvent{data: data, binary: typ != websocket.MessageText}) {
			return
		}
	}
}

func (s *Session) dialAndReadAI(ctx context.Context) {
	start := time.Now()
	dctx, dcancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	link, err := s.dialer.Dial(dctx)
	dcancel()
	if err != nil {
		s.post(ctx, aiDialFailedEvent{err: err})
		return
	}
	if !s.post(ctx, aiOpenEvent{link: link, dialed: time.Since(start)}) {
		_ = link.Close()
		return
	}

	for {
		ev, err := link.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, s2s.ErrMalformedEvent) {
				if !s.post(ctx, aiMalformedEvent{err: err}) {
					return
				}
				continue
			}
			s.post(ctx, aiClosedEvent{link: link, err: err})
			return
		}
		if !s.post(ctx, aiServerEvent{ev: ev}) {
			return
		}
	}
}

// ── loop ───────────────────────────────────────────────────────────────────────

func (s *Session) loop(ctx context.Context) {
	for s.state != StateClosed {
		var timerC <-chan time.Time
		if s.handshakeTimer != nil {
			timerC = s.handshakeTimer.C
		}

		select {
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-timerC:
			s.handshakeTimer = nil
			s.sendHandshake(ctx, "timer")
		case <-s.stop:
			s.teardown("closed by server")
		case <-ctx.Done():
			s.teardown("context cancelled")
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case telFrameEvent:
		s.onTelephonyFrame(ctx, e)

	case telClosedEvent:
		switch status := websocket.CloseStatus(e.err); status {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			s.log.Info("telephony link closed", "status", int(status))
		default:
			if ctx.Err() == nil {
				s.log.Warn("telephony link failed", "err", e.err)
				s.metrics.RecordLinkError(ctx, observe.LinkTelephony)
			}
		}
		s.teardown("telephony closed")

	case aiOpenEvent:
		s.onAIOpen(ctx, e)

	case aiDialFailedEvent:
		s.log.Error("ai link dial failed", "err", e.err)
		s.metrics.RecordLinkError(ctx, observe.LinkAI)
		s.onAIFailure("dial failed")

	case aiServerEvent:
		s.onAIEvent(ctx, e.ev)

	case aiMalformedEvent:
		s.log.Warn("dropping malformed ai event", "err", e.err)
		s.metrics.RecordMalformed(ctx, observe.LinkAI)

	case aiClosedEvent:
		if e.link != s.ai {
			return
		}
		_ = s.ai.Close()
		s.ai = nil
		s.updateInfo(func(i *Info) { i.AILinkOpen = false })
		s.log.Warn("ai link closed", "err", e.err)
		s.metrics.RecordLinkError(ctx, observe.LinkAI)
		s.onAIFailure("link closed")
	}
}

// transition moves to the next state if the table allows it.
func (s *Session) transition(to State) bool {
	if !canTransition(s.state, to) {
		s.log.Warn("ignoring illegal state transition", "from", s.state.String(), "to", to.String())
		return false
	}
	s.log.Debug("state transition", "from", s.state.String(), "to", to.String())
	s.state = to
	s.updateInfo(func(i *Info) { i.State = to.String() })
	return true
}

// ── telephony → AI ─────────────────────────────────────────────────────────────

func (s *Session) onTelephonyFrame(ctx context.Context, e telFrameEvent) {
	if e.binary {
		s.log.Warn("dropping binary telephony frame", "bytes", len(e.data))
		s.metrics.RecordMalformed(ctx, observe.LinkTelephony)
		return
	}
	f, err := twilio.ParseFrame(e.data)
	if err != nil {
		s.log.Warn("dropping malformed telephony frame", "err", err)
		s.metrics.RecordMalformed(ctx, observe.LinkTelephony)
		return
	}

	act := translateTelephony(f)
	switch act.kind {
	case telForwardAudio:
		if s.ai == nil {
			s.log.Debug("dropping caller audio, ai link not open")
			return
		}
		err := s.writeAI(ctx, func(wctx context.Context) error {
			return s.ai.AppendAudio(wctx, act.payload)
		})
		if err != nil {
			s.log.Warn("forward caller audio", "err", err)
			return
		}
		s.metrics.RecordFrame(ctx, observe.DirectionToAI)

	case telSetStream:
		s.setStream(ctx, act.streamSid, act.callSid)

	case telStreamStopped:
		s.log.Info("media stream stopped")

	default:
		s.log.Debug("ignoring telephony event", "event", f.Event)
	}
}

// setStream records the stream handle. The first start wins.
func (s *Session) setStream(ctx context.Context, streamSid, callSid string) {
	if streamSid == "" {
		s.log.Warn("start event without stream sid")
		return
	}
	if s.streamSid != "" {
		if streamSid != s.streamSid {
			s.log.Warn("ignoring second start event", "stream_sid", s.streamSid, "new_stream_sid", streamSid)
		}
		return
	}
	s.streamSid = streamSid
	s.callSid = callSid
	s.updateInfo(func(i *Info) {
		i.StreamSid = streamSid
		i.CallSid = callSid
	})
	s.log.Info("media stream started", "stream_sid", streamSid, "call_sid", callSid)

	if len(s.pending) > 0 {
		n := len(s.pending)
		for _, p := range s.pending {
			s.writeAudio(ctx, p)
		}
		s.pending = nil
		s.metrics.RecordUnaddressed(ctx, "flushed", n)
		s.log.Debug("flushed buffered agent audio", "deltas", n)
	}
}

// ── AI → telephony ─────────────────────────────────────────────────────────────

func (s *Session) onAIOpen(ctx context.Context, e aiOpenEvent) {
	s.ai = e.link
	s.aiOpenedAt = time.Now()
	s.updateInfo(func(i *Info) { i.AILinkOpen = true })
	s.log.Info("ai link open", "dial", e.dialed)

	if s.handshakeSent {
		return
	}
	switch {
	case s.cfg.WaitForReady && s.cfg.HandshakeDelay > 0:
		s.handshakeTimer = time.NewTimer(s.cfg.HandshakeDelay)
	case s.cfg.WaitForReady:
		// No fallback: wait for session.created.
	case s.cfg.HandshakeDelay > 0:
		s.handshakeTimer = time.NewTimer(s.cfg.HandshakeDelay)
	default:
		s.sendHandshake(ctx, "open")
	}
}

// sendHandshake configures the AI session. It runs at most once per call.
func (s *Session) sendHandshake(ctx context.Context, trigger string) {
	if s.handshakeSent || s.ai == nil {
		return
	}
	s.handshakeSent = true
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}

	err := s.writeAI(ctx, func(wctx context.Context) error {
		return s.ai.Configure(wctx, s.cfg.Session)
	})
	if err != nil {
		s.log.Error("send session handshake", "err", err)
	} else {
		s.log.Info("session handshake sent", "trigger", trigger, "voice", s.cfg.Session.Voice)
		s.metrics.HandshakeLatency.Record(ctx, time.Since(s.aiOpenedAt).Seconds())
	}
	if s.state == StateNegotiating {
		s.transition(StateActive)
	}
}

func (s *Session) onAIEvent(ctx context.Context, ev s2s.Event) {
	act := translateAI(ev)
	switch act.kind {
	case aiPlayAudio:
		s.playAudio(ctx, act.payload)

	case aiAppendTranscript:
		s.appendTranscript(ctx, act.speaker, act.text)

	case aiMissingTranscript:
		s.log.Warn("agent response finished without a transcript")
		s.appendTranscript(ctx, transcript.SpeakerAgent, transcript.MissingAgentText)

	case aiReady:
		s.log.Debug("ai session created")
		if s.cfg.WaitForReady {
			s.sendHandshake(ctx, "session.created")
		}

	case aiConfigured:
		s.log.Info("ai session configured")

	case aiSpeechStarted:
		if s.cfg.ClearOnSpeechStart && s.streamSid != "" {
			s.writeTelephony(ctx, twilio.NewOutboundClear(s.streamSid))
		}

	case aiProviderError:
		attrs := []any{"type", ev.Type}
		if act.err != nil {
			attrs = append(attrs, "error_type", act.err.Type, "code", act.err.Code, "message", act.err.Message)
		}
		s.log.Error("ai endpoint reported an error", attrs...)

	default:
		s.log.Debug("ignoring ai event", "type", ev.Type)
	}
}

// playAudio sends agent audio to the caller, applying the unaddressed audio
// policy while the stream handle is unknown.
func (s *Session) playAudio(ctx context.Context, payload string) {
	if s.streamSid != "" {
		s.writeAudio(ctx, payload)
		return
	}

	switch s.cfg.Unaddressed {
	case UnaddressedDrop:
		s.log.Debug("dropping agent audio, no stream handle yet")
		s.metrics.RecordUnaddressed(ctx, "dropped", 1)
	case UnaddressedForward:
		s.writeAudio(ctx, payload)
		s.metrics.RecordUnaddressed(ctx, "forwarded", 1)
	default:
		if len(s.pending) >= s.cfg.MaxPendingDeltas {
			s.log.Warn("unaddressed audio buffer full, dropping delta", "max", s.cfg.MaxPendingDeltas)
			s.metrics.RecordUnaddressed(ctx, "dropped", 1)
			return
		}
		s.pending = append(s.pending, payload)
		s.metrics.RecordUnaddressed(ctx, "buffered", 1)
	}
}

// writeAudio sends one media frame addressed to the current stream handle
// (null when there is none).
func (s *Session) writeAudio(ctx context.Context, payload string) {
	if s.writeTelephony(ctx, twilio.NewOutboundMedia(s.streamSid, payload)) {
		s.metrics.RecordFrame(ctx, observe.DirectionToTelephony)
	}
}

func (s *Session) writeTelephony(ctx context.Context, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal telephony frame", "err", err)
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.tel.Write(wctx, websocket.MessageText, data); err != nil {
		s.log.Warn("write telephony frame", "err", err)
		s.metrics.RecordLinkError(ctx, observe.LinkTelephony)
		return false
	}
	return true
}

// writeAI runs one write on the AI link under the write timeout. A write that
// stalls past it means the peer stopped reading, so the link is dropped and
// the AI failure policy applies.
func (s *Session) writeAI(ctx context.Context, write func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	err := write(wctx)
	if err == nil {
		return nil
	}
	s.metrics.RecordLinkError(ctx, observe.LinkAI)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && s.ai != nil {
		s.log.Warn("ai link write stalled, dropping link", "timeout", s.cfg.WriteTimeout)
		_ = s.ai.Close()
		s.ai = nil
		s.updateInfo(func(i *Info) { i.AILinkOpen = false })
		s.onAIFailure("write stalled")
	}
	return err
}

func (s *Session) appendTranscript(ctx context.Context, speaker, text string) {
	wasTruncated := s.transcript.Truncated()
	if !s.transcript.Append(speaker, text) {
		if !wasTruncated && s.transcript.Truncated() {
			s.log.Warn("transcript size cap reached, dropping further lines", "max_bytes", s.cfg.MaxTranscriptBytes)
		}
		return
	}
	s.metrics.RecordTranscriptLine(ctx, speaker)
	s.updateInfo(func(i *Info) { i.TranscriptLines++ })

	if speaker != transcript.SpeakerUser {
		return
	}
	s.userLines++
	if s.callerName == "" && s.userLines <= 3 {
		if name := transcript.GuessCallerName(text); name != "" {
			s.callerName = name
			s.updateInfo(func(i *Info) { i.CallerName = name })
			s.log.Info("caller introduced themselves", "caller_name", name)
		}
	}
}

// onAIFailure applies the AI link failure policy. By default the call goes on
// without the AI; the caller just hears silence.
func (s *Session) onAIFailure(reason string) {
	if s.cfg.EndCallOnAIFailure {
		s.teardown(fmt.Sprintf("ai link %s", reason))
	}
}

// ── teardown ───────────────────────────────────────────────────────────────────

// teardown runs Closing and Closed. Every exit path ends here exactly once.
func (s *Session) teardown(reason string) {
	if s.state >= StateClosing {
		return
	}
	s.transition(StateClosing)

	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	if s.ai != nil {
		_ = s.ai.Close()
		s.ai = nil
		s.updateInfo(func(i *Info) { i.AILinkOpen = false })
	}
	text := s.transcript.Seal()
	duration := time.Since(s.startedAt)
	s.log.Info("call ended",
		"reason", reason,
		"duration", duration,
		"transcript_lines", s.transcript.Len(),
		"transcript_truncated", s.transcript.Truncated(),
		"caller_name", s.callerName,
		"unflushed_deltas", len(s.pending),
	)
	s.pending = nil
	s.metrics.CallDuration.Record(context.Background(), duration.Seconds())

	if s.postcall != nil {
		s.postcall.Submit(text, s.id)
	}
	_ = s.tel.Close(websocket.StatusNormalClosure, "call ended")

	if s.registry != nil && !s.registry.Remove(s.id, s) {
		s.log.Debug("session already replaced in registry")
	}
	s.transition(StateClosed)
}
