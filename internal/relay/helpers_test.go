package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/provider/s2s/mock"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"
)

// ── fake telephony link ───────────────────────────────────────────────────────

type inbound struct {
	typ  websocket.MessageType
	data []byte
}

// fakeTelephony is an in-memory TelephonyConn. Frames queued with send are
// returned by Read; frames written by the session arrive on out.
type fakeTelephony struct {
	in  chan inbound
	out chan []byte

	hungUp   chan struct{}
	hangOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	closeCode websocket.StatusCode
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		in:     make(chan inbound, 64),
		out:    make(chan []byte, 1024),
		hungUp: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (f *fakeTelephony) send(s string) { f.in <- inbound{typ: websocket.MessageText, data: []byte(s)} }

func (f *fakeTelephony) sendBinary(b []byte) { f.in <- inbound{typ: websocket.MessageBinary, data: b} }

// hangup simulates the caller hanging up.
func (f *fakeTelephony) hangup() { f.hangOnce.Do(func() { close(f.hungUp) }) }

func (f *fakeTelephony) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-f.in:
		return m.typ, m.data, nil
	default:
	}
	select {
	case m := <-f.in:
		return m.typ, m.data, nil
	case <-f.hungUp:
		return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "hangup"}
	case <-f.closed:
		return 0, nil, errors.New("fake: use of closed connection")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeTelephony) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errors.New("fake: write to closed connection")
	default:
	}
	f.out <- p
	return nil
}

func (f *fakeTelephony) Close(code websocket.StatusCode, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTelephony) closeStatus() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTelephony) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// nextOut waits for the next frame the session wrote to the caller.
func (f *fakeTelephony) nextOut(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-f.out:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("outbound frame is not JSON: %s", data)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound telephony frame")
		return nil
	}
}

// expectNoOut asserts nothing is written within a short window.
func (f *fakeTelephony) expectNoOut(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.out:
		t.Fatalf("unexpected outbound frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// ── post-call recorder ────────────────────────────────────────────────────────

type submission struct {
	transcript string
	sessionID  string
}

type recordingPostCall struct {
	ch chan submission
}

func newRecordingPostCall() *recordingPostCall {
	return &recordingPostCall{ch: make(chan submission, 16)}
}

func (r *recordingPostCall) Submit(transcript, sessionID string) {
	r.ch <- submission{transcript: transcript, sessionID: sessionID}
}

func (r *recordingPostCall) next(t *testing.T) submission {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-call submission")
		return submission{}
	}
}

// ── session harness ───────────────────────────────────────────────────────────

type harness struct {
	sess     *Session
	tel      *fakeTelephony
	link     *mock.Link
	dialer   *mock.Dialer
	registry *Registry
	postcall *recordingPostCall
	done     chan error
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession registers and runs a session with a mock AI link. The
// handshake is sent as soon as the link opens unless cfg says otherwise.
func startSession(t *testing.T, cfg Config) *harness {
	t.Helper()
	return startSessionWithDialer(t, cfg, &mock.Dialer{})
}

// startSessionWithDialer is startSession with a scripted dialer. When d has
// no Link, the harness link is handed out.
func startSessionWithDialer(t *testing.T, cfg Config, d *mock.Dialer) *harness {
	t.Helper()
	h := &harness{
		tel:      newFakeTelephony(),
		link:     mock.NewLink(),
		dialer:   d,
		registry: NewRegistry(),
		postcall: newRecordingPostCall(),
		done:     make(chan error, 1),
	}
	if d.Link == nil {
		d.Link = h.link
	}

	sess, created := h.registry.GetOrCreate("CA1", func() *Session {
		return NewSession(SessionParams{
			ID:        "CA1",
			Telephony: h.tel,
			Dialer:    h.dialer,
			Registry:  h.registry,
			PostCall:  h.postcall,
			Config:    cfg,
			Metrics:   testMetrics(t),
			Logger:    discardLogger(),
		})
	})
	if !created {
		t.Fatal("GetOrCreate did not create")
	}
	h.sess = sess

	go func() { h.done <- sess.Run(context.Background()) }()
	t.Cleanup(func() {
		sess.Close()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

// immediateHandshake is a config that sends the handshake on link open.
func immediateHandshake() Config {
	cfg := DefaultConfig()
	cfg.HandshakeDelay = 0
	return cfg
}

// wait blocks until Run returns.
func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitSent waits until the mock link has received n more writes.
func waitSent(t *testing.T, l *mock.Link, n int) {
	t.Helper()
	for range n {
		select {
		case <-l.Sent():
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for AI link write")
		}
	}
}
