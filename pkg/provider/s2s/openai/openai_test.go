package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/s2s/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeRaw sends a raw text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

func dial(t *testing.T, srv *httptest.Server, opts ...openai.Option) s2s.Link {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	l, err := openai.New("sk-test", opts...).Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readEvent(t *testing.T, l s2s.Link) (s2s.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return l.ReadEvent(ctx)
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_SendsAuthAndModel(t *testing.T) {
	t.Parallel()

	got := make(chan *http.Request, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- r
		// Hold the connection until the client closes it.
		_, _, _ = conn.Read(context.Background())
	})

	d := openai.New("sk-secret", openai.WithBaseURL(wsURL(srv)), openai.WithModel("gpt-test"))
	if d.Model() != "gpt-test" {
		t.Errorf("Model() = %q", d.Model())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	l, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer l.Close()

	r := <-got
	if auth := r.Header.Get("Authorization"); auth != "Bearer sk-secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if beta := r.Header.Get("OpenAI-Beta"); beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", beta)
	}
	if m := r.URL.Query().Get("model"); m != "gpt-test" {
		t.Errorf("model query = %q", m)
	}
}

func TestDial_Error(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := openai.New("bad", openai.WithBaseURL(wsURL(srv))).Dial(ctx)
	if err == nil {
		t.Fatal("Dial succeeded against a non-websocket endpoint")
	}
	if !strings.HasPrefix(err.Error(), "openai: dial:") {
		t.Errorf("err = %v, want openai: dial prefix", err)
	}
}

func TestKnownVoice(t *testing.T) {
	t.Parallel()

	if !openai.KnownVoice("alloy") {
		t.Error("alloy should be known")
	}
	if openai.KnownVoice("robot") {
		t.Error("robot should not be known")
	}
}

// ── Outbound frames ───────────────────────────────────────────────────────────

func TestConfigure_SessionUpdate(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		received <- msg
	})

	l := dial(t, srv)
	err := l.Configure(context.Background(), s2s.SessionConfig{
		Voice:              "alloy",
		Instructions:       "be nice",
		Temperature:        0.8,
		AudioFormat:        "g711_ulaw",
		TurnDetection:      s2s.ServerVAD,
		Modalities:         []string{"text", "audio"},
		TranscriptionModel: "whisper-1",
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	msg := <-received
	if msg["type"] != "session.update" {
		t.Fatalf("type = %v", msg["type"])
	}
	sess, _ := msg["session"].(map[string]any)
	if sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
		t.Errorf("audio formats = %v / %v", sess["input_audio_format"], sess["output_audio_format"])
	}
	if sess["voice"] != "alloy" || sess["instructions"] != "be nice" {
		t.Errorf("voice/instructions = %v / %v", sess["voice"], sess["instructions"])
	}
	if sess["temperature"] != 0.8 {
		t.Errorf("temperature = %v", sess["temperature"])
	}
	td, _ := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v", sess["turn_detection"])
	}
	tr, _ := sess["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Errorf("input_audio_transcription = %v", sess["input_audio_transcription"])
	}
	mods, _ := sess["modalities"].([]any)
	if len(mods) != 2 || mods[0] != "text" || mods[1] != "audio" {
		t.Errorf("modalities = %v", sess["modalities"])
	}
}

func TestConfigure_OmitsDisabledFeatures(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		received <- msg
	})

	l := dial(t, srv)
	if err := l.Configure(context.Background(), s2s.SessionConfig{Voice: "echo"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	sess, _ := (<-received)["session"].(map[string]any)
	for _, k := range []string{"turn_detection", "input_audio_transcription"} {
		if _, ok := sess[k]; ok {
			t.Errorf("session.%s present, want omitted", k)
		}
	}
}

func TestAppendAudio_PayloadUnchanged(t *testing.T) {
	t.Parallel()

	const payload = "//7+/f38+/r5+A=="
	received := make(chan map[string]string, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]string
		readJSON(t, conn, &msg)
		received <- msg
	})

	l := dial(t, srv)
	if err := l.AppendAudio(context.Background(), payload); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	msg := <-received
	if msg["type"] != "input_audio_buffer.append" || msg["audio"] != payload {
		t.Errorf("msg = %v", msg)
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		_, _, _ = conn.Read(context.Background())
	})
	l := dial(t, srv)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := l.AppendAudio(context.Background(), "AA=="); err == nil {
		t.Error("AppendAudio after Close succeeded")
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestReadEvent_Kinds(t *testing.T) {
	t.Parallel()

	frames := []string{
		`{"type":"session.created","session":{"id":"sess_1"}}`,
		`{"type":"session.updated"}`,
		`{"type":"response.audio.delta","delta":"AAEC"}`,
		`{"type":"conversation.item.input_audio_transcription.completed","transcript":"  hello  "}`,
		`{"type":"response.done","response":{"output":[{"type":"message","content":[{"type":"audio"},{"type":"audio","transcript":"Hi there"}]}]}}`,
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"error","error":{"type":"invalid_request_error","code":"bad","message":"nope"}}`,
		`{"type":"rate_limits.updated"}`,
	}
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for _, f := range frames {
			writeRaw(t, conn, f)
		}
		_, _, _ = conn.Read(context.Background())
	})
	l := dial(t, srv)

	want := []s2s.Event{
		{Kind: s2s.KindSessionCreated, Type: "session.created"},
		{Kind: s2s.KindSessionUpdated, Type: "session.updated"},
		{Kind: s2s.KindAudioDelta, Type: "response.audio.delta", Audio: "AAEC"},
		{Kind: s2s.KindUserTranscript, Type: "conversation.item.input_audio_transcription.completed", Text: "  hello  "},
		{Kind: s2s.KindResponseDone, Type: "response.done", Text: "Hi there"},
		{Kind: s2s.KindSpeechStarted, Type: "input_audio_buffer.speech_started"},
		{Kind: s2s.KindError, Type: "error"},
		{Kind: s2s.KindOther, Type: "rate_limits.updated"},
	}
	for i, w := range want {
		got, err := readEvent(t, l)
		if err != nil {
			t.Fatalf("event %d: ReadEvent: %v", i, err)
		}
		if got.Kind != w.Kind || got.Type != w.Type || got.Audio != w.Audio || got.Text != w.Text {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
		if w.Kind == s2s.KindError {
			if got.Err == nil || got.Err.Code != "bad" || got.Err.Message != "nope" {
				t.Errorf("error detail = %+v", got.Err)
			}
		}
	}
}

func TestReadEvent_ResponseDoneWithoutTranscript(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeRaw(t, conn, `{"type":"response.done","response":{"output":[]}}`)
		writeRaw(t, conn, `{"type":"response.done"}`)
		_, _, _ = conn.Read(context.Background())
	})
	l := dial(t, srv)

	for i := range 2 {
		ev, err := readEvent(t, l)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if ev.Kind != s2s.KindResponseDone || ev.Text != "" {
			t.Errorf("event %d = %+v, want response_done without text", i, ev)
		}
	}
}

func TestReadEvent_MalformedKeepsLinkOpen(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeRaw(t, conn, `{not json`)
		writeRaw(t, conn, `{"no_type":true}`)
		writeRaw(t, conn, `{"type":"session.created"}`)
		_, _, _ = conn.Read(context.Background())
	})
	l := dial(t, srv)

	for i := range 2 {
		_, err := readEvent(t, l)
		if !errors.Is(err, s2s.ErrMalformedEvent) {
			t.Errorf("frame %d: err = %v, want ErrMalformedEvent", i, err)
		}
	}
	ev, err := readEvent(t, l)
	if err != nil {
		t.Fatalf("ReadEvent after malformed frames: %v", err)
	}
	if ev.Kind != s2s.KindSessionCreated {
		t.Errorf("Kind = %v, want session_created", ev.Kind)
	}
}

func TestReadEvent_PeerClose(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusGoingAway, "bye")
	})
	l := dial(t, srv)

	_, err := readEvent(t, l)
	if err == nil {
		t.Fatal("ReadEvent succeeded after peer close")
	}
	if errors.Is(err, s2s.ErrMalformedEvent) {
		t.Errorf("peer close reported as malformed: %v", err)
	}
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("CloseStatus = %v, want StatusGoingAway", websocket.CloseStatus(err))
	}
}
