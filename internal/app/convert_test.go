package app

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

func TestRelayConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
realtime:
  api_key: sk-test
  voice: shimmer
  temperature: 0.6
  transcription_model: none
  turn_detection: none
  handshake:
    delay: 500ms
    wait_for_ready: true
relay:
  unaddressed_audio: drop
  max_pending_deltas: 12
  end_call_on_ai_link_failure: true
  clear_on_speech_start: true
  max_transcript_bytes: 4096
  dial_timeout: 3s
  write_timeout: 2s
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	got := RelayConfig(cfg)
	if got.Session.Voice != "shimmer" || got.Session.Temperature != 0.6 {
		t.Errorf("session = %+v", got.Session)
	}
	if got.Session.TranscriptionModel != "" {
		t.Errorf("TranscriptionModel = %q, want empty for none", got.Session.TranscriptionModel)
	}
	if got.Session.TurnDetection != s2s.TurnDetection("") {
		t.Errorf("TurnDetection = %q, want empty for none", got.Session.TurnDetection)
	}
	if got.Session.AudioFormat != config.DefaultAudioFormat {
		t.Errorf("AudioFormat = %q", got.Session.AudioFormat)
	}
	if got.HandshakeDelay != 500*time.Millisecond || !got.WaitForReady {
		t.Errorf("handshake = %v wait=%v", got.HandshakeDelay, got.WaitForReady)
	}
	if got.Unaddressed != relay.UnaddressedDrop || got.MaxPendingDeltas != 12 {
		t.Errorf("unaddressed = %q max=%d", got.Unaddressed, got.MaxPendingDeltas)
	}
	if !got.EndCallOnAIFailure || !got.ClearOnSpeechStart {
		t.Error("relay flags not mapped")
	}
	if got.MaxTranscriptBytes != 4096 || got.DialTimeout != 3*time.Second || got.WriteTimeout != 2*time.Second {
		t.Errorf("caps = %d %v %v", got.MaxTranscriptBytes, got.DialTimeout, got.WriteTimeout)
	}

	// Mutating the derived modalities must not leak into the config.
	got.Session.Modalities[0] = "mutated"
	if cfg.Realtime.Modalities[0] == "mutated" {
		t.Error("Modalities slice is shared with the config")
	}
}

func TestRelayConfig_Defaults(t *testing.T) {
	t.Parallel()
	got := RelayConfig(testConfig(t))
	if got.Session.TranscriptionModel != config.DefaultTranscriptionModel {
		t.Errorf("TranscriptionModel = %q", got.Session.TranscriptionModel)
	}
	if got.Session.TurnDetection != s2s.TurnDetection(config.DefaultTurnDetection) {
		t.Errorf("TurnDetection = %q", got.Session.TurnDetection)
	}
	if got.Unaddressed != relay.UnaddressedBuffer {
		t.Errorf("Unaddressed = %q", got.Unaddressed)
	}
}

func TestFrontDoorSettings(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.PublicHost = "calls.example.com"
	cfg.FrontDoor.Voice = "Polly.Joanna"

	got := FrontDoorSettings(cfg)
	if got.Greeting != "Hello from the test." || got.Voice != "Polly.Joanna" || got.PublicHost != "calls.example.com" {
		t.Errorf("settings = %+v", got)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := LogLevel(tc.in); got != tc.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
