package app

import (
	"slices"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/frontdoor"
	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// RelayConfig derives the per-call relay configuration from cfg.
func RelayConfig(cfg *config.Config) relay.Config {
	rt := cfg.Realtime
	return relay.Config{
		Session: s2s.SessionConfig{
			Voice:              rt.Voice,
			Instructions:       rt.Instructions,
			Temperature:        rt.Temperature,
			AudioFormat:        rt.AudioFormat,
			TurnDetection:      s2s.TurnDetection(optional(rt.TurnDetection)),
			Modalities:         slices.Clone(rt.Modalities),
			TranscriptionModel: optional(rt.TranscriptionModel),
		},
		HandshakeDelay:     rt.Handshake.Delay,
		WaitForReady:       rt.Handshake.WaitForReady,
		Unaddressed:        relay.UnaddressedPolicy(cfg.Relay.UnaddressedAudio),
		MaxPendingDeltas:   cfg.Relay.MaxPendingDeltas,
		EndCallOnAIFailure: cfg.Relay.EndCallOnAILinkFailure,
		ClearOnSpeechStart: cfg.Relay.ClearOnSpeechStart,
		MaxTranscriptBytes: cfg.Relay.MaxTranscriptBytes,
		DialTimeout:        cfg.Relay.DialTimeout,
		WriteTimeout:       cfg.Relay.WriteTimeout,
	}
}

// FrontDoorSettings derives the webhook settings from cfg.
func FrontDoorSettings(cfg *config.Config) frontdoor.Settings {
	return frontdoor.Settings{
		Greeting:   cfg.FrontDoor.Greeting,
		Voice:      cfg.FrontDoor.Voice,
		PublicHost: cfg.Server.PublicHost,
	}
}

// optional maps the "none" sentinel to the empty string.
func optional(v string) string {
	if v == config.None {
		return ""
	}
	return v
}
