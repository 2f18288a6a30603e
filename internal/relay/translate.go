package relay

import (
	"strings"

	"github.com/MrWong99/callbridge/internal/transcript"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/telephony/twilio"
)

// The translators below are pure: they map one decoded frame to the single
// action the session should take and never touch session state.

// telephonyActionKind enumerates what an inbound telephony frame asks for.
type telephonyActionKind int

const (
	telIgnore telephonyActionKind = iota
	telForwardAudio
	telSetStream
	telStreamStopped
)

// telephonyAction is the translation of one telephony frame.
type telephonyAction struct {
	kind telephonyActionKind

	// payload is the untouched base64 audio for telForwardAudio.
	payload string

	// streamSid and callSid are set for telSetStream.
	streamSid string
	callSid   string
}

// translateTelephony maps a media-stream frame to an action. Media becomes an
// audio append for the AI link with the payload passed through byte for byte;
// start carries the stream handle; everything else is ignored.
func translateTelephony(f twilio.Frame) telephonyAction {
	switch f.Event {
	case twilio.EventMedia:
		return telephonyAction{kind: telForwardAudio, payload: f.Media.Payload}
	case twilio.EventStart:
		return telephonyAction{kind: telSetStream, streamSid: f.Start.StreamSid, callSid: f.Start.CallSid}
	case twilio.EventStop:
		return telephonyAction{kind: telStreamStopped}
	default:
		return telephonyAction{kind: telIgnore}
	}
}

// aiActionKind enumerates what an AI server event asks for.
type aiActionKind int

const (
	aiIgnore aiActionKind = iota
	aiPlayAudio
	aiAppendTranscript
	aiMissingTranscript
	aiReady
	aiConfigured
	aiSpeechStarted
	aiProviderError
)

// aiAction is the translation of one AI event.
type aiAction struct {
	kind aiActionKind

	// payload is the base64 audio for aiPlayAudio.
	payload string

	// speaker and text are set for aiAppendTranscript.
	speaker string
	text    string

	// err is set for aiProviderError.
	err *s2s.ProviderError
}

// translateAI maps an AI event to an action. User transcripts are trimmed and
// kept even when blank so the transcript records every caller turn; a
// response without a spoken transcript is reported as aiMissingTranscript.
func translateAI(ev s2s.Event) aiAction {
	switch ev.Kind {
	case s2s.KindAudioDelta:
		if ev.Audio == "" {
			return aiAction{kind: aiIgnore}
		}
		return aiAction{kind: aiPlayAudio, payload: ev.Audio}
	case s2s.KindUserTranscript:
		return aiAction{kind: aiAppendTranscript, speaker: transcript.SpeakerUser, text: strings.TrimSpace(ev.Text)}
	case s2s.KindResponseDone:
		if ev.Text == "" {
			return aiAction{kind: aiMissingTranscript}
		}
		return aiAction{kind: aiAppendTranscript, speaker: transcript.SpeakerAgent, text: ev.Text}
	case s2s.KindSessionCreated:
		return aiAction{kind: aiReady}
	case s2s.KindSessionUpdated:
		return aiAction{kind: aiConfigured}
	case s2s.KindSpeechStarted:
		return aiAction{kind: aiSpeechStarted}
	case s2s.KindError:
		return aiAction{kind: aiProviderError, err: ev.Err}
	default:
		return aiAction{kind: aiIgnore}
	}
}
