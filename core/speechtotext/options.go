// Package speechtotext defines the contract with the streaming transcription
// collaborator.
package speechtotext

import (
	"time"

	"github.com/zylin-ai/call-core/core/audio"
)

// TranscriptEvent is one transcription result for the audio sent so far.
// Interim events may be superseded by later interim events; a final event is
// immutable and terminal for the utterance segment it covers.
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Timestamp  time.Time
}

type TranscriptionOptions struct {
	// TranscriptCallback receives every interim and final transcript event,
	// in order.
	TranscriptCallback func(TranscriptEvent)

	SpeechStartedCallback func()
	SpeechEndedCallback   func()

	EncodingInfo audio.EncodingInfo
}

type TranscriptionOption func(*TranscriptionOptions)

func WithTranscriptCallback(callback func(TranscriptEvent)) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.TranscriptCallback = callback
	}
}

func WithSpeechStartedCallback(callback func()) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.SpeechStartedCallback = callback
	}
}

func WithSpeechEndedCallback(callback func()) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.SpeechEndedCallback = callback
	}
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.EncodingInfo = encodingInfo
	}
}
