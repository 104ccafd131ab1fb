// Package texttospeech defines the contract with the speech synthesis
// collaborator.
package texttospeech

import "github.com/zylin-ai/call-core/core/audio"

type TextToSpeechOptions struct {
	// SpeechAudioCallback is called for every chunk of synthesized audio, in
	// production order.
	SpeechAudioCallback func(audio []byte)
	// SpeechMarkCallback is called once per mark, after all speech up to the
	// mark has been produced.
	SpeechMarkCallback func(string)
	// SpeechEndedCallback is called once all requested speech has been
	// produced.
	SpeechEndedCallback func()
	// ErrorCallback is called when the synthesis stream fails or is
	// cancelled.
	ErrorCallback func(error)

	EncodingInfo audio.EncodingInfo
}

type TextToSpeechOption func(*TextToSpeechOptions)

func WithSpeechAudioCallback(callback func([]byte)) TextToSpeechOption {
	return func(o *TextToSpeechOptions) { o.SpeechAudioCallback = callback }
}

func WithSpeechMarkCallback(callback func(string)) TextToSpeechOption {
	return func(o *TextToSpeechOptions) { o.SpeechMarkCallback = callback }
}

func WithSpeechEndedCallback(callback func()) TextToSpeechOption {
	return func(o *TextToSpeechOptions) { o.SpeechEndedCallback = callback }
}

func WithErrorCallback(callback func(error)) TextToSpeechOption {
	return func(o *TextToSpeechOptions) { o.ErrorCallback = callback }
}

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TextToSpeechOption {
	return func(o *TextToSpeechOptions) {
		if encodingInfo.IsZero() {
			return
		}

		o.EncodingInfo = encodingInfo
	}
}

// SpeechGenerator is one live synthesis stream, producing speech for the text
// it is fed, in order.
type SpeechGenerator interface {
	// SendText queues text for synthesis. Speech is always generated in the
	// order text is sent.
	//
	// SendText errors if EndOfText, Cancel or Close has been called.
	SendText(string) error
	// Mark marks the current point in the text. The mark callback fires after
	// all speech up to the mark has been produced.
	//
	// Mark errors if EndOfText, Cancel or Close has been called.
	Mark() error
	// EndOfText signals that no more text will be sent. The generator closes
	// itself after the remaining speech has been produced.
	EndOfText() error
	// Cancel discards any speech not yet produced and closes the generator.
	Cancel() error
	// Close closes the generator. No audio is delivered after Close returns.
	Close() error
}
