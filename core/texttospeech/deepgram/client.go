// Package deepgram implements the speech synthesis collaborator on top of
// Deepgram's streaming speak websocket API.
package deepgram

import (
	"fmt"
	"os"

	"github.com/zylin-ai/call-core/core/audio"
)

type deepgramVoice string

const (
	// VoiceAsteria is the default English voice.
	VoiceAsteria deepgramVoice = "aura-2-asteria-en"
	VoiceThalia  deepgramVoice = "aura-2-thalia-en"
)

// TextToSpeechClient is a factory for synthesis streams. It is safe to share
// across sessions; each turn opens its own generator.
type TextToSpeechClient struct {
	apiKey string
	voice  deepgramVoice

	encodingInfo audio.EncodingInfo
}

type ClientOption func(*TextToSpeechClient)

func WithVoice(voice string) ClientOption {
	return func(c *TextToSpeechClient) { c.voice = deepgramVoice(voice) }
}

func WithAPIKey(apiKey string) ClientOption {
	return func(c *TextToSpeechClient) { c.apiKey = apiKey }
}

// WithEncodingInfo sets the audio format the generators produce.
func WithEncodingInfo(encodingInfo audio.EncodingInfo) ClientOption {
	return func(c *TextToSpeechClient) {
		if !encodingInfo.IsZero() {
			c.encodingInfo = encodingInfo
		}
	}
}

func NewTextToSpeechClient(opts ...ClientOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		voice:        VoiceAsteria,
		encodingInfo: audio.GetDefaultEncodingInfo(),
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		apiKey, ok := os.LookupEnv("DEEPGRAM_API_KEY")
		if !ok {
			return nil, fmt.Errorf("deepgram api key not found")
		}
		client.apiKey = apiKey
	}

	return client, nil
}
