// Package deepgram implements the streaming transcription collaborator on top
// of Deepgram's live listen websocket API.
package deepgram

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TranscriptionClient holds one live transcription stream. Each session opens
// its own client; a single stream must not be shared across sessions.
type TranscriptionClient struct {
	apiKey   string
	model    string
	language string

	conn   *websocket.Conn
	connMu sync.Mutex

	lastMsgTs             time.Time
	unendedSegment        bool
	accumulatedTranscript string
}

type ClientOption func(*TranscriptionClient)

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) { c.model = model }
}

func WithLanguage(language string) ClientOption {
	return func(c *TranscriptionClient) { c.language = language }
}

func WithAPIKey(apiKey string) ClientOption {
	return func(c *TranscriptionClient) { c.apiKey = apiKey }
}

func NewTranscriptionClient(opts ...ClientOption) (*TranscriptionClient, error) {
	client := &TranscriptionClient{
		model:    "nova-3",
		language: "en-US",
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
