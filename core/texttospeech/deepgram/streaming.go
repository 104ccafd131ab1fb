package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/zylin-ai/call-core/core/audio"
	"github.com/zylin-ai/call-core/core/texttospeech"
)

type streamingRequest struct {
	ws *websocket.Conn
	mu sync.Mutex

	textBuffer   []string
	textBufferMu sync.Mutex

	options texttospeech.TextToSpeechOptions

	textComplete bool
	cancelled    bool
	closed       bool
}

// NewSpeechGenerator opens one synthesis stream against the speak API.
func (c *TextToSpeechClient) NewSpeechGenerator(ctx context.Context, opts ...texttospeech.TextToSpeechOption) (texttospeech.SpeechGenerator, error) {
	req := &streamingRequest{
		options: texttospeech.TextToSpeechOptions{
			SpeechAudioCallback: func([]byte) {},
			SpeechMarkCallback:  func(string) {},
			SpeechEndedCallback: func() {},
			ErrorCallback:       func(error) {},
			EncodingInfo:        c.encodingInfo,
		},
	}

	for _, opt := range opts {
		opt(&req.options)
	}

	var err error
	if req.ws, err = connectWebsocket(c.apiKey, c.voice, req.options.EncodingInfo); err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}

	go req.processIncomingMessages(ctx)

	return req, nil
}

func connectWebsocket(apiKey string, voice deepgramVoice, encodingInfo audio.EncodingInfo) (*websocket.Conn, error) {
	urlValues := url.Values{}
	urlValues.Set("encoding", encodingInfo.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(encodingInfo.SampleRate))
	urlValues.Set("model", string(voice))
	urlValues.Set("container", "none")

	conn, _, err := websocket.DefaultDialer.Dial(
		(&url.URL{
			Scheme: "wss",
			Host:   "api.deepgram.com", Path: "/v1/speak",
			RawQuery: urlValues.Encode(),
		}).String(),
		http.Header{"Authorization": {"token " + apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, nil
}

func (r *streamingRequest) processIncomingMessages(ctx context.Context) {
	for {
		msgType, msg, err := r.ws.ReadMessage()
		if err != nil {
			if err.Error() != "websocket: close 1000 (normal)" {
				slog.Warn("Websocket read error", "error", err)
				r.options.ErrorCallback(err)
			}
			if err := r.Cancel(); err != nil {
				_ = r.Close() // Ignored on purpose
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			r.options.SpeechAudioCallback(msg)
		case websocket.TextMessage:
			var parsedMsg struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				r.onFlushed()
			case "Warning":
				slog.Warn("Deepgram speak warning", "message", string(msg))
			}
		}
	}
}

func (r *streamingRequest) onFlushed() {
	r.textBufferMu.Lock()
	defer r.textBufferMu.Unlock()

	// notify the consumer we have reached the mark
	if len(r.textBuffer) > 0 {
		r.options.SpeechMarkCallback(r.textBuffer[0])
		r.textBuffer = r.textBuffer[1:]
	}

	// nothing left to synthesize, notify the consumer of the end
	if len(r.textBuffer) == 0 && r.textComplete {
		r.options.SpeechEndedCallback()
		_ = r.Close()
		return
	}

	// send the next text segment if there is any
	if len(r.textBuffer) > 0 {
		if err := r.sendWebsocketMessage(sendTextMsg(r.textBuffer[0])); err != nil {
			slog.Warn("Failed to send deepgram text", "error", err)
		}
	}
	// flush again if there is text beyond that
	if len(r.textBuffer) > 1 {
		if err := r.sendWebsocketMessage(flushMsg); err != nil {
			slog.Warn("Failed to flush deepgram buffer", "error", err)
		}
	}
}

func (r *streamingRequest) SendText(text string) error {
	if r.closed {
		return fmt.Errorf("streaming request closed")
	} else if r.cancelled {
		return fmt.Errorf("streaming request cancelled")
	} else if r.textComplete {
		return fmt.Errorf("streaming request text already completed")
	}

	r.textBufferMu.Lock()
	defer r.textBufferMu.Unlock()

	if len(r.textBuffer) == 0 {
		r.textBuffer = append(r.textBuffer, "")
	}

	if len(r.textBuffer) == 1 {
		if err := r.sendWebsocketMessage(sendTextMsg(text)); err != nil {
			return fmt.Errorf("failed to send websocket send text message: %w", err)
		}
	}
	r.textBuffer[len(r.textBuffer)-1] += text
	return nil
}

func (r *streamingRequest) Mark() error {
	if r.closed {
		return fmt.Errorf("streaming request closed")
	} else if r.cancelled {
		return fmt.Errorf("streaming request cancelled")
	} else if r.textComplete {
		return fmt.Errorf("streaming request text already completed")
	}

	r.textBufferMu.Lock()
	defer r.textBufferMu.Unlock()

	if len(r.textBuffer) == 1 {
		if err := r.sendWebsocketMessage(flushMsg); err != nil {
			return fmt.Errorf("failed to send websocket flush message: %w", err)
		}
	}

	// NOTE: Deepgram sometimes drops text that is passed right after a flush
	// unless there is some kind of break. Segmenting the buffer lets us send
	// the next text only after the flush confirmation arrives.
	r.textBuffer = append(r.textBuffer, "")

	return nil
}

func (r *streamingRequest) EndOfText() error {
	if r.closed {
		return fmt.Errorf("streaming request closed")
	} else if r.cancelled {
		return fmt.Errorf("streaming request cancelled")
	}
	r.textBufferMu.Lock()
	defer r.textBufferMu.Unlock()

	r.textComplete = true
	if len(r.textBuffer) == 0 ||
		(len(r.textBuffer) == 1 && r.textBuffer[0] == "") {
		r.textBuffer = nil
		r.options.SpeechEndedCallback()
		_ = r.Close()
	}

	return nil
}

func (r *streamingRequest) Cancel() error {
	if r.closed {
		return fmt.Errorf("streaming request closed")
	}

	r.cancelled = true
	if err := r.sendWebsocketMessage(clearMsg); err != nil {
		return fmt.Errorf("failed to send websocket clear message: %w", err)
	}

	_ = r.Close()
	return nil
}

func (r *streamingRequest) Close() error {
	r.closed = true
	if err := r.sendWebsocketMessage(closeMsg); err != nil {
		if aggressiveCloseErr := r.ws.Close(); aggressiveCloseErr != nil {
			return fmt.Errorf("failed to close websocket: %w", errors.Join(err, aggressiveCloseErr))
		}
	}
	return nil
}

type websocketMessage struct {
	Type string `json:"type"`
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	clearMsg = websocketMessage{Type: "Clear"}
	closeMsg = websocketMessage{Type: "Close"}
)

func sendTextMsg(text string) speakMessage {
	return speakMessage{Type: "Speak", Text: text}
}

func (r *streamingRequest) sendWebsocketMessage(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ws == nil {
		return fmt.Errorf("websocket connection closed")
	}

	if err := r.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}
