package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/zylin-ai/call-core/core/audio"
	"github.com/zylin-ai/call-core/core/speechtotext"
)

// Transcribe opens the live transcription stream. Transcript and speech
// events are delivered through the configured callbacks until the stream is
// stopped or the context is cancelled.
func (s *TranscriptionClient) Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error {
	options := &speechtotext.TranscriptionOptions{EncodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(options)
	}

	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return fmt.Errorf("invalid encoding: %w", err)
	}

	conn, err := s.connectWebsocket(connectionOptions{
		sampleRate: encoding.SampleRate,
		encoding:   encoding.Format.Name(),

		detectSpeechStart: options.SpeechStartedCallback != nil,
		interimResults:    options.TranscriptCallback != nil,
	})
	if err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}

	s.conn = conn
	go s.readAndProcessMessages(ctx, conn, *options)

	return nil
}

type connectionOptions struct {
	sampleRate int
	encoding   string

	detectSpeechStart bool
	interimResults    bool
}

func (s *TranscriptionClient) connectWebsocket(options connectionOptions) (*websocket.Conn, error) {
	listenUrl, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	queryParams := listenUrl.Query()
	queryParams.Set("encoding", options.encoding)
	queryParams.Set("sample_rate", strconv.Itoa(options.sampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", s.model)
	queryParams.Set("language", s.language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("utterance_end_ms", "1000")
	if options.interimResults {
		queryParams.Set("interim_results", "true")
	}
	queryParams.Set("endpointing", "300")
	if options.detectSpeechStart {
		queryParams.Set("vad_events", "true")
	}

	listenUrl.RawQuery = queryParams.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(listenUrl.String(),
		http.Header{"Authorization": {"Token " + s.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	return conn, err
}

func (s *TranscriptionClient) sendKeepAlive() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if err := s.conn.WriteJSON(
		struct {
			Type string `json:"type"`
		}{
			Type: "KeepAlive",
		}); err != nil {
		slog.Warn("Failed to write to deepgram client", "error", err)
	}
}

func (s *TranscriptionClient) SendAudio(audio []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("transcription stream closed")
	}

	s.lastMsgTs = time.Now()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (s *TranscriptionClient) sendSilence(audio []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("transcription stream closed")
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

func (s *TranscriptionClient) StopStream() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		if err := s.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
			return fmt.Errorf("failed to close deepgram stream through websocket: %w", err)
		}
	}
	return nil
}

func (s *TranscriptionClient) readAndProcessMessages(ctx context.Context, conn *websocket.Conn, options speechtotext.TranscriptionOptions) {
	silenceCtx, silenceCancel := context.WithCancel(ctx)
	defer silenceCancel()

	go s.generateSilence(silenceCtx, options.EncodingInfo)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if err.Error() != "websocket: close 1000 (normal)" {
				slog.Warn("Failed to read deepgram websocket message", "error", err)
			}

			s.connMu.Lock()
			s.conn = nil
			s.connMu.Unlock()
			conn.Close()
			return
		}
		if msgType != websocket.BinaryMessage {
			s.processMessage(ctx, msg, options)
		}
	}
}

func (s *TranscriptionClient) processMessage(_ context.Context, msg []byte, options speechtotext.TranscriptionOptions) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	err := json.Unmarshal(msg, &parsedMsg)
	if err != nil {
		slog.Warn("Failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			slog.Warn("Failed to unmarshal deepgram message", "error", err)
			return
		}
		if len(msgResp.Channel.Alternatives) == 0 {
			return
		}

		alternative := msgResp.Channel.Alternatives[0]
		transcript := strings.TrimSpace(alternative.Transcript)
		if len(transcript) == 0 {
			return
		}

		if msgResp.IsFinal {
			s.accumulatedTranscript = strings.TrimSpace(s.accumulatedTranscript + " " + transcript)
		}

		if options.TranscriptCallback != nil {
			text := transcript
			if !msgResp.IsFinal && s.accumulatedTranscript != "" {
				text = s.accumulatedTranscript + " " + transcript
			} else if msgResp.IsFinal {
				text = s.accumulatedTranscript
			}
			options.TranscriptCallback(speechtotext.TranscriptEvent{
				Text:       text,
				IsFinal:    msgResp.IsFinal && msgResp.SpeechFinal,
				Confidence: alternative.Confidence,
				Timestamp:  time.Now(),
			})
		}
		if msgResp.IsFinal && msgResp.SpeechFinal {
			s.onSpeechEnded(options)
		}

	case api.TypeUtteranceEndResponse:
		var msgResp api.UtteranceEndResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			slog.Warn("Failed to unmarshal deepgram message", "error", err)
			return
		}

		if s.unendedSegment {
			if options.TranscriptCallback != nil && s.accumulatedTranscript != "" {
				options.TranscriptCallback(speechtotext.TranscriptEvent{
					Text:      s.accumulatedTranscript,
					IsFinal:   true,
					Timestamp: time.Now(),
				})
			}
			s.onSpeechEnded(options)
		}
	case api.TypeSpeechStartedResponse:
		var msgResp api.SpeechStartedResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			slog.Warn("Failed to unmarshal deepgram message", "error", err)
			return
		}

		s.unendedSegment = true
		if options.SpeechStartedCallback != nil {
			options.SpeechStartedCallback()
		}
	}
}

func (s *TranscriptionClient) onSpeechEnded(options speechtotext.TranscriptionOptions) {
	s.unendedSegment = false
	s.accumulatedTranscript = ""
	if options.SpeechEndedCallback != nil {
		options.SpeechEndedCallback()
	}
}

// generateSilence keeps the deepgram endpointing timers honest while the
// caller is quiet: after a short gap it streams silence frames, and once the
// gap grows long it switches to protocol keep-alives instead.
func (s *TranscriptionClient) generateSilence(ctx context.Context, encoding audio.EncodingInfo) {
	type silenceGeneratorState string
	const (
		silenceGeneratorStateWaiting   silenceGeneratorState = "waiting"
		silenceGeneratorStateSilence   silenceGeneratorState = "silence"
		silenceGeneratorStateKeepAlive silenceGeneratorState = "keepAlive"
	)

	const durationMs = 50
	const millisecondsPerSecond = 1000
	ticker := time.NewTicker(durationMs * time.Millisecond)

	chunk := make([]byte, encoding.SampleRate*encoding.Format.ByteSize()*durationMs/millisecondsPerSecond)
	for i := range chunk {
		chunk[i] = encoding.SilenceValue()
	}

	var state = silenceGeneratorStateWaiting
	var firstSilenceTime *time.Time
	var lastKeepAliveTime *time.Time
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return
		case <-ticker.C:
			switch state {
			case silenceGeneratorStateWaiting:
				if time.Since(s.lastMsgTs).Milliseconds() > 50 {
					state = silenceGeneratorStateSilence
					now := time.Now()
					firstSilenceTime = &now
					continue
				}

			case silenceGeneratorStateSilence:
				if time.Since(s.lastMsgTs).Milliseconds() < 50 {
					state = silenceGeneratorStateWaiting
					firstSilenceTime = nil
					continue
				}
				if time.Since(*firstSilenceTime).Milliseconds() >= 1000 {
					state = silenceGeneratorStateKeepAlive
					now := time.Now()
					lastKeepAliveTime = &now
					firstSilenceTime = nil
					continue
				}

				if err := s.sendSilence(chunk); err != nil {
					slog.Warn("Sending silence audio error", "error", err)
				}

			case silenceGeneratorStateKeepAlive:
				if time.Since(s.lastMsgTs).Milliseconds() < 50 {
					state = silenceGeneratorStateWaiting
					continue
				}

				if time.Since(*lastKeepAliveTime).Seconds() >= 5 {
					now := time.Now()
					lastKeepAliveTime = &now
					s.sendKeepAlive()
				}
			}
		}
	}
}
