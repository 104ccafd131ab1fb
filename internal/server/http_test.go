package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	pipeline "github.com/zylin-ai/call-core/core"
	"github.com/zylin-ai/call-core/core/texttospeech"
	"github.com/zylin-ai/call-core/core/understanding"
	"github.com/zylin-ai/call-core/internal/config"
)

type stubUnderstander struct{}

func (stubUnderstander) Understand(ctx context.Context, request understanding.Request, opts ...understanding.UnderstandOption) (*understanding.Response, error) {
	return &understanding.Response{Intent: understanding.IntentOther, Reply: "Okay."}, nil
}

type stubGenerator struct{}

func (stubGenerator) SendText(string) error { return nil }
func (stubGenerator) Mark() error           { return nil }
func (stubGenerator) EndOfText() error      { return nil }
func (stubGenerator) Cancel() error         { return nil }
func (stubGenerator) Close() error          { return nil }

type stubSynthesizer struct{}

func (stubSynthesizer) NewSpeechGenerator(ctx context.Context, opts ...texttospeech.TextToSpeechOption) (texttospeech.SpeechGenerator, error) {
	return stubGenerator{}, nil
}

func testServer(t *testing.T) (*Server, *pipeline.Registry) {
	t.Helper()

	registry := pipeline.NewRegistry(
		pipeline.WithCapacity(2),
		pipeline.WithUnderstanding(stubUnderstander{}),
		pipeline.WithSynthesizer(stubSynthesizer{}),
	)
	t.Cleanup(func() { registry.Close() })

	return New(config.ServerConfig{PublicHost: "calls.example.com"}, registry), registry
}

func TestVoiceWebhookBridgesCallOntoMediaStream(t *testing.T) {
	srv, _ := testServer(t)

	form := url.Values{}
	form.Set("From", "+15550001")
	form.Set("CallSid", "CA0001")

	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()

	srv.handleVoice(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if contentType := recorder.Header().Get("Content-Type"); contentType != "application/xml" {
		t.Fatalf("expected XML response, got %q", contentType)
	}

	body := recorder.Body.String()
	if !strings.Contains(body, `url="wss://calls.example.com/media"`) {
		t.Fatalf("expected stream URL in TwiML, got:\n%s", body)
	}
	if !strings.Contains(body, `name="caller"`) || !strings.Contains(body, `value="+15550001"`) {
		t.Fatalf("expected caller parameter in TwiML, got:\n%s", body)
	}
}

func TestVoiceWebhookRejectsNonPost(t *testing.T) {
	srv, _ := testServer(t)

	recorder := httptest.NewRecorder()
	srv.handleVoice(recorder, httptest.NewRequest(http.MethodGet, "/twilio/voice", nil))

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", recorder.Code)
	}
}

func TestHealthReportsSessionOccupancy(t *testing.T) {
	srv, _ := testServer(t)

	recorder := httptest.NewRecorder()
	srv.handleHealth(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, `"capacity":2`) {
		t.Fatalf("expected capacity in health response, got:\n%s", body)
	}
}

func dialMedia(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/media"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial media stream: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendStart(t *testing.T, ws *websocket.Conn, caller string) {
	t.Helper()

	if err := ws.WriteJSON(streamEvent{Event: "connected"}); err != nil {
		t.Fatalf("failed to send connected event: %v", err)
	}
	err := ws.WriteJSON(streamEvent{
		Event: "start",
		Start: &streamStart{
			StreamSID:        "MZ0001",
			CallSID:          "CA0001",
			CustomParameters: map[string]string{"caller": caller},
		},
	})
	if err != nil {
		t.Fatalf("failed to send start event: %v", err)
	}
}

func waitForCount(t *testing.T, registry *pipeline.Registry, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for registry.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d active sessions, got %d", want, registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMediaStreamStartsAndDestroysSession(t *testing.T) {
	srv, registry := testServer(t)
	ts := httptest.NewServer(srv.server.Handler)
	defer ts.Close()

	ws := dialMedia(t, ts.URL)
	sendStart(t, ws, "+15550002")
	waitForCount(t, registry, 1)

	snapshot := registry.Snapshot()
	if len(snapshot) != 1 || snapshot[0].Caller != "+15550002" {
		t.Fatalf("expected session for +15550002, got %+v", snapshot)
	}

	silence := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\xff", 160)))
	err := ws.WriteJSON(streamEvent{
		Event: "media",
		Media: &streamMedia{Payload: silence},
	})
	if err != nil {
		t.Fatalf("failed to send media event: %v", err)
	}

	if err := ws.WriteJSON(streamEvent{Event: "stop", Stop: &streamStop{CallSID: "CA0001"}}); err != nil {
		t.Fatalf("failed to send stop event: %v", err)
	}
	waitForCount(t, registry, 0)
}

func TestMediaStreamRejectedAtCapacity(t *testing.T) {
	srv, registry := testServer(t)
	ts := httptest.NewServer(srv.server.Handler)
	defer ts.Close()

	for i, caller := range []string{"+15550003", "+15550004"} {
		ws := dialMedia(t, ts.URL)
		sendStart(t, ws, caller)
		waitForCount(t, registry, i+1)
	}

	rejected := dialMedia(t, ts.URL)
	sendStart(t, rejected, "+15550005")

	rejected.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := rejected.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
	if registry.Count() != 2 {
		t.Fatalf("expected capacity to hold at 2 sessions, got %d", registry.Count())
	}
}

func TestMediaConnRoundTrip(t *testing.T) {
	frames := make(chan streamEvent, 4)
	upgrader := websocket.Upgrader{}

	// Fake Twilio end: announce the stream, send one media frame, echo
	// everything it receives onto the frames channel, then hang up.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer ws.Close()

		ws.WriteJSON(streamEvent{Event: "connected"})
		ws.WriteJSON(streamEvent{
			Event: "start",
			Start: &streamStart{StreamSID: "MZ0002", CallSID: "CA0002"},
		})
		ws.WriteJSON(streamEvent{
			Event: "media",
			Media: &streamMedia{Payload: base64.StdEncoding.EncodeToString([]byte{0x7f, 0x00, 0xff})},
		})

		for i := 0; i < 2; i++ {
			var event streamEvent
			if err := ws.ReadJSON(&event); err != nil {
				t.Errorf("fake twilio read failed: %v", err)
				return
			}
			frames <- event
		}
		ws.WriteJSON(streamEvent{Event: "stop", Stop: &streamStop{CallSID: "CA0002"}})
	}))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	conn := newMediaConn(ws)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := conn.awaitStart(ctx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if conn.streamSID != "MZ0002" {
		t.Fatalf("expected stream SID MZ0002, got %q", conn.streamSID)
	}
	if conn.caller != "CA0002" {
		t.Fatalf("expected caller to fall back to call SID, got %q", conn.caller)
	}

	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if frame.Seq != 1 || len(frame.Payload) != 3 || frame.Payload[0] != 0x7f {
		t.Fatalf("unexpected frame: seq=%d payload=%v", frame.Seq, frame.Payload)
	}

	outbound := pipeline.WireFrame{Seq: 1, Payload: []byte{0x01, 0x02}}
	if err := conn.WriteFrame(ctx, outbound); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	if err := conn.ClearAudio(); err != nil {
		t.Fatalf("failed to clear audio: %v", err)
	}

	written := <-frames
	if written.Event != "media" || written.StreamSID != "MZ0002" {
		t.Fatalf("unexpected outbound event: %+v", written)
	}
	payload, err := base64.StdEncoding.DecodeString(written.Media.Payload)
	if err != nil || len(payload) != 2 || payload[0] != 0x01 {
		t.Fatalf("unexpected outbound payload %v (err %v)", payload, err)
	}

	cleared := <-frames
	if cleared.Event != "clear" || cleared.StreamSID != "MZ0002" {
		t.Fatalf("expected clear event, got %+v", cleared)
	}

	if _, err := conn.ReadFrame(ctx); !errors.Is(err, pipeline.ErrTransportDisconnect) {
		t.Fatalf("expected transport disconnect after stop, got %v", err)
	}
}

func TestMediaConnDiscardsUndecodablePayload(t *testing.T) {
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer ws.Close()

		ws.WriteJSON(streamEvent{Event: "connected"})
		ws.WriteJSON(streamEvent{
			Event: "start",
			Start: &streamStart{StreamSID: "MZ0003", CallSID: "CA0003"},
		})
		ws.WriteJSON(streamEvent{
			Event: "media",
			Media: &streamMedia{Payload: "not-base64!!"},
		})
		ws.WriteJSON(streamEvent{
			Event: "media",
			Media: &streamMedia{Payload: base64.StdEncoding.EncodeToString([]byte{0x2a})},
		})
		ws.WriteJSON(streamEvent{Event: "stop", Stop: &streamStop{CallSID: "CA0003"}})
	}))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	conn := newMediaConn(ws)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := conn.awaitStart(ctx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	// The corrupt payload is dropped; the next decodable frame comes through
	// and the sequence counter does not account for the discarded event.
	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("expected the stream to survive a corrupt payload: %v", err)
	}
	if frame.Seq != 1 || len(frame.Payload) != 1 || frame.Payload[0] != 0x2a {
		t.Fatalf("unexpected frame: seq=%d payload=%v", frame.Seq, frame.Payload)
	}

	if _, err := conn.ReadFrame(ctx); !errors.Is(err, pipeline.ErrTransportDisconnect) {
		t.Fatalf("expected transport disconnect after stop, got %v", err)
	}
}
