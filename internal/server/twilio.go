package server

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pipeline "github.com/zylin-ai/call-core/core"
)

// TwiML response for an incoming call: bridge the call audio onto our media
// websocket. The caller number rides along as a custom stream parameter so
// the media handler doesn't need a side channel back to the webhook.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// streamEvent is the envelope for every message on a Twilio media stream,
// both directions. Only the fields for the event type in question are set.
type streamEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
	Stop      *streamStop  `json:"stop,omitempty"`
}

type streamStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      streamMediaFormat `json:"mediaFormat"`
}

type streamMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type streamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamStop struct {
	CallSID string `json:"callSid"`
}

// mediaConn adapts one Twilio media-stream websocket to the session
// pipeline's frame connection. One goroutine reads, one writes, matching
// the websocket's own concurrency contract.
type mediaConn struct {
	ws *websocket.Conn

	streamSID string
	callSID   string
	caller    string

	readSeq uint64

	writeMu  sync.Mutex
	closed   sync.Once
	closeErr error
}

func newMediaConn(ws *websocket.Conn) *mediaConn {
	return &mediaConn{ws: ws}
}

// awaitStart consumes handshake events until Twilio announces the stream.
// It must be called before the connection is handed to a session.
func (c *mediaConn) awaitStart(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		var event streamEvent
		if err := c.ws.ReadJSON(&event); err != nil {
			return fmt.Errorf("failed to read stream handshake: %w", err)
		}

		switch event.Event {
		case "connected":
			continue
		case "start":
			if event.Start == nil {
				return fmt.Errorf("start event missing stream metadata")
			}
			c.streamSID = event.Start.StreamSID
			c.callSID = event.Start.CallSID
			c.caller = event.Start.CustomParameters["caller"]
			if c.caller == "" {
				c.caller = event.Start.CallSID
			}
			return nil
		case "stop":
			return pipeline.ErrTransportDisconnect
		default:
			return fmt.Errorf("unexpected %q event before stream start", event.Event)
		}
	}
}

// ReadFrame blocks until the next inbound media event. Non-media events are
// consumed in place; a stop event or a closed websocket surfaces as a
// transport disconnect. Close unblocks a pending read.
func (c *mediaConn) ReadFrame(ctx context.Context) (pipeline.WireFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.WireFrame{}, err
		}

		var event streamEvent
		if err := c.ws.ReadJSON(&event); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return pipeline.WireFrame{}, pipeline.ErrTransportDisconnect
			}
			return pipeline.WireFrame{}, fmt.Errorf("%w: %w", pipeline.ErrTransportDisconnect, err)
		}

		switch event.Event {
		case "media":
			if event.Media == nil || event.Media.Payload == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(event.Media.Payload)
			if err != nil {
				// A corrupt payload only costs one 20ms frame; the stream
				// itself is still healthy.
				logger.Warn("Discarding undecodable media payload", "stream", c.streamSID, "error", err)
				continue
			}
			c.readSeq++
			return pipeline.WireFrame{
				Seq:       c.readSeq,
				Timestamp: time.Now(),
				Payload:   payload,
			}, nil
		case "stop":
			return pipeline.WireFrame{}, pipeline.ErrTransportDisconnect
		case "mark", "dtmf", "connected":
			continue
		default:
			logger.Debug("Ignoring unknown stream event", "event", event.Event)
		}
	}
}

// WriteFrame sends one encoded audio frame to the caller as a media event.
func (c *mediaConn) WriteFrame(ctx context.Context, frame pipeline.WireFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := streamEvent{
		Event:     "media",
		StreamSID: c.streamSID,
		Media: &streamMedia{
			Payload: base64.StdEncoding.EncodeToString(frame.Payload),
		},
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(event); err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrTransportDisconnect, err)
	}
	return nil
}

// ClearAudio tells Twilio to drop any media it has buffered but not yet
// played, so a barge-in cuts the reply off mid-word instead of letting the
// remote buffer drain.
func (c *mediaConn) ClearAudio() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(streamEvent{Event: "clear", StreamSID: c.streamSID}); err != nil {
		return fmt.Errorf("failed to send clear event: %w", err)
	}
	return nil
}

func (c *mediaConn) Close() error {
	c.closed.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
