// Package server exposes the telephony-facing HTTP surface: the Twilio voice
// webhook that answers incoming calls with TwiML, the media-stream websocket
// that carries the call audio, and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	pipeline "github.com/zylin-ai/call-core/core"
	"github.com/zylin-ai/call-core/internal/config"
)

// Server answers Twilio webhooks and bridges media streams into the session
// registry.
type Server struct {
	server   *http.Server
	registry *pipeline.Registry
	config   config.ServerConfig
	upgrader websocket.Upgrader
}

func New(cfg config.ServerConfig, registry *pipeline.Registry) *Server {
	s := &Server{
		registry: registry,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/twilio/voice", s.handleVoice)
	mux.HandleFunc("/media", s.handleMedia)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     otelhttp.NewHandler(mux, "call-core"),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start begins serving and blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	logger.Info("Starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests; live media websockets are torn down by the
// registry, not here.
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// handleVoice is the webhook Twilio calls when a phone call arrives. The
// TwiML response bridges the call onto the media websocket, carrying the
// caller's number as a stream parameter.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body", http.StatusBadRequest)
		return
	}

	caller := r.PostFormValue("From")
	callSID := r.PostFormValue("CallSid")
	logger.Info("Incoming call", "caller", caller, "callSid", callSID)

	twiml := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{
				URL: fmt.Sprintf("wss://%s/media", s.config.PublicHost),
				Parameters: []twimlParameter{
					{Name: "caller", Value: caller},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(twiml); err != nil {
		logger.Error("Failed to encode TwiML response", "error", err)
	}
}

// handleMedia upgrades to the media-stream websocket, waits for Twilio's
// start event, and hands the connection to the session registry. The
// registry owns the connection from then on; this handler only reports
// admission failures back over the websocket.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "accept media stream")
	defer span.End()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Websocket upgrade failed", "error", err)
		return
	}

	conn := newMediaConn(ws)
	if err := conn.awaitStart(ctx); err != nil {
		logger.Error("Media stream handshake failed", "error", err)
		conn.Close()
		return
	}

	// The session outlives this request; detach it from the request's
	// cancellation while keeping trace propagation.
	session, err := s.registry.StartSession(context.WithoutCancel(ctx), conn, conn.caller)
	if err != nil {
		logger.Warn("Rejecting media stream",
			"caller", conn.caller,
			"callSid", conn.callSID,
			"error", err,
		)
		message := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "at capacity")
		if errors.Is(err, pipeline.ErrCapacityExceeded) {
			ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		}
		conn.Close()
		return
	}

	logger.Info("Media stream session started",
		"session", session.ID,
		"caller", session.Caller,
		"callSid", conn.callSID,
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active":   s.registry.Count(),
			"capacity": s.registry.Capacity(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
