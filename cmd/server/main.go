// Package main runs the call-core voice receptionist: it answers Twilio
// voice webhooks, bridges call audio onto real-time sessions, and persists
// bookings and call logs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	pipeline "github.com/zylin-ai/call-core/core"
	"github.com/zylin-ai/call-core/core/audio"
	sttdeepgram "github.com/zylin-ai/call-core/core/speechtotext/deepgram"
	ttsdeepgram "github.com/zylin-ai/call-core/core/texttospeech/deepgram"
	"github.com/zylin-ai/call-core/core/understanding"
	"github.com/zylin-ai/call-core/core/understanding/openai"
	"github.com/zylin-ai/call-core/internal/bookings"
	"github.com/zylin-ai/call-core/internal/calllog"
	"github.com/zylin-ai/call-core/internal/config"
	"github.com/zylin-ai/call-core/internal/metrics"
	"github.com/zylin-ai/call-core/internal/notify"
	"github.com/zylin-ai/call-core/internal/server"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "call-core",
		Short:        "Real-time voice receptionist for phone calls",
		RunE:         run,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("Service starting",
		slog.String("config", configPath),
		slog.Int("max_concurrent_sessions", cfg.Sessions.MaxConcurrent),
		slog.String("listen", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
		slog.String("public_host", cfg.Server.PublicHost),
	)

	bookingStore, err := bookings.Open(bookings.Options{Dir: cfg.Storage.BookingsDir})
	if err != nil {
		return fmt.Errorf("failed to open booking store: %w", err)
	}
	defer bookingStore.Close()

	callLog, err := calllog.Open(calllog.Options{Dir: cfg.Storage.CallLogDir})
	if err != nil {
		return fmt.Errorf("failed to open call log: %w", err)
	}
	defer callLog.Close()

	understandingOpts := []openai.ClientOption{
		openai.WithAPIKey(cfg.Understanding.APIKey),
		openai.WithBusinessContext(cfg.Understanding.BusinessContext),
	}
	if cfg.Understanding.Model != "" {
		understandingOpts = append(understandingOpts, openai.WithModel(cfg.Understanding.Model))
	}
	if cfg.Understanding.BaseURL != "" {
		understandingOpts = append(understandingOpts, openai.WithBaseURL(cfg.Understanding.BaseURL))
	}
	understander, err := openai.NewClient(understandingOpts...)
	if err != nil {
		return fmt.Errorf("failed to build understanding client: %w", err)
	}

	synthesisOpts := []ttsdeepgram.ClientOption{ttsdeepgram.WithAPIKey(cfg.Synthesis.APIKey)}
	if cfg.Synthesis.Voice != "" {
		synthesisOpts = append(synthesisOpts, ttsdeepgram.WithVoice(cfg.Synthesis.Voice))
	}
	synthesizer, err := ttsdeepgram.NewTextToSpeechClient(synthesisOpts...)
	if err != nil {
		return fmt.Errorf("failed to build synthesis client: %w", err)
	}

	transcriberFactory := func() (pipeline.Transcriber, error) {
		transcriptionOpts := []sttdeepgram.ClientOption{sttdeepgram.WithAPIKey(cfg.Transcription.APIKey)}
		if cfg.Transcription.Model != "" {
			transcriptionOpts = append(transcriptionOpts, sttdeepgram.WithModel(cfg.Transcription.Model))
		}
		if cfg.Transcription.Language != "" {
			transcriptionOpts = append(transcriptionOpts, sttdeepgram.WithLanguage(cfg.Transcription.Language))
		}
		return sttdeepgram.NewTranscriptionClient(transcriptionOpts...)
	}

	bookingCollaborator, escalationCollaborator, err := buildCollaborators(cfg.Notify, bookingStore)
	if err != nil {
		return err
	}

	registryOpts := []pipeline.RegistryOption{
		pipeline.WithCapacity(cfg.Sessions.MaxConcurrent),
		pipeline.WithIdleTimeout(cfg.Sessions.IdleTimeout()),
		pipeline.WithSessionConfig(pipeline.SessionConfig{
			Segmenter: pipeline.SegmenterConfig{
				SilenceTimeout: cfg.Segmenter.SilenceTimeout(),
				GracePeriod:    cfg.Segmenter.GracePeriod(),
				MaxUtterance:   cfg.Segmenter.MaxUtterance(),
				VoiceThreshold: cfg.Segmenter.VoiceThreshold,
			},
			UnderstandingTimeout: cfg.Understanding.Timeout(),
			Greeting:             cfg.Sessions.Greeting,
		}),
		pipeline.WithUnderstanding(understander),
		pipeline.WithSynthesizer(synthesizer),
		pipeline.WithTranscriberFactory(transcriberFactory),
		pipeline.WithBookingCollaborator(bookingCollaborator),
		pipeline.WithCallLogger(callLog),
		pipeline.WithObserver(metrics.New(prometheus.DefaultRegisterer)),
	}
	if cfg.Synthesis.SampleRate != 0 {
		registryOpts = append(registryOpts, pipeline.WithSynthesisEncoding(audio.EncodingInfo{
			SampleRate: cfg.Synthesis.SampleRate,
			Format:     audio.EncodingLinear16,
		}))
	}
	if escalationCollaborator != nil {
		registryOpts = append(registryOpts, pipeline.WithEscalationCollaborator(escalationCollaborator))
	}

	registry := pipeline.NewRegistry(registryOpts...)

	httpServer := server.New(cfg.Server, registry)
	serverErr := make(chan error, 1)
	go func() { serverErr <- httpServer.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	logger.Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := registry.Close(); err != nil {
		logger.Error("Error closing session registry", slog.String("error", err.Error()))
	}

	logger.Info("Service stopped")
	return nil
}

// buildCollaborators wires the booking store and, when notifications are
// enabled, the WhatsApp sender into the collaborators the sessions call.
func buildCollaborators(cfg config.NotifyConfig, store *bookings.Store) (pipeline.BookingCollaborator, pipeline.EscalationCollaborator, error) {
	if !cfg.Enabled {
		return store, nil, nil
	}

	var senderOpts []notify.SenderOption
	if cfg.DryRun {
		senderOpts = append(senderOpts, notify.WithDryRun())
	}
	sender, err := notify.NewSender(cfg.AccountSID, cfg.AuthToken, cfg.From, cfg.To, senderOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build notification sender: %w", err)
	}

	return &confirmedBookings{store: store, notifier: sender}, sender, nil
}

// confirmedBookings creates the booking and then messages the staff number.
// Notification failures are logged, not surfaced: the booking already exists.
type confirmedBookings struct {
	store    *bookings.Store
	notifier *notify.Sender
}

func (b *confirmedBookings) CreateBooking(ctx context.Context, sessionID, caller string, fields understanding.Fields) (string, error) {
	ref, err := b.store.CreateBooking(ctx, sessionID, caller, fields)
	if err != nil {
		return "", err
	}

	if err := b.notifier.BookingConfirmed(ctx, fields.Name, fields.Phone, fields.Date, fields.Time, ref); err != nil {
		slog.Warn("Failed to send booking confirmation",
			slog.String("booking", ref),
			slog.String("error", err.Error()),
		)
	}
	return ref, nil
}

// initLogger builds the process logger from the logging section of the
// configuration.
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, opts))
	}
	return slog.New(slog.NewTextHandler(output, opts))
}
