package pipeline

import (
	"context"
	"time"

	"github.com/zylin-ai/call-core/core/audio"
	"github.com/zylin-ai/call-core/core/speechtotext"
	"github.com/zylin-ai/call-core/core/texttospeech"
	"github.com/zylin-ai/call-core/core/understanding"
)

// SpeechSynthesizer opens streaming synthesis sessions. One generator is
// created per turn so a cancelled turn cannot leak audio into the next.
type SpeechSynthesizer interface {
	NewSpeechGenerator(ctx context.Context, opts ...texttospeech.TextToSpeechOption) (texttospeech.SpeechGenerator, error)
}

// Transcriber is a live speech-to-text stream bound to a single session.
type Transcriber interface {
	Transcribe(ctx context.Context, opts ...speechtotext.TranscriptionOption) error
	SendAudio(audio []byte) error
	StopStream() error
}

// TranscriberFactory builds a fresh Transcriber per session; transcription
// streams hold connection state and cannot be shared.
type TranscriberFactory func() (Transcriber, error)

// BookingCollaborator persists a booking assembled over the call. The returned
// reference is surfaced in the call summary.
type BookingCollaborator interface {
	CreateBooking(ctx context.Context, sessionID string, caller string, fields understanding.Fields) (string, error)
}

// EscalationCollaborator hands a call off to a human follow-up channel.
type EscalationCollaborator interface {
	Escalate(ctx context.Context, sessionID string, caller string, summary string) error
}

// CallLogger receives the finished summary of every session exactly once.
type CallLogger interface {
	LogCall(ctx context.Context, summary CallSummary) error
}

// SessionConfig bounds the per-session queues and timers. Zero values fall
// back to defaults suitable for 8 kHz telephony.
type SessionConfig struct {
	Segmenter            SegmenterConfig
	InboundQueueSize     int
	OutboundQueueSize    int
	UtteranceQueueSize   int
	UnderstandingTimeout time.Duration
	Greeting             string
}

func (c *SessionConfig) defaults() *SessionConfig {
	c.Segmenter.defaults()
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = 50
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 100
	}
	if c.UtteranceQueueSize <= 0 {
		c.UtteranceQueueSize = 4
	}
	if c.UnderstandingTimeout <= 0 {
		c.UnderstandingTimeout = 10 * time.Second
	}
	return c
}

type registryOptions struct {
	capacity          int
	idleTimeout       time.Duration
	sessionConfig     SessionConfig
	synthesisEncoding audio.EncodingInfo
	understanding     understanding.Collaborator
	synthesizer       SpeechSynthesizer
	transcribers      TranscriberFactory
	bookings          BookingCollaborator
	escalations       EscalationCollaborator
	callLogger        CallLogger
	observer          Observer
}

func (o *registryOptions) defaults() *registryOptions {
	if o.capacity <= 0 {
		o.capacity = 32
	}
	if o.idleTimeout <= 0 {
		o.idleTimeout = 2 * time.Minute
	}
	o.sessionConfig.defaults()
	if o.synthesisEncoding.IsZero() {
		o.synthesisEncoding = audio.EncodingInfo{
			SampleRate: 24000,
			Format:     audio.EncodingLinear16,
		}
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o
}

type RegistryOption func(*registryOptions)

// WithCapacity bounds the number of concurrent sessions; further accepts fail
// with ErrCapacityExceeded.
func WithCapacity(capacity int) RegistryOption {
	return func(o *registryOptions) { o.capacity = capacity }
}

// WithIdleTimeout destroys sessions that have seen no inbound audio for the
// given duration.
func WithIdleTimeout(timeout time.Duration) RegistryOption {
	return func(o *registryOptions) { o.idleTimeout = timeout }
}

func WithSessionConfig(config SessionConfig) RegistryOption {
	return func(o *registryOptions) { o.sessionConfig = config }
}

func WithUnderstanding(collaborator understanding.Collaborator) RegistryOption {
	return func(o *registryOptions) { o.understanding = collaborator }
}

func WithSynthesizer(synthesizer SpeechSynthesizer) RegistryOption {
	return func(o *registryOptions) { o.synthesizer = synthesizer }
}

// WithSynthesisEncoding declares the PCM format the synthesizer streams back;
// turns resample from it to the 8 kHz wire rate.
func WithSynthesisEncoding(encoding audio.EncodingInfo) RegistryOption {
	return func(o *registryOptions) { o.synthesisEncoding = encoding }
}

func WithTranscriberFactory(factory TranscriberFactory) RegistryOption {
	return func(o *registryOptions) { o.transcribers = factory }
}

func WithBookingCollaborator(bookings BookingCollaborator) RegistryOption {
	return func(o *registryOptions) { o.bookings = bookings }
}

func WithEscalationCollaborator(escalations EscalationCollaborator) RegistryOption {
	return func(o *registryOptions) { o.escalations = escalations }
}

func WithCallLogger(logger CallLogger) RegistryOption {
	return func(o *registryOptions) { o.callLogger = logger }
}

func WithObserver(observer Observer) RegistryOption {
	return func(o *registryOptions) { o.observer = observer }
}

// WithGreeting sets the line spoken as soon as a session connects, before the
// caller has said anything.
func WithGreeting(greeting string) RegistryOption {
	return func(o *registryOptions) { o.sessionConfig.Greeting = greeting }
}
