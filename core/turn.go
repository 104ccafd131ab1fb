package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zylin-ai/call-core/core/audio"
	"github.com/zylin-ai/call-core/core/texttospeech"
	"github.com/zylin-ai/call-core/core/understanding"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActionKind names the business action a completed turn asks the registry to
// dispatch.
type ActionKind string

const (
	ActionNone       ActionKind = ""
	ActionBooking    ActionKind = "booking"
	ActionEscalation ActionKind = "escalation"
)

// ReplyPlan is the outcome of one turn: the synthesis units produced, the
// classified intent, and whether a business action came due.
type ReplyPlan struct {
	TurnIndex int
	Intent    understanding.Intent
	Units     []string
	Action    ActionKind
	// Fallback marks a turn whose understanding call failed; the apology
	// reply was spoken and no structured state was touched.
	Fallback bool
}

const fallbackReply = "I'm sorry, I didn't catch that. Could you say it again?"

type activeTurnComponents struct {
	Understander understanding.Collaborator
	Synthesizer  SpeechSynthesizer
	// SynthesisEncoding is the PCM format the synthesizer produces; the turn
	// resamples and companded-encodes it down to wire frames.
	SynthesisEncoding audio.EncodingInfo
}

type activeTurnCallbacks struct {
	// OnUnit fires for every synthesis unit sent to the synthesizer.
	OnUnit func(string)
	// OnWireAudio receives encoded 20ms wire payloads in playback order. It
	// may block; that is the backpressure path to the orchestrator.
	OnWireAudio func([]byte)
	// OnUnitSpoken fires when all audio for a unit has been handed to the
	// transport.
	OnUnitSpoken func()
	// OnActionDue fires as soon as the understanding call resolves with a
	// business action, before synthesis finishes.
	OnActionDue func(ActionKind)
}

func (c *activeTurnCallbacks) defaults() *activeTurnCallbacks {
	if c.OnUnit == nil {
		c.OnUnit = func(string) {}
	}
	if c.OnWireAudio == nil {
		c.OnWireAudio = func([]byte) {}
	}
	if c.OnUnitSpoken == nil {
		c.OnUnitSpoken = func() {}
	}
	if c.OnActionDue == nil {
		c.OnActionDue = func(ActionKind) {}
	}
	return c
}

type activeTurnConfig struct {
	UnderstandingTimeout time.Duration
}

// activeTurn drives exactly one turn: understanding, sentence-chunked
// synthesis, and encoding to outbound wire audio. The three workers are
// joined by run; a turn never outlives it.
type activeTurn struct {
	index      int
	transcript string

	ctx       context.Context
	sentences sentenceBuffer
	speech    speechBuffer

	components activeTurnComponents
	callbacks  activeTurnCallbacks
	config     activeTurnConfig

	generator   texttospeech.SpeechGenerator
	generatorMu sync.Mutex

	response *understanding.Response
	plan     ReplyPlan

	cancelled atomic.Bool
	// startedSpeaking flips once the first wire frame of the reply has been
	// handed to the transport; barge-in only applies after that.
	startedSpeaking atomic.Bool

	understandingDuration time.Duration

	err error
}

func newActiveTurn(
	ctx context.Context,
	index int,
	transcript string,
	components activeTurnComponents,
	callbacks activeTurnCallbacks,
	config activeTurnConfig,
) *activeTurn {
	if config.UnderstandingTimeout <= 0 {
		config.UnderstandingTimeout = 10 * time.Second
	}

	return &activeTurn{
		index:      index,
		transcript: transcript,
		ctx:        ctx,
		sentences:  *newSentenceBuffer(),
		speech:     *newSpeechBuffer(),
		components: components,
		callbacks:  *(&callbacks).defaults(),
		config:     config,
		plan:       ReplyPlan{TurnIndex: index},
	}
}

// Cancel aborts the remaining synthesis and playback for this turn without
// touching the session. Safe to call from any goroutine, repeatedly.
func (t *activeTurn) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.sentences.Clear()
	t.speech.Stop()

	t.generatorMu.Lock()
	generator := t.generator
	t.generatorMu.Unlock()
	if generator != nil {
		if err := generator.Cancel(); err != nil {
			logger.Debug("failed to cancel speech generator", "error", err)
		}
	}
}

func (t *activeTurn) IsCancelled() bool {
	return t.cancelled.Load()
}

// run executes the turn's three workers and joins them. The returned
// understanding response is nil when the turn fell back.
func (t *activeTurn) run(ctx context.Context, request understanding.Request) (*understanding.Response, ReplyPlan, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workerErr error
	workerErrMu := sync.Mutex{}
	addWorkerErr := func(err error) {
		if err == nil {
			return
		}
		workerErrMu.Lock()
		workerErr = errors.Join(workerErr, err)
		workerErrMu.Unlock()
	}

	workers := []struct {
		name string
		f    workerRun
	}{
		{"understanding", func(ctx context.Context) error {
			return t.generateReply(ctx, request)
		}},
		{"synthesis feed", t.processReplyText},
		{"speech encode", t.processSpeech},
	}

	wg := &sync.WaitGroup{}
	wg.Add(len(workers))
	for _, worker := range workers {
		run := panicSafeNamedWorker(worker.name, worker.f)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				addWorkerErr(err)
				cancel()
			}
		}()
	}
	wg.Wait()

	t.closeGenerator()

	return t.response, t.plan, workerErr
}

// generateReply calls the understanding collaborator and streams the reply
// text into the sentence buffer. On failure or timeout it substitutes the
// apology reply and marks the turn as a fallback; structured state is left
// untouched by the caller in that case.
func (t *activeTurn) generateReply(ctx context.Context, request understanding.Request) error {
	ctx, span := tracer.Start(ctx, "generate reply")
	defer span.End()

	understandCtx, cancel := context.WithTimeout(ctx, t.config.UnderstandingTimeout)
	defer cancel()

	understandStart := time.Now()
	response, err := t.components.Understander.Understand(understandCtx, request,
		understanding.WithReplyFragmentCallback(func(fragment string) {
			if !t.IsCancelled() {
				t.sentences.AddFragment(fragment)
			}
		}),
	)
	t.understandingDuration = time.Since(understandStart)
	if err != nil {
		collaboratorErr := &CollaboratorError{
			Collaborator: "understanding",
			Timeout:      errors.Is(err, context.DeadlineExceeded),
			Err:          err,
		}
		span.RecordError(collaboratorErr)
		span.SetStatus(codes.Error, collaboratorErr.Error())

		t.err = errors.Join(t.err, collaboratorErr)
		t.plan.Fallback = true
		if !t.IsCancelled() {
			t.sentences.AddFragment(fallbackReply)
		}
		t.sentences.Complete()
		// The failure is recorded as a turn-level metric by the session; it
		// must not terminate the call.
		return nil
	}

	span.SetAttributes(attribute.String("turn.intent", string(response.Intent)))

	t.response = response
	t.plan.Intent = response.Intent
	switch {
	case response.NeedsEscalation:
		t.plan.Action = ActionEscalation
	case response.BookingComplete:
		t.plan.Action = ActionBooking
	}
	if t.plan.Action != ActionNone {
		t.callbacks.OnActionDue(t.plan.Action)
	}

	t.sentences.Complete()
	return nil
}

// processReplyText drains sentence units into the synthesis stream, marking
// the unit boundary after each so the speech worker can attribute audio.
func (t *activeTurn) processReplyText(ctx context.Context) error {
	done := withContextCancelHook(ctx, t.sentences.Clear)
	defer close(done)

	_, span := tracer.Start(ctx, "passing units to synthesis")
	defer span.End()

	generator, err := t.initGenerator(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for unit := range t.sentences.Units {
		if t.IsCancelled() {
			break
		}
		t.plan.Units = append(t.plan.Units, unit)
		t.callbacks.OnUnit(unit)

		if err := generator.SendText(unit); err != nil {
			span.RecordError(fmt.Errorf("failed to send unit to synthesis: %w", err))
			continue
		}
		if err := generator.Mark(); err != nil {
			span.RecordError(fmt.Errorf("failed to mark synthesis unit: %w", err))
		}
	}

	if err := generator.EndOfText(); err != nil {
		span.RecordError(fmt.Errorf("failed to end synthesis text: %w", err))
	}
	return nil
}

// processSpeech drains synthesized PCM, converts it to wire frames, and hands
// them to the transport in order.
func (t *activeTurn) processSpeech(ctx context.Context) error {
	done := withContextCancelHook(ctx, t.speech.Stop)
	defer close(done)

	_, span := tracer.Start(ctx, "encoding speech for transport")
	defer span.End()

	synthRate := t.components.SynthesisEncoding.SampleRate
	if synthRate == 0 {
		synthRate = audio.WireSampleRate
	}

	// PCM carried over between synthesis chunks until a full wire frame
	// accumulates; frames on the wire are always exactly one frame period.
	framePCMBytes := audio.WireFrameBytes * 2
	pending := []byte{}

	emitFrame := func(pcm []byte) {
		wire, err := audio.EncodeMulaw(pcm)
		if err != nil {
			span.RecordError(fmt.Errorf("dropping malformed synthesis chunk: %w", err))
			return
		}
		t.startedSpeaking.Store(true)
		t.callbacks.OnWireAudio(wire)
	}

	for item := range t.speech.Audio {
		switch item.Type {
		case "audio":
			if t.IsCancelled() {
				return nil
			}

			pcm := item.Audio
			if synthRate != audio.WireSampleRate {
				resampled, err := audio.Resample(pcm, synthRate, audio.WireSampleRate, 2)
				if err != nil {
					span.RecordError(fmt.Errorf("dropping malformed synthesis chunk: %w", err))
					continue
				}
				pcm = resampled
			}

			pending = append(pending, pcm...)
			for len(pending) >= framePCMBytes && !t.IsCancelled() {
				emitFrame(pending[:framePCMBytes])
				pending = pending[framePCMBytes:]
			}

		case "mark":
			// Flush the partial tail so the unit's audio is fully on the wire
			// before the mark is reported.
			if len(pending) > 0 && !t.IsCancelled() {
				emitFrame(append(pending, make([]byte, framePCMBytes-len(pending))...))
				pending = pending[:0]
			}
			span.AddEvent("synthesis unit spoken", trace.WithAttributes(attribute.String("unit", item.Mark)))
			t.callbacks.OnUnitSpoken()
		}
	}

	return nil
}

func (t *activeTurn) initGenerator(ctx context.Context) (texttospeech.SpeechGenerator, error) {
	generator, err := t.components.Synthesizer.NewSpeechGenerator(ctx,
		texttospeech.WithEncodingInfo(t.components.SynthesisEncoding),
		texttospeech.WithSpeechAudioCallback(t.speech.AddAudio),
		texttospeech.WithSpeechMarkCallback(t.speech.Mark),
		texttospeech.WithSpeechEndedCallback(t.speech.AllAudioLoaded),
		texttospeech.WithErrorCallback(func(error) { t.speech.AllAudioLoaded() }),
	)
	if err != nil {
		// No synthesis stream means no audio will ever arrive.
		t.speech.AllAudioLoaded()
		return nil, &CollaboratorError{Collaborator: "synthesis", Err: err}
	}

	t.generatorMu.Lock()
	t.generator = generator
	t.generatorMu.Unlock()
	return generator, nil
}

func (t *activeTurn) closeGenerator() {
	t.generatorMu.Lock()
	generator := t.generator
	t.generator = nil
	t.generatorMu.Unlock()

	if generator != nil {
		if err := generator.Close(); err != nil {
			logger.Debug("failed to close speech generator", "error", err)
		}
	}
}
