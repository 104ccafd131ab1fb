package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zylin-ai/call-core/core/audio"
	"github.com/zylin-ai/call-core/core/texttospeech"
	"github.com/zylin-ai/call-core/core/understanding"
)

type fakeUnderstander struct {
	response *understanding.Response
	err      error
	delay    time.Duration

	mu       sync.Mutex
	requests []understanding.Request
}

func (u *fakeUnderstander) Understand(ctx context.Context, request understanding.Request, opts ...understanding.UnderstandOption) (*understanding.Response, error) {
	u.mu.Lock()
	u.requests = append(u.requests, request)
	u.mu.Unlock()

	if u.delay > 0 {
		select {
		case <-time.After(u.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if u.err != nil {
		return nil, u.err
	}

	options := understanding.UnderstandOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.ReplyFragmentCallback != nil {
		options.ReplyFragmentCallback(u.response.Reply)
	}
	return u.response, nil
}

type fakeSpeechGenerator struct {
	options texttospeech.TextToSpeechOptions

	mu        sync.Mutex
	sent      []string
	cancelled bool
	closed    bool

	audioPerUnit []byte
}

func (g *fakeSpeechGenerator) SendText(text string) error {
	g.mu.Lock()
	g.sent = append(g.sent, text)
	g.mu.Unlock()
	if g.options.SpeechAudioCallback != nil {
		g.options.SpeechAudioCallback(append([]byte(nil), g.audioPerUnit...))
	}
	return nil
}

func (g *fakeSpeechGenerator) Mark() error {
	if g.options.SpeechMarkCallback != nil {
		g.options.SpeechMarkCallback("unit")
	}
	return nil
}

func (g *fakeSpeechGenerator) EndOfText() error {
	if g.options.SpeechEndedCallback != nil {
		g.options.SpeechEndedCallback()
	}
	return nil
}

func (g *fakeSpeechGenerator) Cancel() error {
	g.mu.Lock()
	g.cancelled = true
	g.mu.Unlock()
	if g.options.SpeechEndedCallback != nil {
		g.options.SpeechEndedCallback()
	}
	return nil
}

func (g *fakeSpeechGenerator) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

type fakeSynthesizer struct {
	mu           sync.Mutex
	generators   []*fakeSpeechGenerator
	audioPerUnit []byte
	err          error
}

func (s *fakeSynthesizer) NewSpeechGenerator(_ context.Context, opts ...texttospeech.TextToSpeechOption) (texttospeech.SpeechGenerator, error) {
	if s.err != nil {
		return nil, s.err
	}

	options := texttospeech.TextToSpeechOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	audioPerUnit := s.audioPerUnit
	if audioPerUnit == nil {
		audioPerUnit = make([]byte, 320)
	}
	generator := &fakeSpeechGenerator{options: options, audioPerUnit: audioPerUnit}

	s.mu.Lock()
	s.generators = append(s.generators, generator)
	s.mu.Unlock()
	return generator, nil
}

func wireEncoding() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: audio.WireSampleRate, Format: audio.EncodingLinear16}
}

func TestTurnStreamsReplyAsSentenceUnits(t *testing.T) {
	understander := &fakeUnderstander{response: &understanding.Response{
		Intent: understanding.IntentBooking,
		Reply:  "Sure. We have availability tomorrow. Anything else?",
	}}
	synthesizer := &fakeSynthesizer{}

	var units []string
	var wireChunks [][]byte
	spoken := 0

	turn := newActiveTurn(context.Background(), 0, "can I book a slot",
		activeTurnComponents{
			Understander:      understander,
			Synthesizer:       synthesizer,
			SynthesisEncoding: wireEncoding(),
		},
		activeTurnCallbacks{
			OnUnit:       func(unit string) { units = append(units, unit) },
			OnWireAudio:  func(payload []byte) { wireChunks = append(wireChunks, payload) },
			OnUnitSpoken: func() { spoken++ },
		},
		activeTurnConfig{},
	)

	response, plan, err := turn.run(context.Background(), understanding.Request{Transcript: "can I book a slot"})
	if err != nil {
		t.Fatalf("expected clean turn, got error: %v", err)
	}
	if response == nil {
		t.Fatal("expected an understanding response")
	}

	wantUnits := []string{"Sure.", "We have availability tomorrow.", "Anything else?"}
	if len(units) != len(wantUnits) {
		t.Fatalf("expected %d units, got %d: %q", len(wantUnits), len(units), units)
	}
	for i, want := range wantUnits {
		if units[i] != want {
			t.Errorf("unit %d: expected %q, got %q", i, want, units[i])
		}
	}
	if len(plan.Units) != len(wantUnits) {
		t.Errorf("expected plan to record %d units, got %d", len(wantUnits), len(plan.Units))
	}

	if len(wireChunks) != len(wantUnits) {
		t.Fatalf("expected %d wire chunks, got %d", len(wantUnits), len(wireChunks))
	}
	for i, chunk := range wireChunks {
		if len(chunk) != 160 {
			t.Errorf("wire chunk %d: expected 160 encoded bytes, got %d", i, len(chunk))
		}
	}
	if spoken != len(wantUnits) {
		t.Errorf("expected %d spoken-unit callbacks, got %d", len(wantUnits), spoken)
	}
	if plan.Fallback {
		t.Error("expected a non-fallback turn")
	}
}

func TestTurnResamplesSynthesisAudioToWireRate(t *testing.T) {
	understander := &fakeUnderstander{response: &understanding.Response{Reply: "One moment."}}
	// 320 samples at 16 kHz resample to one full 20 ms frame on the 8 kHz wire.
	synthesizer := &fakeSynthesizer{audioPerUnit: make([]byte, 640)}

	var wireChunks [][]byte
	turn := newActiveTurn(context.Background(), 0, "hello",
		activeTurnComponents{
			Understander:      understander,
			Synthesizer:       synthesizer,
			SynthesisEncoding: audio.EncodingInfo{SampleRate: 16000, Format: audio.EncodingLinear16},
		},
		activeTurnCallbacks{
			OnWireAudio: func(payload []byte) { wireChunks = append(wireChunks, payload) },
		},
		activeTurnConfig{},
	)

	if _, _, err := turn.run(context.Background(), understanding.Request{Transcript: "hello"}); err != nil {
		t.Fatalf("expected clean turn, got error: %v", err)
	}

	if len(wireChunks) != 1 {
		t.Fatalf("expected 1 wire frame, got %d", len(wireChunks))
	}
	if len(wireChunks[0]) != audio.WireFrameBytes {
		t.Errorf("expected a %d byte wire frame after resampling, got %d", audio.WireFrameBytes, len(wireChunks[0]))
	}
}

func TestTurnFallsBackOnUnderstandingTimeout(t *testing.T) {
	understander := &fakeUnderstander{
		response: &understanding.Response{Reply: "too late"},
		delay:    time.Second,
	}
	synthesizer := &fakeSynthesizer{}

	var units []string
	turn := newActiveTurn(context.Background(), 0, "hello",
		activeTurnComponents{
			Understander:      understander,
			Synthesizer:       synthesizer,
			SynthesisEncoding: wireEncoding(),
		},
		activeTurnCallbacks{
			OnUnit: func(unit string) { units = append(units, unit) },
		},
		activeTurnConfig{UnderstandingTimeout: 20 * time.Millisecond},
	)

	response, plan, err := turn.run(context.Background(), understanding.Request{Transcript: "hello"})
	if err != nil {
		t.Fatalf("collaborator timeout must not fail the turn, got: %v", err)
	}
	if response != nil {
		t.Error("expected no understanding response on timeout")
	}
	if !plan.Fallback {
		t.Error("expected the turn to be marked as a fallback")
	}

	if len(units) == 0 || !strings.Contains(strings.Join(units, " "), "sorry") {
		t.Errorf("expected the apology reply to be spoken, got %q", units)
	}

	if !IsCollaboratorTimeout(turn.err) {
		t.Errorf("expected a collaborator timeout to be recorded, got: %v", turn.err)
	}
}

func TestTurnFallsBackOnUnderstandingError(t *testing.T) {
	understander := &fakeUnderstander{err: errors.New("upstream exploded")}
	synthesizer := &fakeSynthesizer{}

	turn := newActiveTurn(context.Background(), 0, "hello",
		activeTurnComponents{
			Understander:      understander,
			Synthesizer:       synthesizer,
			SynthesisEncoding: wireEncoding(),
		},
		activeTurnCallbacks{},
		activeTurnConfig{},
	)

	response, plan, err := turn.run(context.Background(), understanding.Request{Transcript: "hello"})
	if err != nil {
		t.Fatalf("collaborator failure must not fail the turn, got: %v", err)
	}
	if response != nil {
		t.Error("expected no understanding response on failure")
	}
	if !plan.Fallback {
		t.Error("expected the turn to be marked as a fallback")
	}
	if IsCollaboratorTimeout(turn.err) {
		t.Error("a plain failure must not be reported as a timeout")
	}

	collaboratorErr := &CollaboratorError{}
	if !errors.As(turn.err, &collaboratorErr) || collaboratorErr.Collaborator != "understanding" {
		t.Errorf("expected an understanding collaborator error, got: %v", turn.err)
	}
}

func TestTurnSignalsActionWhenBookingCompletes(t *testing.T) {
	understander := &fakeUnderstander{response: &understanding.Response{
		Intent:          understanding.IntentBooking,
		Reply:           "You're booked for tomorrow at three.",
		BookingComplete: true,
	}}
	synthesizer := &fakeSynthesizer{}

	var actions []ActionKind
	turn := newActiveTurn(context.Background(), 2, "yes please",
		activeTurnComponents{
			Understander:      understander,
			Synthesizer:       synthesizer,
			SynthesisEncoding: wireEncoding(),
		},
		activeTurnCallbacks{
			OnActionDue: func(kind ActionKind) { actions = append(actions, kind) },
		},
		activeTurnConfig{},
	)

	_, plan, err := turn.run(context.Background(), understanding.Request{Transcript: "yes please"})
	if err != nil {
		t.Fatalf("expected clean turn, got error: %v", err)
	}

	if plan.Action != ActionBooking {
		t.Errorf("expected booking action on the plan, got %q", plan.Action)
	}
	if len(actions) != 1 || actions[0] != ActionBooking {
		t.Errorf("expected exactly one booking action signal, got %v", actions)
	}
}

func TestCancelledTurnStopsEmittingAudio(t *testing.T) {
	understander := &fakeUnderstander{response: &understanding.Response{
		Reply: "First sentence. Second sentence. Third sentence.",
	}}
	synthesizer := &fakeSynthesizer{}

	var turn *activeTurn
	var chunks int
	turn = newActiveTurn(context.Background(), 0, "hello",
		activeTurnComponents{
			Understander:      understander,
			Synthesizer:       synthesizer,
			SynthesisEncoding: wireEncoding(),
		},
		activeTurnCallbacks{
			OnWireAudio: func([]byte) {
				chunks++
				turn.Cancel()
			},
		},
		activeTurnConfig{},
	)

	if _, _, err := turn.run(context.Background(), understanding.Request{Transcript: "hello"}); err != nil {
		t.Fatalf("expected clean turn, got error: %v", err)
	}

	if chunks != 1 {
		t.Errorf("expected no further audio after cancellation, got %d chunks", chunks)
	}
	if !turn.IsCancelled() {
		t.Error("expected the turn to report as cancelled")
	}

	generator := synthesizer.generators[0]
	generator.mu.Lock()
	cancelled := generator.cancelled
	generator.mu.Unlock()
	if !cancelled {
		t.Error("expected the speech generator to be cancelled")
	}
}
