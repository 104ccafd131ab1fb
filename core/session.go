package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zylin-ai/call-core/core/audio"
	"github.com/zylin-ai/call-core/core/speechtotext"
	"github.com/zylin-ai/call-core/core/understanding"
)

// CallSummary is the durable record of one finished session, handed to the
// CallLogger exactly once when the session is destroyed.
type CallSummary struct {
	SessionID      string
	Caller         string
	StartedAt      time.Time
	EndedAt        time.Time
	Intent         understanding.Intent
	Transcript     []understanding.Exchange
	Fields         understanding.Fields
	BookingRef     string
	Escalated      bool
	Turns          int
	AvgTurnLatency time.Duration
	Metrics        []LatencyMetric
}

// pendingAction is a business action awaiting dispatch. It is armed when the
// understanding collaborator resolves and fired when the first frame of the
// reply reaches the wire, so the caller hears confirmation of something that
// actually happened.
type pendingAction struct {
	turnIndex  int
	kind       ActionKind
	fields     understanding.Fields
	summary    string
	dispatched bool
}

// Session runs one call end to end: four workers (read, segment, turn, write)
// coordinated over bounded channels, with all mutable conversation state
// behind a single mutex.
type Session struct {
	ID        string
	Caller    string
	StartedAt time.Time

	conn   FrameConn
	config SessionConfig

	understander  understanding.Collaborator
	synthesizer   SpeechSynthesizer
	synthEncoding audio.EncodingInfo
	transcriber   Transcriber
	bookings      BookingCollaborator
	escalations   EscalationCollaborator
	observer      Observer

	segmenter *segmenter

	inbound      chan DecodedFrame
	transcripts  chan speechtotext.TranscriptEvent
	speechStarts chan struct{}
	speechEnds   chan struct{}
	utterances   chan Utterance
	outbound     *outboundQueue

	mu         sync.Mutex
	history    []understanding.Exchange
	fields     understanding.Fields
	metrics    []LatencyMetric
	turnsTaken int
	intent     understanding.Intent
	turn       *activeTurn
	pending    *pendingAction
	bookingRef string
	escalated  bool

	lastActivity atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	closing atomic.Bool
}

func newSession(parent context.Context, conn FrameConn, caller string, opts *registryOptions) (*Session, error) {
	if conn == nil {
		return nil, errors.New("session requires a frame connection")
	}
	if opts.understanding == nil {
		return nil, errors.New("session requires an understanding collaborator")
	}
	if opts.synthesizer == nil {
		return nil, errors.New("session requires a speech synthesizer")
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        uuid.NewString(),
		Caller:    caller,
		StartedAt: time.Now(),

		conn:   conn,
		config: opts.sessionConfig,

		understander:  opts.understanding,
		synthesizer:   opts.synthesizer,
		synthEncoding: opts.synthesisEncoding,
		bookings:      opts.bookings,
		escalations:   opts.escalations,
		observer:      opts.observer,

		inbound:      make(chan DecodedFrame, opts.sessionConfig.InboundQueueSize),
		transcripts:  make(chan speechtotext.TranscriptEvent, opts.sessionConfig.UtteranceQueueSize),
		speechStarts: make(chan struct{}, 1),
		speechEnds:   make(chan struct{}, 1),
		utterances:   make(chan Utterance, opts.sessionConfig.UtteranceQueueSize),
		outbound:     newOutboundQueue(opts.sessionConfig.OutboundQueueSize),

		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.touch()

	s.segmenter = newSegmenter(s.config.Segmenter,
		func(utterance Utterance) {
			s.observer.UtteranceFinalized(utterance.Duration)
			select {
			case s.utterances <- utterance:
			case <-s.ctx.Done():
			}
		},
		s.bargeIn,
	)

	if opts.transcribers != nil {
		transcriber, err := opts.transcribers()
		if err != nil {
			cancel()
			return nil, err
		}
		s.transcriber = transcriber
		if err := transcriber.Transcribe(ctx,
			speechtotext.WithEncodingInfo(audio.EncodingInfo{
				SampleRate: audio.WireSampleRate,
				Format:     audio.EncodingLinear16,
			}),
			speechtotext.WithTranscriptCallback(func(event speechtotext.TranscriptEvent) {
				select {
				case s.transcripts <- event:
				case <-s.ctx.Done():
				}
			}),
			speechtotext.WithSpeechStartedCallback(func() { s.notify(s.speechStarts) }),
			speechtotext.WithSpeechEndedCallback(func() { s.notify(s.speechEnds) }),
		); err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

func (s *Session) notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// run drives the session until the transport disconnects or the context is
// cancelled. It blocks; the registry calls it on its own goroutine.
func (s *Session) run() error {
	defer close(s.done)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.observer.SessionStarted(s.ID)
	logger.Info("session started", "session", s.ID, "caller", s.Caller)

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
		{"transport read", s.readLoop},
		{"segmentation", s.segmentLoop},
		{"turn orchestration", s.turnLoop},
		{"transport write", s.writeLoop},
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

	s.mu.Lock()
	s.runErr = workerErr
	s.mu.Unlock()
	return workerErr
}

// turnLoop consumes finalized utterances strictly in order: a new turn cannot
// begin until the previous one has fully resolved. The greeting runs first,
// before the caller has said anything.
func (s *Session) turnLoop(ctx context.Context) error {
	if s.config.Greeting != "" {
		s.runTurn(ctx, Utterance{}, greeterUnderstander{reply: s.config.Greeting})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case utterance := <-s.utterances:
			if utterance.Transcript == "" {
				// Voiced audio that produced no usable text; nothing to act on.
				continue
			}
			s.runTurn(ctx, utterance, s.understander)
		}
	}
}

// runTurn executes one full turn against the given collaborator and folds its
// outcome back into session state. Collaborator failure downgrades to a
// fallback reply; it never surfaces as a session error.
func (s *Session) runTurn(ctx context.Context, utterance Utterance, understander understanding.Collaborator) {
	ctx, span := tracer.Start(ctx, "process turn")
	defer span.End()

	s.mu.Lock()
	index := s.turnsTaken
	s.turnsTaken++
	request := understanding.Request{
		Transcript: utterance.Transcript,
		History:    append([]understanding.Exchange(nil), s.history...),
		State:      s.fields,
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("turn.index", index))

	turnStart := time.Now()
	var firstAudio time.Time

	turn := newActiveTurn(ctx, index, utterance.Transcript,
		activeTurnComponents{
			Understander:      understander,
			Synthesizer:       s.synthesizer,
			SynthesisEncoding: s.synthEncoding,
		},
		activeTurnCallbacks{
			OnWireAudio: func(payload []byte) {
				if firstAudio.IsZero() {
					firstAudio = time.Now()
				}
				if err := s.outbound.Enqueue(ctx, outboundFrame{turn: index, payload: payload}); err != nil {
					logger.Debug("dropping reply audio", "session", s.ID, "turn", index, "error", err)
				}
			},
			OnActionDue: func(kind ActionKind) {
				s.armAction(index, kind)
			},
		},
		activeTurnConfig{UnderstandingTimeout: s.config.UnderstandingTimeout},
	)

	s.mu.Lock()
	s.turn = turn
	s.mu.Unlock()

	response, plan, workerErr := turn.run(ctx, request)

	s.mu.Lock()
	s.turn = nil
	s.mu.Unlock()

	if workerErr != nil {
		span.RecordError(workerErr)
		span.SetStatus(codes.Error, workerErr.Error())
		logger.Warn("turn finished with worker errors", "session", s.ID, "turn", index, "error", workerErr)
	}

	s.recordLatency(StageUnderstanding, turn.understandingDuration, index)
	if !firstAudio.IsZero() {
		s.recordLatency(StageFirstAudio, firstAudio.Sub(turnStart), index)
	}
	s.recordLatency(StageTurnTotal, time.Since(turnStart), index)

	if collaboratorErr := (&CollaboratorError{}); errors.As(turn.err, &collaboratorErr) {
		s.observer.CollaboratorFailure(collaboratorErr.Collaborator, collaboratorErr.Timeout)
	}

	s.mu.Lock()
	if plan.Fallback || response == nil {
		// Fallback turns leave structured state untouched.
		s.history = append(s.history, understanding.Exchange{
			Caller:    utterance.Transcript,
			Assistant: fallbackReply,
		})
	} else {
		s.fields.Merge(response.UpdatedFields, response.CorrectedFields)
		if response.Intent != "" {
			s.intent = response.Intent
		}
		s.history = append(s.history, understanding.Exchange{
			Caller:    utterance.Transcript,
			Assistant: response.Reply,
		})
	}
	s.mu.Unlock()

	// If the reply never reached the wire (synthesis failure, immediate
	// barge-in) the armed action still belongs to a resolved turn; fire it
	// now rather than leaking it.
	s.fireAction(index)
}

func (s *Session) recordLatency(stage string, duration time.Duration, turnIndex int) {
	if duration <= 0 {
		return
	}
	s.mu.Lock()
	s.metrics = append(s.metrics, LatencyMetric{Stage: stage, Duration: duration, TurnIndex: turnIndex})
	s.mu.Unlock()
	s.observer.TurnLatency(stage, duration)
}

// armAction records the business action decided on this turn. Dispatch waits
// until the first reply frame is written (noteTurnAudible) so the caller is
// already hearing the confirmation when the side effect happens.
func (s *Session) armAction(turnIndex int, kind ActionKind) {
	if kind == ActionNone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil && !s.pending.dispatched {
		// Should not happen with strictly sequential turns; keep the older
		// armed action rather than dropping a decided side effect.
		logger.Warn("action armed while another is pending", "session", s.ID, "turn", turnIndex)
		return
	}
	summary := s.fields.IssueSummary
	s.pending = &pendingAction{
		turnIndex: turnIndex,
		kind:      kind,
		fields:    s.fields,
		summary:   summary,
	}
}

// noteTurnAudible is called by the write loop for every outbound frame; the
// first frame of a turn with an armed action triggers the dispatch.
func (s *Session) noteTurnAudible(turnIndex int) {
	s.fireAction(turnIndex)
}

func (s *Session) fireAction(turnIndex int) {
	s.mu.Lock()
	pending := s.pending
	if pending == nil || pending.dispatched || pending.turnIndex != turnIndex {
		s.mu.Unlock()
		return
	}
	pending.dispatched = true
	fields := pending.fields
	// Dispatch sees the fields as merged at arm time plus anything the turn
	// outcome added since.
	fields.Merge(s.fields, nil)
	s.mu.Unlock()

	go s.dispatchAction(pending.kind, fields, pending.summary)
}

// dispatchAction performs the side effect off the audio path. Failures are
// recorded on the observer and the call continues.
func (s *Session) dispatchAction(kind ActionKind, fields understanding.Fields, summary string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ctx, span := tracer.Start(ctx, "dispatch action")
	defer span.End()
	span.SetAttributes(attribute.String("action.kind", string(kind)))

	var err error
	switch kind {
	case ActionBooking:
		if s.bookings == nil {
			err = errors.New("no booking collaborator configured")
			break
		}
		var ref string
		ref, err = s.bookings.CreateBooking(ctx, s.ID, s.Caller, fields)
		if err == nil {
			s.mu.Lock()
			s.bookingRef = ref
			s.mu.Unlock()
		}
	case ActionEscalation:
		if s.escalations == nil {
			err = errors.New("no escalation collaborator configured")
			break
		}
		err = s.escalations.Escalate(ctx, s.ID, s.Caller, summary)
		if err == nil {
			s.mu.Lock()
			s.escalated = true
			s.mu.Unlock()
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("action dispatch failed", "session", s.ID, "action", kind, "error", err)
	}
	s.observer.ActionDispatched(kind, err == nil)
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has gone without inbound audio.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) currentTurn() *activeTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Close tears the session down: cancels the workers, stops the transcription
// stream, closes the transport, and waits for the run loop to drain. Safe to
// call more than once.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}

	if turn := s.currentTurn(); turn != nil {
		turn.Cancel()
	}
	s.outbound.Close()
	s.cancel()

	if s.transcriber != nil {
		if err := s.transcriber.StopStream(); err != nil {
			logger.Debug("failed to stop transcription stream", "session", s.ID, "error", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		logger.Debug("failed to close transport", "session", s.ID, "error", err)
	}

	<-s.done

	duration := time.Since(s.StartedAt)
	s.observer.SessionEnded(s.ID, duration)
	logger.Info("session ended", "session", s.ID, "duration", duration)
	return nil
}

// Summary assembles the call record. Call after Close; it snapshots whatever
// state the session accumulated.
func (s *Session) Summary() CallSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var turnTotal time.Duration
	turnCount := 0
	for _, metric := range s.metrics {
		if metric.Stage == StageTurnTotal {
			turnTotal += metric.Duration
			turnCount++
		}
	}
	var avgLatency time.Duration
	if turnCount > 0 {
		avgLatency = turnTotal / time.Duration(turnCount)
	}

	return CallSummary{
		SessionID:      s.ID,
		Caller:         s.Caller,
		StartedAt:      s.StartedAt,
		EndedAt:        time.Now(),
		Intent:         s.intent,
		Transcript:     append([]understanding.Exchange(nil), s.history...),
		Fields:         s.fields,
		BookingRef:     s.bookingRef,
		Escalated:      s.escalated,
		Turns:          s.turnsTaken,
		AvgTurnLatency: avgLatency,
		Metrics:        append([]LatencyMetric(nil), s.metrics...),
	}
}

// greeterUnderstander is a canned collaborator used for the opening turn; it
// speaks the configured greeting without consulting the language model.
type greeterUnderstander struct {
	reply string
}

func (g greeterUnderstander) Understand(_ context.Context, _ understanding.Request, opts ...understanding.UnderstandOption) (*understanding.Response, error) {
	options := understanding.UnderstandOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.ReplyFragmentCallback != nil {
		options.ReplyFragmentCallback(g.reply)
	}
	return &understanding.Response{Intent: understanding.IntentOther, Reply: g.reply}, nil
}
