package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zylin-ai/call-core/core/audio"
)

// FrameConn is one full-duplex telephony connection. ReadFrame blocks on the
// network; a read error is session-terminal. Implementations must allow one
// concurrent reader and one concurrent writer.
type FrameConn interface {
	ReadFrame(ctx context.Context) (WireFrame, error)
	WriteFrame(ctx context.Context, frame WireFrame) error
	Close() error
}

// AudioClearer is implemented by connections whose remote end buffers
// written audio. A barge-in asks it to drop whatever has not played yet.
type AudioClearer interface {
	ClearAudio() error
}

// outboundFrame is one encoded wire payload queued for the writer, tagged
// with the turn that produced it.
type outboundFrame struct {
	turn    int
	payload []byte
}

// outboundQueue decouples turn processing from the paced writer. Enqueue
// blocks once the bound is reached, which is the backpressure path back to
// the orchestrator; Clear drops everything not yet written, for barge-in.
type outboundQueue struct {
	mu     sync.Mutex
	frames []outboundFrame
	head   int

	capacity int
	closed   bool

	updateSignal chan struct{}
	spaceSignal  chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &outboundQueue{
		capacity:     capacity,
		updateSignal: make(chan struct{}, 1),
		spaceSignal:  make(chan struct{}, 1),
	}
}

func (q *outboundQueue) Enqueue(ctx context.Context, frame outboundFrame) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrSessionClosed
		}
		if len(q.frames)-q.head < q.capacity {
			q.frames = append(q.frames, frame)
			q.mu.Unlock()
			signal(q.updateSignal)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.spaceSignal:
		}
	}
}

func (q *outboundQueue) Next(ctx context.Context) (outboundFrame, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.frames) {
			frame := q.frames[q.head]
			q.head++
			if q.head == len(q.frames) {
				q.frames = q.frames[:0]
				q.head = 0
			}
			q.mu.Unlock()
			signal(q.spaceSignal)
			return frame, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return outboundFrame{}, ErrSessionClosed
		}

		select {
		case <-ctx.Done():
			return outboundFrame{}, ctx.Err()
		case <-q.updateSignal:
		}
	}
}

// Clear drops all frames not yet handed to the writer.
func (q *outboundQueue) Clear() {
	q.mu.Lock()
	q.frames = q.frames[:0]
	q.head = 0
	q.mu.Unlock()
	signal(q.spaceSignal)
}

func (q *outboundQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames) - q.head
}

func (q *outboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.updateSignal)
	signal(q.spaceSignal)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// readLoop owns the inbound side of the connection: read, decode, hand off.
// It never blocks on processing; when the inbound queue is full the oldest
// frame is dropped so fresh audio keeps flowing.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Join(ErrTransportDisconnect, err)
		}
		s.touch()

		pcm, err := audio.DecodeMulaw(frame.Payload)
		if err != nil {
			// Malformed frame: discard and continue, per the codec contract.
			s.observer.FrameDropped("malformed")
			logger.Debug("dropping malformed inbound frame", "session", s.ID, "seq", frame.Seq, "error", err)
			continue
		}

		decoded := DecodedFrame{Seq: frame.Seq, Timestamp: frame.Timestamp, PCM: pcm}
		select {
		case s.inbound <- decoded:
		default:
			select {
			case <-s.inbound:
				s.observer.FrameDropped("inbound_queue_full")
			default:
			}
			select {
			case s.inbound <- decoded:
			default:
				s.observer.FrameDropped("inbound_queue_full")
			}
		}
	}
}

// segmentLoop is the only goroutine that touches the segmenter. It forwards
// decoded audio to the transcription collaborator and routes both frames and
// transcript events through the utterance state machine.
func (s *Session) segmentLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.inbound:
			if s.transcriber != nil {
				if err := s.transcriber.SendAudio(frame.PCM); err != nil {
					logger.Debug("failed to forward audio to transcription", "session", s.ID, "error", err)
				}
			}
			s.segmenter.ProcessFrame(frame)
		case event := <-s.transcripts:
			s.segmenter.ProcessTranscript(event)
		case <-s.speechStarts:
			s.segmenter.NoteSpeechStarted()
			s.bargeIn()
		case <-s.speechEnds:
			s.segmenter.NoteSpeechEnded()
		}
	}
}

// writeLoop paces outbound wire frames in real time: one frame per frame
// period, never faster than the callee consumes them.
func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(audio.WireFrameDurationMs * time.Millisecond)
	defer ticker.Stop()

	var seq uint64
	for {
		frame, err := s.outbound.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		s.noteTurnAudible(frame.turn)

		seq++
		if err := s.conn.WriteFrame(ctx, WireFrame{
			Seq:       seq,
			Timestamp: time.Now(),
			Payload:   frame.payload,
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return errors.Join(ErrTransportDisconnect, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// bargeIn yields the floor to the caller: if a reply is audibly streaming,
// the current turn's remaining synthesis is cancelled and the outbound queue
// cleared.
func (s *Session) bargeIn() {
	turn := s.currentTurn()
	speaking := (turn != nil && turn.startedSpeaking.Load()) || s.outbound.Pending() > 0
	if !speaking {
		return
	}

	if turn != nil {
		turn.Cancel()
	}
	s.outbound.Clear()
	if clearer, ok := s.conn.(AudioClearer); ok {
		if err := clearer.ClearAudio(); err != nil {
			logger.Warn("failed to clear remote audio buffer", "session", s.ID, "error", err)
		}
	}
	s.observer.BargeIn()
	logger.Debug("barge-in: caller preempted reply", "session", s.ID)
}
