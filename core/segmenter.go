package pipeline

import (
	"time"

	"github.com/zylin-ai/call-core/core/speechtotext"
)

type segmenterState string

const (
	segmenterIdle           segmenterState = "idle"
	segmenterVoiced         segmenterState = "voiced"
	segmenterSilencePending segmenterState = "silence_pending"
)

type SegmenterConfig struct {
	// SilenceTimeout is how long with no speech before the utterance is
	// considered pending finalization.
	SilenceTimeout time.Duration
	// GracePeriod is how much longer the caller may resume speaking after
	// the silence timeout without losing the accumulated audio.
	GracePeriod time.Duration
	// MaxUtterance force-finalizes an utterance that runs this long, to
	// bound memory and latency.
	MaxUtterance time.Duration
	// VoiceThreshold is the mean absolute sample amplitude above which a
	// frame counts as speech when no VAD signal is available.
	VoiceThreshold int
}

func (c *SegmenterConfig) defaults() *SegmenterConfig {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 600 * time.Millisecond
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 400 * time.Millisecond
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.VoiceThreshold <= 0 {
		c.VoiceThreshold = 500
	}
	return c
}

// segmenter decides when a caller utterance is complete. It consumes decoded
// frames plus streaming transcript events and hands finished utterances to
// its callbacks. Time is measured in frame durations, not wall clock, so the
// machine is deterministic for a given input sequence.
//
// Not safe for concurrent use: one session owns one segmenter and feeds it
// from a single goroutine.
type segmenter struct {
	config SegmenterConfig

	state segmenterState

	startSeq uint64
	lastSeq  uint64
	pcm      []byte
	duration time.Duration
	silence  time.Duration

	asrSpeechActive bool

	finalText     string
	interimText   string
	confidence    float64
	hasFinalEvent bool

	// onUtterance receives the finished utterance; the segmenter resets to
	// idle before invoking it.
	onUtterance func(Utterance)
	// onSpeechStart fires on the idle -> voiced transition, which the
	// transport uses for barge-in.
	onSpeechStart func()
}

func newSegmenter(config SegmenterConfig, onUtterance func(Utterance), onSpeechStart func()) *segmenter {
	if onUtterance == nil {
		onUtterance = func(Utterance) {}
	}
	if onSpeechStart == nil {
		onSpeechStart = func() {}
	}
	return &segmenter{
		config:        *config.defaults(),
		state:         segmenterIdle,
		onUtterance:   onUtterance,
		onSpeechStart: onSpeechStart,
	}
}

// ProcessFrame feeds one decoded frame through the state machine.
func (s *segmenter) ProcessFrame(frame DecodedFrame) {
	if s.state != segmenterIdle && frame.Seq != s.lastSeq+1 {
		// A sequence gap means dropped audio upstream. The accumulated
		// utterance stays contiguous: finalize what we have and start over.
		s.finalize(false)
	}

	voiced := s.asrSpeechActive || s.isVoiced(frame.PCM)

	switch s.state {
	case segmenterIdle:
		if !voiced {
			return
		}
		s.state = segmenterVoiced
		s.startSeq = frame.Seq
		s.lastSeq = frame.Seq
		s.pcm = append(s.pcm[:0], frame.PCM...)
		s.duration = frame.Duration()
		s.silence = 0
		s.onSpeechStart()

	case segmenterVoiced, segmenterSilencePending:
		s.lastSeq = frame.Seq
		s.pcm = append(s.pcm, frame.PCM...)
		s.duration += frame.Duration()

		if voiced {
			s.state = segmenterVoiced
			s.silence = 0
		} else {
			s.silence += frame.Duration()
			if s.state == segmenterVoiced && s.silence >= s.config.SilenceTimeout {
				s.state = segmenterSilencePending
			}
			if s.state == segmenterSilencePending && s.silence >= s.config.SilenceTimeout+s.config.GracePeriod {
				s.finalize(false)
				return
			}
		}

		if s.duration >= s.config.MaxUtterance {
			s.finalize(true)
		}
	}
}

// ProcessTranscript feeds one transcription event through the state machine.
// A final event always wins over the silence timer and finalizes immediately.
// Interim events only keep the utterance alive: they reset the silence timer
// and provide the fallback text if the utterance is later force-finalized.
func (s *segmenter) ProcessTranscript(event speechtotext.TranscriptEvent) {
	if event.IsFinal {
		s.finalText = event.Text
		s.confidence = event.Confidence
		s.hasFinalEvent = true
		if s.state != segmenterIdle {
			s.finalize(false)
		}
		return
	}

	s.interimText = event.Text
	if s.state != segmenterIdle {
		s.silence = 0
		if s.state == segmenterSilencePending {
			s.state = segmenterVoiced
		}
	}
}

// NoteSpeechStarted records the transcription collaborator's voice-activity
// signal; while set, every frame counts as voiced regardless of energy.
func (s *segmenter) NoteSpeechStarted() { s.asrSpeechActive = true }

// NoteSpeechEnded clears the voice-activity signal.
func (s *segmenter) NoteSpeechEnded() { s.asrSpeechActive = false }

func (s *segmenter) State() segmenterState { return s.state }

func (s *segmenter) finalize(forced bool) {
	if s.state == segmenterIdle {
		return
	}

	transcript := s.finalText
	if !s.hasFinalEvent {
		transcript = s.interimText
	}

	utterance := Utterance{
		StartSeq:       s.startSeq,
		EndSeq:         s.lastSeq,
		PCM:            append([]byte(nil), s.pcm...),
		Duration:       s.duration,
		Transcript:     transcript,
		Confidence:     s.confidence,
		ForceFinalized: forced,
	}

	s.reset()
	s.onUtterance(utterance)
}

func (s *segmenter) reset() {
	s.state = segmenterIdle
	s.pcm = s.pcm[:0]
	s.duration = 0
	s.silence = 0
	s.finalText = ""
	s.interimText = ""
	s.confidence = 0
	s.hasFinalEvent = false
	s.asrSpeechActive = false
}

// isVoiced is the energy heuristic used when no VAD signal is available: the
// mean absolute amplitude of the frame against the configured threshold.
func (s *segmenter) isVoiced(pcm []byte) bool {
	if len(pcm) < 2 {
		return false
	}

	var total int64
	samples := len(pcm) / 2
	for i := 0; i < samples; i++ {
		sample := int64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		if sample < 0 {
			sample = -sample
		}
		total += sample
	}
	return total/int64(samples) >= int64(s.config.VoiceThreshold)
}
