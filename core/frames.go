package pipeline

import (
	"time"

	"github.com/zylin-ai/call-core/core/audio"
)

// WireFrame is one timestamped chunk of telephony-encoded audio as carried
// over the duplex connection. Sequence numbers are strictly increasing per
// session and per direction. Immutable once produced.
type WireFrame struct {
	Seq       uint64
	Timestamp time.Time
	Payload   []byte
}

// DecodedFrame is one wire frame decoded to linear16 PCM at the wire sample
// rate, carrying the same sequencing.
type DecodedFrame struct {
	Seq       uint64
	Timestamp time.Time
	PCM       []byte
}

// Duration is the playback time the frame covers.
func (f DecodedFrame) Duration() time.Duration {
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / audio.WireSampleRate
}

// Utterance is one continuous span of caller speech, bounded by a silence
// timeout, a final transcript, or the maximum utterance duration. Frames are
// contiguous: EndSeq-StartSeq+1 frames with no gaps.
type Utterance struct {
	StartSeq   uint64
	EndSeq     uint64
	PCM        []byte
	Duration   time.Duration
	Transcript string
	Confidence float64
	// ForceFinalized is set when the maximum duration bound cut the
	// utterance off rather than silence or a final transcript.
	ForceFinalized bool
}

// Latency stages measured per turn.
const (
	StageUnderstanding = "understanding"
	StageFirstAudio    = "first_audio"
	StageTurnTotal     = "turn_total"
)

// LatencyMetric is one per-stage duration measurement, append-only per
// session and read by the registry for aggregation.
type LatencyMetric struct {
	Stage     string
	Duration  time.Duration
	TurnIndex int
}
