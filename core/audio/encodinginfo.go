package audio

const (
	// WireSampleRate is the sample rate of telephony wire audio.
	WireSampleRate = 8000
	// WireFrameDurationMs is the duration of a single wire frame.
	WireFrameDurationMs = 20
	// WireFrameBytes is the payload size of a single μ-law wire frame.
	WireFrameBytes = WireSampleRate * WireFrameDurationMs / 1000

	DefaultSampleRate = 8000
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// BytesPerFrame returns the payload size of one frame of the given duration.
func (e EncodingInfo) BytesPerFrame(durationMs int) int {
	return e.SampleRate * durationMs / 1000 * e.Format.ByteSize()
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
