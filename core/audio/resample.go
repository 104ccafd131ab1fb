package audio

import (
	"encoding/binary"
	"fmt"
)

// Resample converts little-endian linear PCM between sample rates using
// linear interpolation. Only 16-bit mono audio (width 2) is supported.
//
// Total audio duration is preserved within one output sample period: the
// output holds round(n * toRate / fromRate) samples for n input samples, and
// samples are never reordered.
func Resample(pcm []byte, fromRate, toRate, width int) ([]byte, error) {
	if width != 2 {
		return nil, &CodecError{Op: "resample", Reason: fmt.Sprintf("unsupported sample width %d", width)}
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, &CodecError{Op: "resample", Reason: fmt.Sprintf("invalid rate pair %d -> %d", fromRate, toRate)}
	}
	if len(pcm)%width != 0 {
		return nil, &CodecError{Op: "resample", Reason: fmt.Sprintf("byte count %d is not a multiple of sample width %d", len(pcm), width)}
	}

	if fromRate == toRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	inSamples := len(pcm) / width
	if inSamples == 0 {
		return []byte{}, nil
	}

	outSamples := (inSamples*toRate + fromRate/2) / fromRate
	out := make([]byte, outSamples*width)
	for i := 0; i < outSamples; i++ {
		// Position of output sample i on the input timeline.
		pos := float64(i) * float64(inSamples) / float64(outSamples)
		left := int(pos)
		if left >= inSamples-1 {
			copy(out[i*width:], pcm[(inSamples-1)*width:inSamples*width])
			continue
		}
		frac := pos - float64(left)

		a := int16(binary.LittleEndian.Uint16(pcm[left*width:]))
		b := int16(binary.LittleEndian.Uint16(pcm[(left+1)*width:]))
		sample := int16(float64(a) + (float64(b)-float64(a))*frac)
		binary.LittleEndian.PutUint16(out[i*width:], uint16(sample))
	}

	return out, nil
}

// ChunkPCM splits linear16 PCM into frames of the given duration at the given
// sample rate. A trailing partial frame is padded with silence so the writer
// always emits full wire frames.
func ChunkPCM(pcm []byte, sampleRate, durationMs int) [][]byte {
	frameBytes := sampleRate * durationMs / 1000 * 2
	if frameBytes <= 0 || len(pcm) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(pcm)+frameBytes-1)/frameBytes)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			padded := make([]byte, frameBytes)
			copy(padded, pcm[off:])
			chunks = append(chunks, padded)
			break
		}
		chunks = append(chunks, pcm[off:end])
	}
	return chunks
}
