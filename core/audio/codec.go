// Package audio provides the stateless transforms between the telephony wire
// format (8 kHz μ-law) and linear 16-bit PCM, plus sample-rate conversion.
//
// All functions are pure and safe for concurrent use on unrelated inputs.
// Malformed input is reported as a [*CodecError]; the functions never panic.
package audio

import (
	"encoding/binary"
	"fmt"
)

// CodecError reports malformed audio input. It is local and recoverable: the
// caller is expected to discard the offending frame and continue.
type CodecError struct {
	Op     string
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio %s: %s", e.Op, e.Reason)
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulaw converts μ-law wire bytes to little-endian linear16 PCM.
//
// Decoding is idempotent with respect to re-encoding: DecodeMulaw applied to
// EncodeMulaw(DecodeMulaw(wire)) reproduces the same samples bit for bit.
func DecodeMulaw(wire []byte) ([]byte, error) {
	if len(wire) == 0 {
		return nil, &CodecError{Op: "decode", Reason: "empty frame"}
	}

	pcm := make([]byte, len(wire)*2)
	for i, b := range wire {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(decodeMulawSample(b)))
	}
	return pcm, nil
}

// EncodeMulaw converts little-endian linear16 PCM to μ-law wire bytes.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, &CodecError{Op: "encode", Reason: "empty frame"}
	}
	if len(pcm)%2 != 0 {
		return nil, &CodecError{Op: "encode", Reason: fmt.Sprintf("odd byte count %d for linear16 input", len(pcm))}
	}

	wire := make([]byte, len(pcm)/2)
	for i := range wire {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		wire[i] = encodeMulawSample(sample)
	}
	return wire, nil
}

func encodeMulawSample(sample int16) byte {
	value := int32(sample)
	sign := byte(0)
	if value < 0 {
		value = -value
		sign = 0x80
	}
	if value > mulawClip {
		value = mulawClip
	}
	value += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask&value == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((value >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

func decodeMulawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	value := (int32(mantissa)<<3 + mulawBias) << exponent
	value -= mulawBias
	if sign != 0 {
		value = -value
	}
	return int16(value)
}
