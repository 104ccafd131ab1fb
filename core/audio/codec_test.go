package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeMulawProducesLinear16(t *testing.T) {
	wire := bytes.Repeat([]byte{0xFF}, WireFrameBytes)

	pcm, err := DecodeMulaw(wire)
	if err != nil {
		t.Fatalf("expected decode to succeed, got %v", err)
	}
	if len(pcm) != len(wire)*2 {
		t.Fatalf("expected %d pcm bytes, got %d", len(wire)*2, len(pcm))
	}
	for i := 0; i < len(pcm); i += 2 {
		if pcm[i] != 0 || pcm[i+1] != 0 {
			t.Fatalf("expected μ-law silence to decode to zero samples, got %v at offset %d", pcm[i:i+2], i)
		}
	}
}

func TestReencodingDecodedAudioIsIdempotent(t *testing.T) {
	wire := make([]byte, 256)
	for i := range wire {
		wire[i] = byte(i)
	}

	first, err := DecodeMulaw(wire)
	if err != nil {
		t.Fatalf("expected first decode to succeed, got %v", err)
	}
	reencoded, err := EncodeMulaw(first)
	if err != nil {
		t.Fatalf("expected encode to succeed, got %v", err)
	}
	second, err := DecodeMulaw(reencoded)
	if err != nil {
		t.Fatalf("expected second decode to succeed, got %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("expected decode∘encode∘decode to reproduce the first decode bit for bit")
	}
}

func TestEncodeMulawRejectsOddByteCount(t *testing.T) {
	_, err := EncodeMulaw([]byte{0x00, 0x01, 0x02})

	var codecErr *CodecError
	if !errors.As(err, &codecErr) {
		t.Fatalf("expected a CodecError for odd byte count, got %v", err)
	}
}

func TestDecodeMulawRejectsEmptyFrame(t *testing.T) {
	_, err := DecodeMulaw(nil)

	var codecErr *CodecError
	if !errors.As(err, &codecErr) {
		t.Fatalf("expected a CodecError for an empty frame, got %v", err)
	}
}

func TestEncodeClipsExtremeSamples(t *testing.T) {
	// Full-scale positive and negative samples must survive a round trip with
	// the expected μ-law clipping, not wrap around.
	pcm := []byte{0xFF, 0x7F, 0x00, 0x80} // 32767, -32768
	wire, err := EncodeMulaw(pcm)
	if err != nil {
		t.Fatalf("expected encode to succeed, got %v", err)
	}
	decoded, err := DecodeMulaw(wire)
	if err != nil {
		t.Fatalf("expected decode to succeed, got %v", err)
	}

	high := int16(uint16(decoded[0]) | uint16(decoded[1])<<8)
	low := int16(uint16(decoded[2]) | uint16(decoded[3])<<8)
	if high <= 0 || low >= 0 {
		t.Fatalf("expected signs to be preserved, got %d and %d", high, low)
	}
}
