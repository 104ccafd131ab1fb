package pipeline

import (
	"testing"
	"time"
)

func TestSpeechBufferYieldsAudioThenMarkInOrder(t *testing.T) {
	b := newSpeechBuffer()
	b.AddAudio([]byte{1})
	b.AddAudio([]byte{2})
	b.Mark("unit-0")
	b.AddAudio([]byte{3})
	b.AllAudioLoaded()

	var sequence []string
	done := make(chan struct{})
	go func() {
		for item := range b.Audio {
			if item.Type == "audio" {
				sequence = append(sequence, "audio")
			} else {
				sequence = append(sequence, "mark:"+item.Mark)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out draining the speech buffer")
	}

	want := []string{"audio", "audio", "mark:unit-0", "audio"}
	if len(sequence) != len(want) {
		t.Fatalf("expected %v, got %v", want, sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, sequence)
		}
	}
}

func TestSpeechBufferStopReleasesConsumer(t *testing.T) {
	b := newSpeechBuffer()
	b.AddAudio([]byte{1})

	done := make(chan struct{})
	go func() {
		for range b.Audio {
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Stop to release the consumer")
	}
}
