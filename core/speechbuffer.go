package pipeline

import (
	"sync"
)

// speechBuffer sits between the synthesis collaborator and the outbound
// encoder: the collaborator's callbacks append audio chunks and unit marks,
// and one consumer drains them in order. A mark is yielded only after all
// audio queued before it.
type speechBuffer struct {
	mu sync.Mutex

	chunks   [][]byte
	playhead int

	marks []speechBufferMark

	allAudioLoaded bool
	stopped        bool

	updateSignal chan struct{}
}

type speechBufferMark struct {
	label    string
	position int
	emitted  bool
}

type audioOrMark struct {
	Type  string
	Audio []byte
	Mark  string
}

func newSpeechBuffer() *speechBuffer {
	return &speechBuffer{
		updateSignal: make(chan struct{}, 1),
	}
}

func (b *speechBuffer) AddAudio(audio []byte) {
	b.mu.Lock()
	b.chunks = append(b.chunks, audio)
	b.mu.Unlock()
	b.signalUpdate()
}

// Mark records a labeled position after all audio added so far.
func (b *speechBuffer) Mark(label string) {
	b.mu.Lock()
	b.marks = append(b.marks, speechBufferMark{
		label:    label,
		position: len(b.chunks),
	})
	b.mu.Unlock()
	b.signalUpdate()
}

// AllAudioLoaded signals that the synthesis stream has finished; the iterator
// ends once the remaining audio is drained.
func (b *speechBuffer) AllAudioLoaded() {
	b.mu.Lock()
	b.allAudioLoaded = true
	b.mu.Unlock()
	b.signalUpdate()
}

func (b *speechBuffer) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	b.signalUpdate()
}

// Audio yields audio chunks and marks in order, blocking until more arrive,
// and returns once the buffer is stopped or complete and drained.
func (b *speechBuffer) Audio(yield func(audioOrMark) bool) {
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}

		if mark, ok := b.nextMarkLocked(); ok {
			b.mu.Unlock()
			if !yield(audioOrMark{Type: "mark", Mark: mark}) {
				return
			}
			continue
		}

		if b.playhead < len(b.chunks) {
			chunk := b.chunks[b.playhead]
			b.playhead++
			b.mu.Unlock()
			if !yield(audioOrMark{Type: "audio", Audio: chunk}) {
				return
			}
			continue
		}

		if b.allAudioLoaded {
			b.mu.Unlock()
			return
		}

		b.mu.Unlock()
		<-b.updateSignal
	}
}

// nextMarkLocked returns the first unemitted mark whose audio has fully been
// consumed.
func (b *speechBuffer) nextMarkLocked() (string, bool) {
	for i, mark := range b.marks {
		if mark.emitted {
			continue
		}
		if mark.position > b.playhead {
			return "", false
		}
		b.marks[i].emitted = true
		return mark.label, true
	}
	return "", false
}

func (b *speechBuffer) signalUpdate() {
	select {
	case b.updateSignal <- struct{}{}:
	default:
	}
}
