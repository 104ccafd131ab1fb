package pipeline

import (
	"strings"
	"sync"
	"unicode"
)

// sentenceBuffer accumulates streamed reply-text fragments and hands them out
// as synthesis units split at sentence boundaries, so the first sentence can
// reach synthesis before the full reply is generated.
//
// Producers call AddFragment and Complete; a single consumer ranges over
// Units. Clear aborts the consumer early.
type sentenceBuffer struct {
	mu            sync.Mutex
	pending       string
	units         []string
	unitsConsumed int
	complete      bool
	cleared       bool
	updateSignal  chan struct{}
}

func newSentenceBuffer() *sentenceBuffer {
	return &sentenceBuffer{
		updateSignal: make(chan struct{}, 1),
	}
}

func (b *sentenceBuffer) AddFragment(fragment string) {
	b.mu.Lock()
	b.pending += fragment
	b.splitPendingLocked()
	b.mu.Unlock()
	b.signalUpdate()
}

// Complete marks the reply text as fully produced and flushes any trailing
// partial sentence as a final unit.
func (b *sentenceBuffer) Complete() {
	b.mu.Lock()
	if trailing := strings.TrimSpace(b.pending); trailing != "" {
		b.units = append(b.units, trailing)
	}
	b.pending = ""
	b.complete = true
	b.mu.Unlock()
	b.signalUpdate()
}

// Units yields synthesis units in production order, blocking until the next
// unit is available, and returns once the buffer is complete and drained or
// has been cleared.
func (b *sentenceBuffer) Units(yield func(string) bool) {
	for {
		b.mu.Lock()
		if b.cleared {
			b.mu.Unlock()
			return
		}

		if b.unitsConsumed < len(b.units) {
			unit := b.units[b.unitsConsumed]
			b.unitsConsumed++
			b.mu.Unlock()
			if !yield(unit) {
				return
			}
			continue
		}

		if b.complete {
			b.mu.Unlock()
			return
		}

		b.mu.Unlock()
		<-b.updateSignal
	}
}

// String returns all reply text accumulated so far.
func (b *sentenceBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return strings.Join(b.units, " ") + b.pending
}

func (b *sentenceBuffer) Clear() {
	b.mu.Lock()
	b.cleared = true
	b.mu.Unlock()
	b.signalUpdate()
}

func (b *sentenceBuffer) signalUpdate() {
	select {
	case b.updateSignal <- struct{}{}:
	default:
	}
}

// splitPendingLocked moves complete sentences out of pending. A sentence ends
// at terminal punctuation followed by whitespace or the end of the pending
// text, except when the punctuation sits between digits ("3.30").
func (b *sentenceBuffer) splitPendingLocked() {
	runes := []rune(b.pending)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && i > 0 && unicode.IsDigit(runes[i-1]) && i+1 == len(runes) {
			// could be the middle of a number still streaming in
			continue
		}

		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			b.units = append(b.units, sentence)
		}
		start = i + 1
	}
	b.pending = string(runes[start:])
}
