package pipeline

import "time"

// Observer receives pipeline events for service-level metrics. All methods
// must be cheap and safe for concurrent use; they are called from the session
// loops.
type Observer interface {
	SessionStarted(sessionID string)
	SessionEnded(sessionID string, duration time.Duration)
	SessionRejected()
	FrameDropped(reason string)
	UtteranceFinalized(duration time.Duration)
	TurnLatency(stage string, duration time.Duration)
	BargeIn()
	CollaboratorFailure(collaborator string, timeout bool)
	ActionDispatched(kind ActionKind, ok bool)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string)              {}
func (nopObserver) SessionEnded(string, time.Duration) {}
func (nopObserver) SessionRejected()                   {}
func (nopObserver) FrameDropped(string)                {}
func (nopObserver) UtteranceFinalized(time.Duration)   {}
func (nopObserver) TurnLatency(string, time.Duration)  {}
func (nopObserver) BargeIn()                           {}
func (nopObserver) CollaboratorFailure(string, bool)   {}
func (nopObserver) ActionDispatched(ActionKind, bool)  {}
