// Package understanding defines the contract with the language-understanding
// collaborator: it receives a finalized utterance transcript together with the
// conversation so far and the structured fields collected across turns, and
// returns an intent, field updates, and the reply to speak back.
package understanding

import (
	"context"
	"strings"
)

// Collaborator maps one finalized utterance to a Response. Implementations
// must be safe for concurrent calls across sessions; a session never calls it
// concurrently for itself.
type Collaborator interface {
	Understand(ctx context.Context, request Request, opts ...UnderstandOption) (*Response, error)
}

type Intent string

const (
	IntentFAQ     Intent = "faq"
	IntentBooking Intent = "booking"
	IntentUrgent  Intent = "urgent"
	IntentOther   Intent = "other"
)

// Fields is the structured extraction state accumulated across turns. An empty
// string means the field has not been collected yet.
type Fields struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Notes        string `json:"notes"`
	IssueSummary string `json:"issue_summary"`
}

// BookingReady reports whether every field required to create an appointment
// has been collected.
func (f Fields) BookingReady() bool {
	return f.Name != "" && f.Phone != "" && f.Date != "" && f.Time != ""
}

// Merge folds an update into the current state. Unset fields accept any
// non-empty value. A field that is already set only changes when it is named
// in corrected, so a collaborator cannot silently clear or overwrite collected
// data. The list of fields that actually changed is returned.
func (f *Fields) Merge(update Fields, corrected []string) []string {
	correctedSet := make(map[string]bool, len(corrected))
	for _, name := range corrected {
		correctedSet[strings.ToLower(strings.TrimSpace(name))] = true
	}

	changed := []string{}
	merge := func(name string, current *string, incoming string) {
		if incoming == "" && !correctedSet[name] {
			return
		}
		if *current != "" && !correctedSet[name] {
			return
		}
		if *current == incoming {
			return
		}
		*current = incoming
		changed = append(changed, name)
	}

	merge("name", &f.Name, update.Name)
	merge("phone", &f.Phone, update.Phone)
	merge("date", &f.Date, update.Date)
	merge("time", &f.Time, update.Time)
	merge("notes", &f.Notes, update.Notes)
	merge("issue_summary", &f.IssueSummary, update.IssueSummary)
	return changed
}

// Exchange is one completed caller/assistant turn, oldest first in a history.
type Exchange struct {
	Caller    string
	Assistant string
}

// Request carries everything the collaborator needs for one turn.
type Request struct {
	Transcript string
	History    []Exchange
	State      Fields
}

// Response is the collaborator's decision for one turn. UpdatedFields carries
// only the values it extracted from this utterance; CorrectedFields names the
// ones the caller explicitly revised.
type Response struct {
	Intent          Intent
	Reply           string
	UpdatedFields   Fields
	CorrectedFields []string
	BookingComplete bool
	NeedsEscalation bool
}

type UnderstandOptions struct {
	// ReplyFragmentCallback receives reply text incrementally as the
	// collaborator produces it. The full reply is still returned on the
	// Response.
	ReplyFragmentCallback func(string)
}

type UnderstandOption func(*UnderstandOptions)

func WithReplyFragmentCallback(callback func(string)) UnderstandOption {
	return func(o *UnderstandOptions) {
		o.ReplyFragmentCallback = callback
	}
}
