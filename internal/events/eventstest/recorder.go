// Package eventstest provides an in-memory Publisher for tests.
package eventstest

import (
	"context"
	"sync"

	"canteenservice/internal/events"
)

// Recorder keeps every published envelope. Set Err to make Publish fail.
type Recorder struct {
	mu     sync.Mutex
	events []events.Envelope
	Err    error
}

func (r *Recorder) Publish(_ context.Context, event events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the published envelopes.
func (r *Recorder) Events() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the published envelopes with the given type.
func (r *Recorder) OfType(t events.Type) []events.Envelope {
	var out []events.Envelope
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
