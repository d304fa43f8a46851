package event

import (
	"context"
	"sync"

	"github.com/onnwee/diverge/internal/ledger"
)

// Recorder is an in-memory ledger.Publisher that keeps every event it is
// given. Set Err to make Publish fail.
type Recorder struct {
	mu     sync.Mutex
	events []ledger.Event
	Err    error
}

// Publish implements ledger.Publisher.
func (r *Recorder) Publish(_ context.Context, ev ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []ledger.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Event, len(r.events))
	copy(out, r.events)
	return out
}
