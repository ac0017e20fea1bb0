package events

import (
	"context"
	"sync"

	"github.com/foresight-io/foresight/internal/model"
)

// Recorder is an in-memory Publisher for development and tests.
type Recorder struct {
	mutex  sync.RWMutex
	events []model.DomainEvent
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event model.DomainEvent) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.events = append(r.events, event)

	return nil
}

// Events returns everything published so far, in order.
func (r *Recorder) Events() []model.DomainEvent {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]model.DomainEvent, len(r.events))
	copy(out, r.events)

	return out
}

// OfType returns the published events carrying the given type, in order.
func (r *Recorder) OfType(t model.EventType) []model.DomainEvent {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []model.DomainEvent

	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}

	return out
}

// Reset clears the recorded events.
func (r *Recorder) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.events = nil
}
