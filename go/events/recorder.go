package events

import (
	"context"
	"sync"
)

// Recorder is an Emitter which remembers every event, for tests.
type Recorder struct {
	mtx    sync.Mutex
	events []*Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// See docs for Emitter interface.
func (r *Recorder) Emit(ctx context.Context, e *Event) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, e)
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []*Event {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rv := make([]*Event, len(r.events))
	copy(rv, r.events)
	return rv
}

// Types returns just the event types, in emission order.
func (r *Recorder) Types() []EventType {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rv := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		rv = append(rv, e.Type)
	}
	return rv
}
