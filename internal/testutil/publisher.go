package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Debate/internal/domain"
)

// Published is one recorded Publish call, payload already JSON-encoded.
type Published struct {
	Event   string
	Payload json.RawMessage
}

// Recorder is a core.Publisher and core.PresenceTracker that remembers every call.
// Set Err to make subsequent calls fail.
type Recorder struct {
	mu      sync.Mutex
	Err     error
	events  []Published
	tracked []domain.Participant
}

func (r *Recorder) Publish(_ context.Context, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, Published{Event: event, Payload: b})
	return nil
}

func (r *Recorder) Track(_ context.Context, self domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.tracked = append(r.tracked, self)
	return nil
}

func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded payloads of one event name.
func (r *Recorder) Named(event string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []json.RawMessage
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (r *Recorder) Tracked() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Participant, len(r.tracked))
	copy(out, r.tracked)
	return out
}
