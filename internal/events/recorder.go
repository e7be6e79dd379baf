package events

import (
	"context"
	"sync"

	"github.com/xtrntr/ratemarket/internal/models"
)

// Recorder keeps events in memory. It serves as the controller's sink when
// nothing needs to survive a restart, and as a publisher in tests.
type Recorder struct {
	mu     sync.Mutex
	seq    uint64
	events []models.Event
	// Fail, when set, is returned by the next Append instead of storing.
	Fail error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Append(ctx context.Context, evs ...models.Event) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		err := r.Fail
		r.Fail = nil
		return nil, err
	}
	out := make([]models.Event, len(evs))
	for i, e := range evs {
		r.seq++
		e.Seq = r.seq
		out[i] = e
	}
	r.events = append(r.events, out...)
	return out, nil
}

func (r *Recorder) Name() string { return "recorder" }

// Publish stores already sequenced events.
func (r *Recorder) Publish(ctx context.Context, evs []models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
