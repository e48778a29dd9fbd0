package pipeline

import (
	"sync"
	"time"

	"github.com/hyperjump/bimingest/internal/models"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before further events to it are dropped.
const subscriberBuffer = 16

// StatusEvent is published on every status transition of a model.
// Layer is empty for the creation of the model.
type StatusEvent struct {
	Layer  models.Layer       `json:"layer,omitempty"`
	Status models.ModelStatus `json:"status"`
	At     time.Time          `json:"at"`
}

// Events fans status events out to subscribers. Publishing never blocks.
type Events struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	modelID string
	ch      chan StatusEvent
}

// NewEvents returns an empty broker.
func NewEvents() *Events {
	return &Events{subs: make(map[*subscription]struct{})}
}

// Subscribe returns a channel of events for modelID, or for every model when
// modelID is empty, and a function that ends the subscription and closes the channel.
func (e *Events) Subscribe(modelID string) (<-chan StatusEvent, func()) {
	s := &subscription{modelID: modelID, ch: make(chan StatusEvent, subscriberBuffer)}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	e.subs[s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.subs[s]; ok {
				delete(e.subs, s)
				close(s.ch)
			}
		})
	}
}

// Publish delivers ev to matching subscribers, dropping it for any whose buffer is full.
func (e *Events) Publish(ev StatusEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for s := range e.subs {
		if s.modelID != "" && s.modelID != ev.Status.ModelID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Close ends every subscription.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for s := range e.subs {
		close(s.ch)
		delete(e.subs, s)
	}
}
