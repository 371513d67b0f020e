// Package progress streams validation-run lifecycle events to clients.
// It adapts a hub-and-spoke model: subscribers attach to a run id and
// receive every event published for that run. Delivery is best-effort for
// progress events; terminal events (completed/failed) are retained and
// replayed to late subscribers.
package progress

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	TypeProgress  = "progress"
	TypeStage     = "stage"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
)

// Event is a single progress notification for a validation run.
type Event struct {
	Type     string         `json:"type"`
	Stage    string         `json:"stage"`
	Progress int            `json:"progress"`
	At       time.Time      `json:"at"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Terminal reports whether the event ends the run's stream.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeFailed
}

// Publisher is the side consumed by the pipeline: it fans events out to
// whoever is listening on the run.
type Publisher interface {
	Publish(ctx context.Context, runID string, event Event) error
}

// Hub tracks subscribers per run id. All operations are thread-safe.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	terminal    map[string]Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		terminal:    make(map[string]Event),
	}
}

// Subscribe attaches to a run's event stream. The returned cancel function
// must be called to release the subscription. If the run already finished,
// its terminal event is delivered immediately.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)

	h.mu.Lock()
	if term, ok := h.terminal[runID]; ok {
		ch <- term
	}
	if h.subscribers[runID] == nil {
		h.subscribers[runID] = make(map[chan Event]struct{})
	}
	h.subscribers[runID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subscribers[runID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(h.subscribers, runID)
				}
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of the run. Slow
// subscribers may miss progress events; terminal events are retained so no
// subscriber can miss the outcome.
func (h *Hub) Publish(_ context.Context, runID string, event Event) error {
	h.mu.Lock()
	if event.Terminal() {
		h.terminal[runID] = event
	}
	subs := h.subscribers[runID]
	for ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; skip to avoid blocking the pipeline.
		}
	}
	h.mu.Unlock()
	return nil
}

// SubscriberCount returns the number of subscribers attached to a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[runID])
}

// Forget drops the retained terminal event for a run (after run deletion).
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.terminal, runID)
}
