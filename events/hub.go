// Package events provides the process-local publish/subscribe hub used to
// announce run progress to live-status consumers.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Type discriminates the event union.
type Type string

const (
	TypeStart     Type = "start"
	TypeLog       Type = "log"
	TypeStepStart Type = "step-start"
	TypeStepEnd   Type = "step-end"
	TypeEnd       Type = "end"

	// TypeListChanged is a broadcast-only event not tied to a single
	// pipeline, fired when the set of pipeline definitions changes.
	TypeListChanged Type = "list-changed"
)

// Event is one live-progress notification.
type Event struct {
	Type Type `json:"type"`

	// PipelineID is empty for broadcast-only events.
	PipelineID string `json:"pipelineId,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
}

// Wildcard subscribes to every event, including broadcast-only ones.
const Wildcard = "*"

// Hub is a process-local fan-out bus. Publish delivers to every current
// subscriber best-effort: a slow or disconnected subscriber never stalls
// the publisher. Delivery is at-most-once, in publish order per
// subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event // key: pipeline id or Wildcard
	logger      *slog.Logger
	active      atomic.Int64
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string][]chan Event),
		logger:      logger,
	}
}

// Subscribe registers a listener for one pipeline's events, or for all
// events with Wildcard (the empty string is treated as Wildcard). It
// returns a receive channel and an idempotent unsubscribe function the
// caller must invoke to release the subscription.
func (h *Hub) Subscribe(pipelineID string) (<-chan Event, func()) {
	if pipelineID == "" {
		pipelineID = Wildcard
	}
	ch := make(chan Event, 64) // buffered so slow consumers don't block Publish

	h.mu.Lock()
	h.subscribers[pipelineID] = append(h.subscribers[pipelineID], ch)
	h.mu.Unlock()

	h.active.Add(1)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			subs := h.subscribers[pipelineID]
			for i, sub := range subs {
				if sub == ch {
					h.subscribers[pipelineID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(h.subscribers[pipelineID]) == 0 {
				delete(h.subscribers, pipelineID)
			}

			close(ch)
			h.active.Add(-1)
		})
	}

	return ch, unsubscribe
}

// Publish fans the event out to subscribers of its pipeline id and to
// wildcard subscribers. Full subscriber buffers drop the event for that
// subscriber only.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ev.PipelineID != "" {
		h.send(h.subscribers[ev.PipelineID], ev)
	}
	h.send(h.subscribers[Wildcard], ev)
}

func (h *Hub) send(subs []chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("event dropped for slow subscriber",
				"pipeline_id", ev.PipelineID,
				"type", ev.Type,
			)
		}
	}
}

// ActiveSubscribers returns the number of live subscriptions.
func (h *Hub) ActiveSubscribers() int {
	return int(h.active.Load())
}
