package chat

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published on the [Hub].
const (
	EventMessageSent     = "message.sent"
	EventMessageReceived = "message.received"
	EventTransmitStart   = "transmit.start"
	EventTransmitEnd     = "transmit.end"
	EventTransmitError   = "transmit.error"
	EventCaptureError    = "capture.error"
)

// Event is a notification for UI clients.
type Event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Message *Message  `json:"message,omitempty"`

	// Estimate is the expected playback length in seconds.
	Estimate float64 `json:"estimate,omitempty"`

	// Kind and Error describe failures.
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// subscriberBuffer is the per-subscriber queue length. A subscriber that
// falls this far behind loses events rather than stalling publishers.
const subscriberBuffer = 32

// Hub fans events out to subscribers. Publishing never blocks.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its queue.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Warn("chat: subscriber lagging, event dropped", "type", e.Type)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
