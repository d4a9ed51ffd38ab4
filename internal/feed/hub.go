// Package feed is the in-process change feed consumed by UI observers.
// Delivery is at-least-once and ordered per consultation; ordering across
// different consultations is not guaranteed.
package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one state-change notice for a consultation.
type Event struct {
	Type           string    `json:"type"`
	ConsultationID uuid.UUID `json:"consultation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data,omitempty"`
}

// Subscriber receives events for one topic over a buffered channel.
type Subscriber struct {
	topic string
	ch    chan Event
}

// C is the subscriber's receive channel.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Hub fans events out to topic subscribers. Publishing holds the write
// lock while pushing to every subscriber's channel, so publishers to one
// topic are serialized and per-topic ordering holds.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

func consultationTopic(id uuid.UUID) string { return "consultation:" + id.String() }

// Subscribe registers a subscriber for one consultation's events.
func (h *Hub) Subscribe(consultationID uuid.UUID, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscriber{topic: consultationTopic(consultationID), ch: make(chan Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub.topic] == nil {
		h.subs[sub.topic] = make(map[*Subscriber]struct{})
	}
	h.subs[sub.topic][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.topic]
	if set == nil {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.topic)
	}
	close(sub.ch)
}

// PublishConsultation delivers the event to every subscriber of that
// consultation. A full subscriber buffer drops the oldest event to make
// room, so a slow consumer loses history but never blocks the engine and
// never sees events out of order. The write lock serializes concurrent
// publishers, so the drop-oldest pop never races another publisher's send.
func (h *Hub) PublishConsultation(consultationID uuid.UUID, eventType string, data any) {
	ev := Event{
		Type:           eventType,
		ConsultationID: consultationID,
		Timestamp:      time.Now(),
		Data:           data,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[consultationTopic(consultationID)] {
		for {
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch: // drop oldest
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount reports active subscribers for a consultation.
func (h *Hub) SubscriberCount(consultationID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[consultationTopic(consultationID)])
}
