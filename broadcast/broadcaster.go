package broadcast

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the simulation core.
const (
	EventSimulationStarted = "simulation_started"
	EventSimulationStopped = "simulation_stopped"
	EventSimulationPaused  = "simulation_paused"
	EventSimulationResumed = "simulation_resumed"
	EventSimulationReset   = "simulation_reset"
	EventGapFillStarted    = "gap_fill_started"
	EventGapFillProgress   = "gap_fill_progress"
	EventGapFillCompleted  = "gap_fill_completed"
	EventGapFillError      = "gap_fill_error"
	EventDataGenerated     = "data_generated"
	EventGeneratorError    = "generator_error"
)

// Event is the envelope every subscriber receives.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription is a bounded, non-blocking receiver of engine events.
// Events published while the buffer is full are dropped for this
// subscriber only.
type Subscription struct {
	C       chan Event
	dropped int64
}

// Dropped reports how many events this subscriber has missed.
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// subscriberBuffer bounds how far a slow subscriber may lag.
const subscriberBuffer = 64

// Broadcaster fans engine events out to subscribers. Publish never blocks;
// the engine's pace is independent of its slowest consumer.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*Subscription]bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]bool)}
}

// Subscribe registers a new subscriber and returns its subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber. Safe to call while publishes are in
// flight; the channel is not closed so a racing send cannot panic.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber whose buffer has room.
func (b *Broadcaster) Publish(eventType string, ts time.Time, data interface{}) {
	ev := Event{Type: eventType, Timestamp: ts.UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			n := atomic.AddInt64(&sub.dropped, 1)
			if n%100 == 1 {
				log.Printf("[Broadcast] subscriber buffer full, dropped %d events", n)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
