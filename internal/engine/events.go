package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 32

// Event is one progress update of a running job.
type Event struct {
	Seq     int       `json:"seq"`
	Step    string    `json:"step"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// EventBroker fans job progress out to live subscribers. It is safe for
// concurrent use.
//
// Finished jobs keep a closed marker so that late subscribers get a closed
// channel instead of waiting forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{topics: make(map[string]*topic)}
}

// Subscribe returns a channel of events for jobID and a function that
// cancels the subscription.
func (b *EventBroker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers ev to every subscriber of jobID, dropping it for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(jobID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream for jobID.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the closed marker for jobID once its artifacts are gone.
func (b *EventBroker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[jobID]; ok && t.closed {
		delete(b.topics, jobID)
	}
}
