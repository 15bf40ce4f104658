package verify

import (
	"sync"
	"time"

	"github.com/newtron-network/newtcheck/pkg/model"
)

// EventKind distinguishes per-device progress from batch completion.
type EventKind string

const (
	EventDevice EventKind = "device"
	EventBatch  EventKind = "batch"
)

// Event is a progress notification for one batch.
type Event struct {
	Kind             EventKind       `json:"kind"`
	BatchID          string          `json:"batch_id"`
	Phase            model.CheckType `json:"phase"`
	Device           string          `json:"device_ip,omitempty"`
	CheckID          string          `json:"check_id,omitempty"`
	Status           string          `json:"status"`
	Error            string          `json:"error,omitempty"`
	CompletedDevices int             `json:"completed_devices,omitempty"`
	TotalDevices     int             `json:"total_devices,omitempty"`
	Time             time.Time       `json:"time"`
}

// Final reports whether this event ends the phase it belongs to.
func (e Event) Final() bool {
	return e.Kind == EventBatch
}

// subscriberBuffer bounds how far a slow subscriber may lag before events
// to it are dropped.
const subscriberBuffer = 64

// Broker fans events out to subscribers of a batch. Publishing never blocks.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for batchID and a function that
// cancels the subscription and closes the channel. An empty batchID
// receives every batch's events.
func (b *Broker) Subscribe(batchID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[batchID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[batchID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[batchID], ch)
			if len(b.subs[batchID]) == 0 {
				delete(b.subs, batchID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers e to subscribers of its batch and to wildcard subscribers.
func (b *Broker) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range []string{e.BatchID, ""} {
		for ch := range b.subs[key] {
			select {
			case ch <- e:
			default:
			}
		}
	}
}
