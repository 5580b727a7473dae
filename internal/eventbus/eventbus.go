// Package eventbus provides an in-process pub/sub that fans typed events
// out to many subscribers, each with its own bounded, drop-oldest queue so
// a slow subscriber never blocks the publisher or its peers (spec.md §4.5).
package eventbus

import (
	"sync"
	"sync/atomic"
)

// EventType names one of the wire event kinds in spec.md §4.5.
type EventType string

const (
	OfferCreated                 EventType = "OfferCreated"
	OfferUpdated                 EventType = "OfferUpdated"
	OrderCreated                 EventType = "OrderCreated"
	OrderMatched                 EventType = "OrderMatched"
	TradeExecuted                EventType = "TradeExecuted"
	OrderBookSnapshot            EventType = "OrderBookSnapshot"
	OrderBookBuyUpdate           EventType = "OrderBookBuyUpdate"
	OrderBookSellUpdate          EventType = "OrderBookSellUpdate"
	MarketDepthUpdate            EventType = "MarketDepthUpdate"
	MarketStats                  EventType = "MarketStats"
	MeterReadingReceived         EventType = "MeterReadingReceived"
	TokensMinted                 EventType = "TokensMinted"
	MeterReadingValidationFailed EventType = "MeterReadingValidationFailed"
	BatchMintingCompleted        EventType = "BatchMintingCompleted"
	GridStatus                   EventType = "GridStatus"
	MeterAlert                   EventType = "MeterAlert"
	RecIssued                    EventType = "RecIssued"
	RecRetired                   EventType = "RecRetired"
)

// Event is one published message. Payload is application-defined and
// serialized by the broadcaster.
type Event struct {
	Type    EventType
	Payload interface{}
}

// Subscription is a subscriber's bounded inbound queue plus its drop
// counter.
type Subscription struct {
	id      uint64
	ch      chan Event
	dropped uint64
}

// Events returns the channel to range over for delivered events.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns the number of messages dropped from the head of this
// subscriber's queue because it fell behind.
func (s *Subscription) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Bus is a concurrent-safe in-process publisher with per-subscriber bounded
// queues.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*Subscription
	nextID      uint64
	capacity    int
}

// New constructs a Bus whose subscriber queues each hold up to capacity
// events before the oldest are dropped.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{subs: make(map[uint64]*Subscription), capacity: capacity}
}

// Subscribe registers a new subscriber in O(1) and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan Event, b.capacity)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber in O(1) and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans the event out to every current subscriber. A subscriber
// whose queue is full has its oldest pending message dropped to make room;
// the publisher never blocks.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		deliver(sub, evt)
	}
}

func deliver(sub *Subscription, evt Event) {
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}

		// Queue full: drop the oldest message and retry once. If another
		// goroutine drained concurrently the retry send above succeeds;
		// otherwise we free exactly one slot per attempt.
		select {
		case <-sub.ch:
			atomic.AddUint64(&sub.dropped, 1)
		default:
			// Channel drained between the full check and here; loop to
			// attempt the send again.
		}
	}
}

// SubscriberCount reports the current number of live subscribers, mainly
// for observability/dashboards.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
