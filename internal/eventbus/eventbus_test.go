package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribeBasic(t *testing.T) {
	bus := New(10)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: OrderCreated, Payload: "order-1"})

	select {
	case evt := <-sub.Events():
		if evt.Type != OrderCreated {
			t.Errorf("Type = %v, want OrderCreated", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDropOldestOnFullQueue(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: OrderCreated, Payload: 1})
	bus.Publish(Event{Type: OrderCreated, Payload: 2})
	bus.Publish(Event{Type: OrderCreated, Payload: 3})

	if sub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", sub.Dropped())
	}

	first := <-sub.Events()
	second := <-sub.Events()

	if first.Payload != 2 || second.Payload != 3 {
		t.Errorf("got payloads %v, %v, want 2, 3 (oldest dropped)", first.Payload, second.Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(10)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	bus.Publish(Event{Type: OrderCreated, Payload: "after unsubscribe"})

	if _, ok := <-sub.Events(); ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
}

func TestMultipleSubscribersEachGetFIFO(t *testing.T) {
	bus := New(10)
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	bus.Publish(Event{Type: OrderCreated, Payload: 1})
	bus.Publish(Event{Type: OrderMatched, Payload: 2})

	for _, sub := range []*Subscription{subA, subB} {
		e1 := <-sub.Events()
		e2 := <-sub.Events()
		if e1.Payload != 1 || e2.Payload != 2 {
			t.Errorf("subscriber got out-of-order events: %v, %v", e1.Payload, e2.Payload)
		}
	}
}

func TestSubscriberCount(t *testing.T) {
	bus := New(10)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}
	sub := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
	bus.Unsubscribe(sub)
	if bus.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0 after unsubscribe", bus.SubscriberCount())
	}
}
