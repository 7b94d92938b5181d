package events

import (
	"testing"
	"time"

	"github.com/amoskys/amoskys/internal/envelope"
	"github.com/amoskys/amoskys/internal/eventstore"
)

func storedEvent(seq uint64, id string) eventstore.StoredEvent {
	return eventstore.StoredEvent{
		Seq:        seq,
		ReceivedAt: time.Now().UTC(),
		Envelope: &envelope.Envelope{
			Version:       envelope.SchemaVersion,
			SourceAgentID: "dev-a",
			EventID:       id,
			TimestampNS:   uint64(time.Now().UnixNano()),
			Metric:        &envelope.MetricEvent{Name: "up", Value: 1},
		},
	}
}

func TestPublishToSubscriber(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(storedEvent(1, "evt-1"))

	select {
	case got := <-ch:
		if got.Seq != 1 || got.Envelope.EventID != "evt-1" {
			t.Errorf("got seq=%d id=%q, want seq=1 id=evt-1", got.Seq, got.Envelope.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(storedEvent(7, "evt-7"))

	for i, ch := range []<-chan eventstore.StoredEvent{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Seq != 7 {
				t.Errorf("subscriber %d: Seq = %d, want 7", i, got.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	// Double cancel must not panic.
	cancel()
	bus.Publish(storedEvent(1, "evt-1"))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := New()
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			bus.Publish(storedEvent(uint64(i), "evt"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}
