package bus

import (
	"testing"
	"time"

	"hubd/registry"
)

func TestSubscribeDeliversConnectionEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe("welcome")
	defer sub.Close()

	select {
	case evt := <-sub.Events():
		if evt.Type != registry.EventConnection {
			t.Fatalf("expected connection event, got %s", evt.Type)
		}
		if evt.Greeting != "welcome" {
			t.Fatalf("expected greeting %q, got %q", "welcome", evt.Greeting)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection event")
	}
}

func TestPublishOrderingPerSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer sub.Close()
	<-sub.Events() // drain the connection event

	for i := 0; i < 10; i++ {
		b.Publish(registry.Event{Type: registry.EventStatusChange, ServiceID: "x"})
	}

	var last uint64
	for i := 0; i < 10; i++ {
		select {
		case evt := <-sub.Events():
			if evt.Seq <= last {
				t.Fatalf("expected strictly increasing sequence numbers, got %d after %d", evt.Seq, last)
			}
			last = evt.Seq
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberIsolation(t *testing.T) {
	b := New()
	slow := b.Subscribe("")
	fast := b.Subscribe("")
	defer slow.Close()
	defer fast.Close()

	<-slow.Events()
	<-fast.Events()

	// Flood well past the buffer size without ever draining `slow`.
	for i := 0; i < DefaultBufferSize*2; i++ {
		b.Publish(registry.Event{Type: registry.EventStatusChange, ServiceID: "x"})
	}

	if !slow.Slow() {
		t.Fatalf("expected the never-reading subscriber to be marked slow")
	}

	// fast must still have received events promptly, unaffected by slow.
	delivered := 0
	for {
		select {
		case <-fast.Events():
			delivered++
		default:
			goto done
		}
	}
done:
	if delivered == 0 {
		t.Fatalf("expected the fast subscriber to receive events despite the slow one")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	<-sub.Events()
	sub.Close()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after Close, got %d", b.SubscriberCount())
	}

	// Publishing after close must not panic or block.
	b.Publish(registry.Event{Type: registry.EventStatusChange})
}

func TestCloseAllClosesChannelsWithoutGoodbyeEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	<-sub.Events()

	b.CloseAll()

	evt, ok := <-sub.Events()
	if ok {
		t.Fatalf("expected channel to be closed with no further event, got %+v", evt)
	}
}
