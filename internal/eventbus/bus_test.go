package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := New()
	ch1, unsub1 := bus.Subscribe(4)
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: TypeDispatchProgress, Data: DispatchProgress{Name: "Ana"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeDispatchProgress {
				t.Fatalf("subscriber %d got %s", i, ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatalf("subscriber %d: publish must stamp the event time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeLogEntry})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered %d events, want 1", len(ch))
	}
}

func TestPublishDropsUndeclaredTypes(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Publish(Event{Type: "bogus.type"})
	bus.Publish(Event{Type: TypeSessionReady})

	select {
	case ev := <-ch:
		if ev.Type != TypeSessionReady {
			t.Fatalf("got %s, want the declared type only", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("declared event never delivered")
	}
	if len(ch) != 0 {
		t.Fatalf("undeclared event was delivered, %d left in buffer", len(ch))
	}
}

func TestUnsubscribeIsIdempotentAndSafe(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	unsub()
	unsub()
	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(Event{Type: TypeSessionReady})
}
