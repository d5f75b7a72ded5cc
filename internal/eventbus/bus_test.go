package eventbus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeCycleStarted, Data: "scheduled"})
	e := <-ch
	if e.Type != TypeCycleStarted {
		t.Fatalf("event type = %q, want %q", e.Type, TypeCycleStarted)
	}
	if e.Time.IsZero() {
		t.Fatal("publish must stamp a time")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeCycleStarted})
	b.Publish(Event{Type: TypeCycleFinished}) // dropped, buffer full

	<-ch
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: TypeCycleStarted})
}

func TestNopSubscribeTerminates(t *testing.T) {
	t.Parallel()
	ch, unsub := Nop().Subscribe(4)
	defer unsub()

	// Ranging over the nop bus must terminate, not block.
	for range ch {
		t.Fatal("nop bus must deliver nothing")
	}
}
