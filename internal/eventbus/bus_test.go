package eventbus

import "testing"

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	fired, unsubFired := b.Subscribe(4, TypeJobFired)
	defer unsubFired()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TypeBatchDone})
	b.Publish(Event{Type: TypeJobFired, Data: "x"})

	if got := len(fired); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	if e := <-fired; e.Data != "x" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TypeJobFired})
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffer to hold exactly one event, got %d", len(ch))
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TypeJobFired})
}
