package event

import "testing"

func TestEmitReachesSubscribersInOrder(t *testing.T) {
	b := NewBus()
	var got []string
	b.Subscribe(func(e Event) { got = append(got, "first:"+string(e.Kind)) })
	b.Subscribe(func(e Event) { got = append(got, "second:"+string(e.Kind)) })

	b.Emit(Event{Kind: PrintersChanged, Device: "a"})

	if len(got) != 2 || got[0] != "first:printersChanged" || got[1] != "second:printersChanged" {
		t.Fatalf("unexpected delivery %v", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus()
	n := 0
	unsub := b.Subscribe(func(Event) { n++ })
	b.Emit(Event{Kind: UploadProgress})
	unsub()
	unsub()
	b.Emit(Event{Kind: UploadProgress})

	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
}

func TestSubscribeDuringEmit(t *testing.T) {
	b := NewBus()
	late := 0
	b.Subscribe(func(Event) {
		b.Subscribe(func(Event) { late++ })
	})

	b.Emit(Event{Kind: ConnectionStateChanged})
	if late != 0 {
		t.Fatalf("handler added during emit must not see that emit, got %d", late)
	}
	b.Emit(Event{Kind: ConnectionStateChanged})
	if late != 1 {
		t.Fatalf("expected late subscriber to see second emit once, got %d", late)
	}
}
