package realtime

import (
	"testing"
	"time"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(4)
	id1, ch1 := h.Register()
	id2, ch2 := h.Register()
	defer h.Unregister(id1)
	defer h.Unregister(id2)

	h.Publish(Notification{Kind: KindConnected})

	for i, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			if n.Kind != KindConnected {
				t.Fatalf("listener %d: unexpected kind %q", i, n.Kind)
			}
			if n.Time.IsZero() {
				t.Fatalf("listener %d: expected time to be stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("listener %d: no notification", i)
		}
	}
}

func TestHubDropsForSlowListener(t *testing.T) {
	h := NewHub(1)
	id, ch := h.Register()
	defer h.Unregister(id)

	h.Publish(Notification{Kind: KindMessageSent, MessageID: "first"})
	h.Publish(Notification{Kind: KindMessageSent, MessageID: "second"})

	n := <-ch
	if n.MessageID != "first" {
		t.Fatalf("expected first notification to be kept, got %q", n.MessageID)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected second notification to be dropped, got %+v", extra)
	default:
	}
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	h := NewHub(0)
	id, ch := h.Register()
	if h.Size() != 1 {
		t.Fatalf("expected 1 listener, got %d", h.Size())
	}
	h.Unregister(id)
	h.Unregister(id)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	if h.Size() != 0 {
		t.Fatalf("expected 0 listeners, got %d", h.Size())
	}
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(Notification{Kind: KindError})
}
