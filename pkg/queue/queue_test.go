package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/transport"
)

// fakeSender records sends and fails on demand.
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []string
	ids       []string
	fail      func(eventType string) error
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) SendMessage(id, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.fail != nil {
		if err := f.fail(eventType); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, eventType)
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// manualClock is advanced explicitly by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newClock() *manualClock { return &manualClock{now: t0} }

func TestDrainOrdersByPriority(t *testing.T) {
	sender := &fakeSender{}
	clock := newClock()
	q := New(sender, Options{Now: clock.Now})

	for _, p := range []Priority{PriorityLow, PriorityCritical, PriorityNormal, PriorityHigh} {
		q.Enqueue(p.String(), nil, p)
		clock.Advance(time.Millisecond)
	}

	if n := q.Drain(); n != 0 {
		t.Fatalf("disconnected drain should send nothing, sent %d", n)
	}
	if q.Len() != 4 {
		t.Fatalf("expected 4 queued, got %d", q.Len())
	}

	sender.connected = true
	if n := q.Drain(); n != 4 {
		t.Fatalf("expected 4 sent, got %d", n)
	}
	got := fmt.Sprint(sender.types())
	if got != "[critical high normal low]" {
		t.Fatalf("unexpected order %s", got)
	}
	st := q.Stats()
	if st.QueueSize != 0 || st.SentMessages != 4 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestDrainKeepsFIFOWithinPriority(t *testing.T) {
	sender := &fakeSender{connected: true}
	q := New(sender, Options{Now: newClock().Now})

	for i := 0; i < 3; i++ {
		q.Enqueue(fmt.Sprintf("m%d", i), nil, PriorityNormal)
	}
	q.Drain()
	if got := fmt.Sprint(sender.types()); got != "[m0 m1 m2]" {
		t.Fatalf("expected FIFO within priority, got %s", got)
	}
}

func TestSizeCapEvictsOldestLowestFirst(t *testing.T) {
	clock := newClock()
	q := New(&fakeSender{}, Options{MaxSize: 100, Now: clock.Now})

	var evicted []Message
	q.OnFailed(func(m Message, err error) {
		if !errors.Is(err, ErrQueueOverflow) {
			t.Errorf("expected overflow error, got %v", err)
		}
		evicted = append(evicted, m)
	})

	for i := 0; i < 60; i++ {
		q.Enqueue(fmt.Sprintf("low-%d", i), nil, PriorityLow)
		clock.Advance(time.Millisecond)
	}
	for i := 0; i < 90; i++ {
		q.Enqueue(fmt.Sprintf("normal-%d", i), nil, PriorityNormal)
		clock.Advance(time.Millisecond)
	}

	if q.Len() != 100 {
		t.Fatalf("expected 100 queued, got %d", q.Len())
	}
	if len(evicted) != 50 {
		t.Fatalf("expected 50 evictions, got %d", len(evicted))
	}
	for i, m := range evicted {
		if want := fmt.Sprintf("low-%d", i); m.Type != want {
			t.Fatalf("eviction %d: expected %s, got %s", i, want, m.Type)
		}
	}
	st := q.Stats()
	if st.ByPriority["low"] != 10 || st.ByPriority["normal"] != 90 {
		t.Fatalf("unexpected priority counts %v", st.ByPriority)
	}
	if st.FailedMessages != 50 {
		t.Fatalf("expected 50 failed, got %d", st.FailedMessages)
	}
}

func TestCriticalEvictedLast(t *testing.T) {
	q := New(&fakeSender{}, Options{MaxSize: 2, Now: newClock().Now})
	q.Enqueue("c1", nil, PriorityCritical)
	q.Enqueue("c2", nil, PriorityCritical)
	q.Enqueue("low", nil, PriorityLow)

	msgs := q.Messages()
	if len(msgs) != 2 || msgs[0].Type != "c1" || msgs[1].Type != "c2" {
		t.Fatalf("expected both critical messages kept, got %+v", msgs)
	}
}

func TestRetryThenDrop(t *testing.T) {
	clock := newClock()
	hub := realtime.NewHub(16)
	_, events := hub.Register()
	sender := &fakeSender{connected: true, fail: func(string) error { return errors.New("boom") }}
	q := New(sender, Options{MaxRetries: 2, RetryBaseDelay: time.Second, Now: clock.Now, Hub: hub})

	var failedErr error
	q.OnFailed(func(_ Message, err error) { failedErr = err })

	id := q.Enqueue("accept_target", map[string]string{"targetId": "T1"}, PriorityCritical)

	q.Drain()
	m := q.Messages()[0]
	if m.RetryCount != 1 || !m.NextAttempt.Equal(t0.Add(time.Second)) {
		t.Fatalf("after first failure: %+v", m)
	}
	if q.Stats().PendingMessages != 1 {
		t.Fatalf("expected 1 pending retry, got %+v", q.Stats())
	}

	// Not due yet.
	q.Drain()
	if got := q.Messages()[0].RetryCount; got != 1 {
		t.Fatalf("drained before NextAttempt, retry count %d", got)
	}

	clock.Advance(time.Second)
	q.Drain()
	m = q.Messages()[0]
	if m.RetryCount != 2 || !m.NextAttempt.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("after second failure: %+v", m)
	}

	clock.Advance(2 * time.Second)
	q.Drain()
	if q.Len() != 0 {
		t.Fatalf("expected message dropped after max retries, %d left", q.Len())
	}
	if !errors.Is(failedErr, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", failedErr)
	}

	select {
	case n := <-events:
		if n.Kind != realtime.KindMessageFailed || n.MessageID != id {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no message_failed notification")
	}
}

func TestRetrySucceeds(t *testing.T) {
	clock := newClock()
	failures := 1
	sender := &fakeSender{connected: true, fail: func(string) error {
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		return nil
	}}
	q := New(sender, Options{Now: clock.Now})
	q.Enqueue("target_swap", nil, PriorityHigh)

	q.Drain()
	clock.Advance(time.Second)
	if n := q.Drain(); n != 1 {
		t.Fatalf("expected retry to succeed, sent %d", n)
	}
	if st := q.Stats(); st.QueueSize != 0 || st.SentMessages != 1 || st.FailedMessages != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	clock := newClock()
	q := New(&fakeSender{}, Options{MaxAge: 5 * time.Minute, Now: clock.Now})

	var reasons []error
	q.OnFailed(func(_ Message, err error) { reasons = append(reasons, err) })

	q.Enqueue("old", nil, PriorityCritical)
	clock.Advance(4 * time.Minute)
	q.Enqueue("young", nil, PriorityLow)
	clock.Advance(2 * time.Minute)

	if n := q.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	msgs := q.Messages()
	if len(msgs) != 1 || msgs[0].Type != "young" {
		t.Fatalf("unexpected remaining %+v", msgs)
	}
	if len(reasons) != 1 || !errors.Is(reasons[0], ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", reasons)
	}
}

func TestClearReportsMessages(t *testing.T) {
	q := New(&fakeSender{}, Options{Now: newClock().Now})
	q.Enqueue("a", nil, PriorityNormal)
	q.Enqueue("b", nil, PriorityNormal)

	var cleared int
	q.OnFailed(func(_ Message, err error) {
		if errors.Is(err, ErrCleared) {
			cleared++
		}
	})
	if n := q.Clear(); n != 2 || cleared != 2 || q.Len() != 0 {
		t.Fatalf("clear: n=%d cleared=%d len=%d", n, cleared, q.Len())
	}
}

func TestSendBudget(t *testing.T) {
	sender := &fakeSender{connected: true}
	q := New(sender, Options{SendRate: 0.001, SendBurst: 2, Now: newClock().Now})
	for i := 0; i < 5; i++ {
		q.Enqueue("m", nil, PriorityNormal)
	}
	if n := q.Drain(); n != 2 {
		t.Fatalf("expected burst of 2, sent %d", n)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 waiting, got %d", q.Len())
	}
}

func TestRunDrainsOnNotify(t *testing.T) {
	sender := &fakeSender{connected: true}
	q := New(sender, Options{DrainInterval: time.Hour, SweepInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue("target_swap", nil, PriorityHigh)

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("run loop did not drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("CRITICAL")
	if err != nil || p != PriorityCritical {
		t.Fatalf("got %v %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatal("expected error")
	}
}
