// Package queue buffers outbound realtime messages and delivers them in
// priority order once the transport is connected.
//
// Messages wait in memory until a Drain finds the sender connected. Failed
// sends are retried with a linear delay (RetryBaseDelay * RetryCount) and
// dropped once RetryCount exceeds MaxRetries. A periodic Sweep drops messages
// older than MaxAge. The queue never holds more than MaxSize messages: the
// oldest message of the lowest priority present is evicted first, so
// critical messages go last.
//
// Every message that leaves the queue without being sent is reported to the
// OnFailed callbacks and published on the hub as message_failed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/transport"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueOverflow is reported for messages evicted by the size cap.
	ErrQueueOverflow = errors.New("queue: evicted by size limit")
	// ErrMaxRetries is reported for messages that failed too many times.
	ErrMaxRetries = errors.New("queue: max retries exceeded")
	// ErrExpired is reported for messages older than MaxAge.
	ErrExpired = errors.New("queue: message expired")
	// ErrCleared is reported for messages discarded by Clear.
	ErrCleared = errors.New("queue: cleared")
)

// Priority orders delivery. Higher values are sent first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Message is a queued outbound frame.
type Message struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Payload     any       `json:"payload"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	RetryCount  int       `json:"retry_count"`
	Priority    Priority  `json:"priority"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Sender delivers frames. *transport.Transport satisfies it.
type Sender interface {
	IsConnected() bool
	SendMessage(messageID, eventType string, payload any) error
}

// Options configures a Queue. Zero values take the defaults noted.
type Options struct {
	MaxSize        int           // default 100
	MaxRetries     int           // default 3
	RetryBaseDelay time.Duration // default 1s
	MaxAge         time.Duration // default 5m
	SweepInterval  time.Duration // default 30s
	DrainInterval  time.Duration // default 1s
	// SendRate limits sends per second across drains. Zero disables the limit.
	SendRate  float64
	SendBurst int

	Now func() time.Time
	Hub *realtime.Hub
}

func (o *Options) setDefaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = time.Second
	}
	if o.SendRate > 0 && o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats summarizes the queue.
type Stats struct {
	QueueSize       int            `json:"queue_size"`
	PendingMessages int            `json:"pending_messages"`
	FailedMessages  int            `json:"failed_messages"`
	SentMessages    int            `json:"sent_messages"`
	ByPriority      map[string]int `json:"by_priority"`
}

// FailureFunc is called for every message that leaves the queue unsent.
type FailureFunc func(Message, error)

// Queue is a bounded, priority-ordered outbound buffer. It is safe for
// concurrent use.
type Queue struct {
	opts    Options
	sender  Sender
	limiter *rate.Limiter
	logger  *log.Logger
	notify  chan struct{}

	drainMu sync.Mutex

	mu       sync.Mutex
	msgs     []*Message
	sent     int
	failed   int
	onFailed []FailureFunc
}

func New(sender Sender, opts Options) *Queue {
	opts.setDefaults()
	q := &Queue{
		opts:   opts,
		sender: sender,
		logger: log.ForService("queue"),
		notify: make(chan struct{}, 1),
	}
	if opts.SendRate > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst)
	}
	return q
}

// OnFailed registers fn for messages dropped without being sent.
func (q *Queue) OnFailed(fn FailureFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = append(q.onFailed, fn)
}

// Enqueue adds a message and returns its id.
func (q *Queue) Enqueue(eventType string, payload any, priority Priority) string {
	return q.EnqueueMessage(Message{Type: eventType, Payload: payload, Priority: priority})
}

// EnqueueMessage adds m, assigning an id and enqueue time when unset, and
// returns the id. Callers that need to correlate failures with their own
// records before the message can be evicted set the id themselves.
func (q *Queue) EnqueueMessage(m Message) string {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	q.mu.Lock()
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.opts.Now()
	}
	m.RetryCount = 0
	m.NextAttempt = time.Time{}
	q.msgs = append(q.msgs, &m)
	dropped := q.enforceCapLocked()
	q.mu.Unlock()

	q.logger.Debugf("enqueued %s %s (%s)", m.Type, m.ID, m.Priority)
	q.report(dropped)
	q.Notify()
	return m.ID
}

// Notify asks the Run loop to drain soon. It never blocks.
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type failure struct {
	msg Message
	err error
}

// enforceCapLocked evicts messages until the queue fits MaxSize.
func (q *Queue) enforceCapLocked() []failure {
	var dropped []failure
	for len(q.msgs) > q.opts.MaxSize {
		victim := 0
		for i, m := range q.msgs {
			v := q.msgs[victim]
			if m.Priority < v.Priority || (m.Priority == v.Priority && m.EnqueuedAt.Before(v.EnqueuedAt)) {
				victim = i
			}
		}
		m := q.msgs[victim]
		q.msgs = append(q.msgs[:victim], q.msgs[victim+1:]...)
		dropped = append(dropped, failure{*m, ErrQueueOverflow})
	}
	return dropped
}

func (q *Queue) report(dropped []failure) {
	if len(dropped) == 0 {
		return
	}
	q.mu.Lock()
	q.failed += len(dropped)
	callbacks := append([]FailureFunc(nil), q.onFailed...)
	q.mu.Unlock()

	for _, f := range dropped {
		q.logger.Warnf("dropping %s %s: %v", f.msg.Type, f.msg.ID, f.err)
		q.opts.Hub.Publish(realtime.Notification{
			Kind:      realtime.KindMessageFailed,
			EventType: f.msg.Type,
			MessageID: f.msg.ID,
			Attempt:   f.msg.RetryCount,
			Error:     f.err.Error(),
		})
		for _, fn := range callbacks {
			fn(f.msg, f.err)
		}
	}
}

// orderedLocked returns the messages sorted by priority (highest first) then age.
func (q *Queue) orderedLocked() []*Message {
	out := append([]*Message(nil), q.msgs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func (q *Queue) removeLocked(id string) (*Message, bool) {
	for i, m := range q.msgs {
		if m.ID == id {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

// Drain sends every due message while the sender stays connected and the
// rate budget allows. It returns the number of messages sent.
func (q *Queue) Drain() int {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	if q.sender == nil || !q.sender.IsConnected() {
		return 0
	}

	q.mu.Lock()
	now := q.opts.Now()
	var due []Message
	for _, m := range q.orderedLocked() {
		if m.NextAttempt.After(now) {
			continue
		}
		due = append(due, *m)
	}
	q.mu.Unlock()

	sent := 0
	for _, m := range due {
		if q.limiter != nil && !q.limiter.Allow() {
			q.logger.Debugf("send budget exhausted, %d message(s) wait for the next drain", len(due)-sent)
			break
		}
		err := q.sender.SendMessage(m.ID, m.Type, m.Payload)
		if errors.Is(err, transport.ErrNotConnected) {
			break
		}
		if err == nil {
			q.mu.Lock()
			_, ok := q.removeLocked(m.ID)
			if ok {
				q.sent++
			}
			q.mu.Unlock()
			if ok {
				sent++
				q.opts.Hub.Publish(realtime.Notification{
					Kind:      realtime.KindMessageSent,
					EventType: m.Type,
					MessageID: m.ID,
				})
			}
			continue
		}
		q.retry(m.ID, err)
	}
	return sent
}

func (q *Queue) retry(id string, cause error) {
	q.mu.Lock()
	var dropped []failure
	for _, m := range q.msgs {
		if m.ID != id {
			continue
		}
		m.RetryCount++
		m.LastError = cause.Error()
		if m.RetryCount > q.opts.MaxRetries {
			q.removeLocked(id)
			dropped = append(dropped, failure{*m, fmt.Errorf("%w: %v", ErrMaxRetries, cause)})
			break
		}
		m.NextAttempt = q.opts.Now().Add(q.opts.RetryBaseDelay * time.Duration(m.RetryCount))
		q.logger.Warnf("send %s %s failed (attempt %d/%d): %v", m.Type, m.ID, m.RetryCount, q.opts.MaxRetries, cause)
		break
	}
	q.mu.Unlock()
	q.report(dropped)
}

// Sweep drops expired messages and enforces the size cap. It returns the
// number of messages removed.
func (q *Queue) Sweep() int {
	q.mu.Lock()
	now := q.opts.Now()
	var dropped []failure
	kept := q.msgs[:0]
	for _, m := range q.msgs {
		if now.Sub(m.EnqueuedAt) > q.opts.MaxAge {
			dropped = append(dropped, failure{*m, ErrExpired})
			continue
		}
		kept = append(kept, m)
	}
	clear(q.msgs[len(kept):])
	q.msgs = kept
	dropped = append(dropped, q.enforceCapLocked()...)
	q.mu.Unlock()

	q.report(dropped)
	return len(dropped)
}

// Clear discards every queued message, reporting each as ErrCleared.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := make([]failure, 0, len(q.msgs))
	for _, m := range q.msgs {
		dropped = append(dropped, failure{*m, ErrCleared})
	}
	q.msgs = nil
	q.mu.Unlock()

	q.report(dropped)
	return len(dropped)
}

// Messages returns a copy of the queue in delivery order.
func (q *Queue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	ordered := q.orderedLocked()
	out := make([]Message, len(ordered))
	for i, m := range ordered {
		out[i] = *m
	}
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		QueueSize:      len(q.msgs),
		FailedMessages: q.failed,
		SentMessages:   q.sent,
		ByPriority:     make(map[string]int),
	}
	for _, m := range q.msgs {
		if m.RetryCount > 0 {
			s.PendingMessages++
		}
		s.ByPriority[m.Priority.String()]++
	}
	return s
}

// Run drains on Notify and every DrainInterval, and sweeps every
// SweepInterval, until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	drain := time.NewTicker(q.opts.DrainInterval)
	defer drain.Stop()
	sweep := time.NewTicker(q.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
			q.Drain()
		case <-drain.C:
			q.Drain()
		case <-sweep.C:
			if n := q.Sweep(); n > 0 {
				q.logger.Infof("sweep removed %d message(s)", n)
			}
		}
	}
}
