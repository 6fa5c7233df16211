// Package optimistic applies user intents to the targeting store before the
// server confirms them and undoes them when delivery fails.
//
// Every intent becomes a Record holding a snapshot of the single target it
// touched. The record is confirmed when the router observes authoritative
// data for the same swap and target, and rolled back when the outbound
// message is dropped by the queue, times out or is failed explicitly.
// A rollback never overwrites a target an authoritative event has written
// since the patch. Failed intents are not retried.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/queue"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/targeting"
)

var (
	// ErrUnknownRecord is returned by Fail for records that are not pending.
	ErrUnknownRecord = errors.New("optimistic: unknown record")
	// ErrConfirmTimeout is the rollback cause for records never confirmed.
	ErrConfirmTimeout = errors.New("optimistic: no confirmation received")
	// ErrAlreadyTargeting is returned when targeting from a swap that already
	// has an active outgoing target.
	ErrAlreadyTargeting = errors.New("optimistic: swap already targets another swap")
)

// Action is a user intent.
type Action string

const (
	ActionTarget   Action = "target"
	ActionRetarget Action = "retarget"
	ActionRemove   Action = "remove"
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
)

// Outbound message types per action.
const (
	TypeTargetSwap   = "target_swap"
	TypeRetargetSwap = "retarget_swap"
	TypeRemoveTarget = "remove_target"
	TypeAcceptTarget = "accept_target"
	TypeRejectTarget = "reject_target"
)

// MessageType returns the outbound message type of a.
func (a Action) MessageType() string {
	switch a {
	case ActionTarget:
		return TypeTargetSwap
	case ActionRetarget:
		return TypeRetargetSwap
	case ActionRemove:
		return TypeRemoveTarget
	case ActionAccept:
		return TypeAcceptTarget
	case ActionReject:
		return TypeRejectTarget
	}
	return ""
}

// Priority returns the queue priority of a.
func (a Action) Priority() queue.Priority {
	switch a {
	case ActionAccept, ActionReject:
		return queue.PriorityCritical
	case ActionTarget:
		return queue.PriorityHigh
	}
	return queue.PriorityNormal
}

// RecordType classifies the store mutation a record made.
type RecordType string

const (
	RecordCreate RecordType = "create"
	RecordUpdate RecordType = "update"
	RecordRemove RecordType = "remove"
)

// State is the lifecycle of a record: applied, then confirmed or rolled back.
type State string

const (
	StateApplied    State = "applied"
	StateConfirmed  State = "confirmed"
	StateRolledBack State = "rolled_back"
)

// Intent carries the arguments of an action.
//
// SwapID is the swap the user acts on: the source swap for target, retarget
// and remove, the targeted swap for accept and reject. TargetID names the
// incoming target for accept and reject. TargetSwapID is the swap to target
// for target and retarget.
type Intent struct {
	SwapID       string
	TargetID     string
	TargetSwapID string
	Message      string
	Conditions   []string
}

// Record tracks one speculative mutation.
type Record struct {
	ID           string     `json:"id"`
	Type         RecordType `json:"type"`
	Action       Action     `json:"action"`
	SwapID       string     `json:"swap_id"`
	TargetID     string     `json:"target_id,omitempty"`
	TargetSwapID string     `json:"target_swap_id,omitempty"`
	AppliedAt    time.Time  `json:"applied_at"`
	RetryCount   int        `json:"retry_count"`
	MessageID    string     `json:"message_id"`
	State        State      `json:"state"`
	Error        string     `json:"error,omitempty"`

	prevIncoming *targeting.Target
	prevOutgoing *targeting.Target
	placeholder  string
}

// RollbackError is returned by Pending.Wait when an intent was undone.
// Restored is false when authoritative data had already replaced the patch.
type RollbackError struct {
	RecordID string
	Action   Action
	SwapID   string
	TargetID string
	Restored bool
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("optimistic %s on swap %s rolled back: %v", e.Action, e.SwapID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Pending resolves when its record is confirmed or rolled back.
type Pending struct {
	RecordID  string
	MessageID string

	done chan struct{}
	err  error
}

// Wait blocks until the intent resolves or ctx is done. It returns nil on
// confirmation and a *RollbackError on rollback.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the intent resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Enqueuer accepts outbound messages with caller-assigned ids.
type Enqueuer interface {
	EnqueueMessage(m queue.Message) string
}

type Options struct {
	Hub *realtime.Hub
	// ConfirmTimeout rolls back records not confirmed in time. Zero disables it.
	ConfirmTimeout time.Duration
	// MaxFailed bounds the failed record history. Default 50.
	MaxFailed int
}

// Coordinator owns the optimistic records. It is safe for concurrent use.
type Coordinator struct {
	store  *targeting.Store
	out    Enqueuer
	opts   Options
	logger *log.Logger

	mu         sync.Mutex
	active     map[string]*Record
	byMessage  map[string]string
	pending    map[string]*Pending
	failed     []Record
	confirmed  int
	rolledBack int
}

func New(store *targeting.Store, out Enqueuer, opts Options) *Coordinator {
	if opts.MaxFailed <= 0 {
		opts.MaxFailed = 50
	}
	return &Coordinator{
		store:     store,
		out:       out,
		opts:      opts,
		logger:    log.ForService("optimistic"),
		active:    make(map[string]*Record),
		byMessage: make(map[string]string),
		pending:   make(map[string]*Pending),
	}
}

// Apply patches the store for the intent, records it and enqueues the
// outbound message. Validation failures return an error and change nothing.
func (c *Coordinator) Apply(action Action, in Intent) (*Pending, error) {
	if in.SwapID == "" {
		return nil, fmt.Errorf("%s: missing swap id", action)
	}
	rec := &Record{
		ID:        uuid.New().String(),
		Action:    action,
		SwapID:    in.SwapID,
		MessageID: uuid.New().String(),
		State:     StateApplied,
		AppliedAt: c.store.Now(),
	}

	// write performs the speculative store change once the record is
	// registered and stores what it replaced on rec.
	var write func() error
	var payload any
	switch action {
	case ActionAccept, ActionReject:
		if in.TargetID == "" {
			return nil, fmt.Errorf("%s: missing target id", action)
		}
		status := targeting.StatusAccepted
		if action == ActionReject {
			status = targeting.StatusRejected
		}
		rec.Type = RecordUpdate
		rec.TargetID = in.TargetID
		payload = decisionPayload{TargetID: in.TargetID}
		write = func() error {
			prev, err := c.store.PatchIncomingTarget(in.SwapID, in.TargetID, targeting.Patch{Status: status})
			if err != nil {
				return fmt.Errorf("%s %s: %w", action, in.TargetID, err)
			}
			c.mu.Lock()
			rec.prevIncoming = &prev
			c.mu.Unlock()
			return nil
		}

	case ActionTarget, ActionRetarget:
		if in.TargetSwapID == "" {
			return nil, fmt.Errorf("%s: missing target swap id", action)
		}
		if in.TargetSwapID == in.SwapID {
			return nil, fmt.Errorf("%s: swap %s cannot target itself", action, in.SwapID)
		}
		cur := c.store.GetOutgoingTarget(in.SwapID)
		busy := cur != nil && !cur.Status.Terminal()
		if action == ActionTarget && busy {
			return nil, fmt.Errorf("%w: %s targets %s", ErrAlreadyTargeting, in.SwapID, cur.TargetSwapID)
		}
		if action == ActionRetarget && !busy {
			return nil, fmt.Errorf("retarget %s: %w", in.SwapID, targeting.ErrTargetNotFound)
		}
		placeholder := targeting.Target{
			TargetID:     "optimistic-" + rec.ID,
			SourceSwapID: in.SwapID,
			TargetSwapID: in.TargetSwapID,
			Message:      in.Message,
			Conditions:   in.Conditions,
			Status:       targeting.StatusActive,
			CreatedAt:    rec.AppliedAt,
			Optimistic:   true,
		}
		p := targetPayload{
			SourceSwapID: in.SwapID,
			TargetSwapID: in.TargetSwapID,
			Message:      in.Message,
			Conditions:   in.Conditions,
		}
		rec.Type = RecordCreate
		if action == ActionRetarget {
			rec.Type = RecordUpdate
			p.PreviousTargetID = cur.TargetID
		}
		rec.TargetSwapID = in.TargetSwapID
		rec.placeholder = placeholder.TargetID
		payload = p
		write = func() error {
			prev := c.store.ReplaceOutgoingTarget(in.SwapID, &placeholder)
			c.mu.Lock()
			rec.prevOutgoing = prev
			c.mu.Unlock()
			return nil
		}

	case ActionRemove:
		cur := c.store.GetOutgoingTarget(in.SwapID)
		if cur == nil {
			return nil, fmt.Errorf("remove %s: %w", in.SwapID, targeting.ErrTargetNotFound)
		}
		rec.Type = RecordRemove
		rec.TargetID = cur.TargetID
		rec.TargetSwapID = cur.TargetSwapID
		payload = removePayload{SourceSwapID: in.SwapID, TargetID: cur.TargetID}
		write = func() error {
			prev := c.store.ReplaceOutgoingTarget(in.SwapID, nil)
			c.mu.Lock()
			rec.prevOutgoing = prev
			c.mu.Unlock()
			return nil
		}

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}

	// The record is visible to Observe before the store changes, so an
	// authoritative event handled during the write still confirms it.
	p := &Pending{RecordID: rec.ID, MessageID: rec.MessageID, done: make(chan struct{})}
	c.mu.Lock()
	c.active[rec.ID] = rec
	c.byMessage[rec.MessageID] = rec.ID
	c.pending[rec.ID] = p
	c.mu.Unlock()

	if err := write(); err != nil {
		c.mu.Lock()
		delete(c.active, rec.ID)
		delete(c.byMessage, rec.MessageID)
		delete(c.pending, rec.ID)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	_, stillActive := c.active[rec.ID]
	c.mu.Unlock()
	if !stillActive {
		// Confirmed while the write was in flight: put back what the write
		// replaced unless newer server data already overwrote it.
		c.rollback(rec)
	}

	c.opts.Hub.Publish(realtime.Notification{
		Kind:     realtime.KindStateChanged,
		SwapID:   rec.SwapID,
		TargetID: rec.TargetID,
	})
	c.logger.Debugf("applied %s on %s (record %s)", action, in.SwapID, rec.ID)

	c.out.EnqueueMessage(queue.Message{
		ID:       rec.MessageID,
		Type:     action.MessageType(),
		Payload:  payload,
		Priority: action.Priority(),
	})
	return p, nil
}

func (r *Record) matches(swapID, targetID, targetSwapID string) bool {
	if r.SwapID != swapID {
		return false
	}
	switch {
	case r.Action == ActionTarget || r.Action == ActionRetarget:
		return targetSwapID != "" && r.TargetSwapID == targetSwapID
	default:
		return targetID != "" && r.TargetID == targetID
	}
}

// Observe confirms every applied record matching authoritative data for
// (swapID, targetID, targetSwapID). The store already holds the
// authoritative values.
func (c *Coordinator) Observe(swapID, targetID, targetSwapID string) {
	c.mu.Lock()
	var confirmed []*Record
	var waiters []*Pending
	for id, rec := range c.active {
		if !rec.matches(swapID, targetID, targetSwapID) {
			continue
		}
		rec.State = StateConfirmed
		confirmed = append(confirmed, rec)
		delete(c.active, id)
		delete(c.byMessage, rec.MessageID)
		if p, ok := c.pending[id]; ok {
			waiters = append(waiters, p)
			delete(c.pending, id)
		}
		c.confirmed++
	}
	c.mu.Unlock()

	for _, p := range waiters {
		close(p.done)
	}
	for _, rec := range confirmed {
		c.logger.Debugf("confirmed %s on %s (record %s)", rec.Action, rec.SwapID, rec.ID)
		c.opts.Hub.Publish(realtime.Notification{
			Kind:      realtime.KindConfirmed,
			SwapID:    rec.SwapID,
			TargetID:  targetID,
			MessageID: rec.MessageID,
		})
	}
}

// Fail rolls back a pending record and resolves its Pending with a
// *RollbackError wrapping cause.
func (c *Coordinator) Fail(recordID string, cause error) error {
	c.mu.Lock()
	rec, ok := c.active[recordID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRecord, recordID)
	}
	delete(c.active, recordID)
	delete(c.byMessage, rec.MessageID)
	p := c.pending[recordID]
	delete(c.pending, recordID)
	c.mu.Unlock()

	restored := c.rollback(rec)

	rec.State = StateRolledBack
	if cause != nil {
		rec.Error = cause.Error()
	}
	c.mu.Lock()
	c.rolledBack++
	c.failed = append(c.failed, *rec)
	if len(c.failed) > c.opts.MaxFailed {
		c.failed = c.failed[len(c.failed)-c.opts.MaxFailed:]
	}
	c.mu.Unlock()

	rerr := &RollbackError{
		RecordID: rec.ID,
		Action:   rec.Action,
		SwapID:   rec.SwapID,
		TargetID: rec.TargetID,
		Restored: restored,
		Err:      cause,
	}
	if restored {
		c.logger.Warnf("rolled back %s on %s: %v", rec.Action, rec.SwapID, cause)
	} else {
		c.logger.Warnf("%s on %s failed (%v); newer server data kept", rec.Action, rec.SwapID, cause)
	}
	c.opts.Hub.Publish(realtime.Notification{
		Kind:      realtime.KindRolledBack,
		SwapID:    rec.SwapID,
		TargetID:  rec.TargetID,
		MessageID: rec.MessageID,
		Error:     rerr.Error(),
	})
	if p != nil {
		p.err = rerr
		close(p.done)
	}
	return nil
}

func (c *Coordinator) rollback(rec *Record) bool {
	switch rec.Type {
	case RecordUpdate:
		if rec.prevIncoming != nil {
			return c.store.RestoreIncomingTarget(rec.SwapID, *rec.prevIncoming)
		}
		return c.store.RestoreOutgoingTarget(rec.SwapID, rec.placeholder, rec.prevOutgoing)
	case RecordCreate:
		return c.store.RestoreOutgoingTarget(rec.SwapID, rec.placeholder, rec.prevOutgoing)
	case RecordRemove:
		return c.store.RestoreOutgoingTarget(rec.SwapID, "", rec.prevOutgoing)
	}
	return false
}

// HandleQueueFailure rolls back the record whose message the queue dropped.
// It is meant to be registered with queue.Queue.OnFailed.
func (c *Coordinator) HandleQueueFailure(m queue.Message, err error) {
	c.mu.Lock()
	id, ok := c.byMessage[m.ID]
	if ok {
		c.active[id].RetryCount = m.RetryCount
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.Fail(id, err)
}

// Expire rolls back records applied more than ConfirmTimeout before now.
// It returns the number of records rolled back.
func (c *Coordinator) Expire(now time.Time) int {
	if c.opts.ConfirmTimeout <= 0 {
		return 0
	}
	c.mu.Lock()
	var stale []string
	for id, rec := range c.active {
		if now.Sub(rec.AppliedAt) > c.opts.ConfirmTimeout {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range stale {
		if c.Fail(id, ErrConfirmTimeout) == nil {
			n++
		}
	}
	return n
}

// Run expires unconfirmed records until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	if c.opts.ConfirmTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.ConfirmTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Expire(c.store.Now())
		}
	}
}

// Records returns the applied, unresolved records ordered by AppliedAt.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.active))
	for _, rec := range c.active {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppliedAt.Equal(out[j].AppliedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AppliedAt.Before(out[j].AppliedAt)
	})
	return out
}

// Failed returns the most recent rolled back records, oldest first.
func (c *Coordinator) Failed() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.failed...)
}

// HasFailedUpdates reports whether any intent has been rolled back since the
// last ClearFailed.
func (c *Coordinator) HasFailedUpdates() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failed) > 0
}

// ClearFailed forgets the rolled back records.
func (c *Coordinator) ClearFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = nil
}

// Stats counts records by state.
type Stats struct {
	Applied    int `json:"applied"`
	Confirmed  int `json:"confirmed"`
	RolledBack int `json:"rolled_back"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Applied: len(c.active), Confirmed: c.confirmed, RolledBack: c.rolledBack}
}

type decisionPayload struct {
	TargetID string `json:"targetId"`
}

type targetPayload struct {
	SourceSwapID     string   `json:"sourceSwapId"`
	TargetSwapID     string   `json:"targetSwapId"`
	PreviousTargetID string   `json:"previousTargetId,omitempty"`
	Message          string   `json:"message,omitempty"`
	Conditions       []string `json:"conditions,omitempty"`
}

type removePayload struct {
	SourceSwapID string `json:"sourceSwapId"`
	TargetID     string `json:"targetId,omitempty"`
}
