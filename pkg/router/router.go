// Package router turns inbound realtime frames into targeting store updates.
//
// The Router registers on a transport for every targeting event type,
// decodes and validates each frame, applies it to the store and then tells
// the optimistic coordinator which targets just received authoritative data.
// Malformed events are logged and dropped; they never stop the stream.
//
// The router also owns the sync protocol: Subscribe joins the per-swap
// channels and requests a full snapshot, and Run re-requests every
// subscribed swap periodically so missed events are eventually corrected.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/queue"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/targeting"
	"github.com/rubiojr/swapsync/pkg/transport"
)

const latencyWindow = 100

// Channel name helpers.
func SwapChannel(swapID string) string { return "swap_targeting:" + swapID }

// UserChannels returns the per-user channels joined by SubscribeUser.
func UserChannels(userID string) []string {
	return []string{
		"user_targeting:" + userID,
		"user_notifications:" + userID,
		"user_priority:" + userID,
		"user_activity:" + userID,
	}
}

// Source is the inbound side of a transport.
type Source interface {
	On(eventType string, fn transport.Handler) transport.HandlerID
	Off(id transport.HandlerID)
	Join(channels ...string)
	Leave(channels ...string)
}

// Enqueuer accepts outbound messages.
type Enqueuer interface {
	Enqueue(eventType string, payload any, priority queue.Priority) string
}

// Observer is told about targets that just received authoritative data.
type Observer interface {
	Observe(swapID, targetID, targetSwapID string)
}

type Options struct {
	Hub          *realtime.Hub
	Observer     Observer
	SyncInterval time.Duration // default 5m
	Now          func() time.Time
}

// Metrics describes the inbound stream.
type Metrics struct {
	MessageCount    int64            `json:"message_count"`
	ErrorCount      int64            `json:"error_count"`
	DroppedCount    int64            `json:"dropped_count"`
	LastMessageTime time.Time        `json:"last_message_time,omitzero"`
	LastHeartbeat   time.Time        `json:"last_heartbeat,omitzero"`
	LastLatency     time.Duration    `json:"last_latency"`
	AverageLatency  time.Duration    `json:"average_latency"`
	LatencySamples  int              `json:"latency_samples"`
	EventCounts     map[string]int64 `json:"event_counts"`
}

type Router struct {
	store  *targeting.Store
	source Source
	out    Enqueuer
	opts   Options
	logger *log.Logger

	mu         sync.Mutex
	handlerIDs []transport.HandlerID
	subscribed map[string]struct{}
	userID     string
	metrics    Metrics
	latencies  []time.Duration
	latencyPos int
}

func New(store *targeting.Store, source Source, out Enqueuer, opts Options) *Router {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		store:      store,
		source:     source,
		out:        out,
		opts:       opts,
		logger:     log.ForService("router"),
		subscribed: make(map[string]struct{}),
		metrics:    Metrics{EventCounts: make(map[string]int64)},
	}
}

// Attach registers the router's handlers on its source.
func (r *Router) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handlerIDs) > 0 {
		return
	}
	for _, typ := range EventTypes {
		r.handlerIDs = append(r.handlerIDs, r.source.On(typ, r.HandleEnvelope))
	}
}

// Detach removes the handlers registered by Attach.
func (r *Router) Detach() {
	r.mu.Lock()
	ids := r.handlerIDs
	r.handlerIDs = nil
	r.mu.Unlock()
	for _, id := range ids {
		r.source.Off(id)
	}
}

// HandleEnvelope processes one inbound frame. Errors are recorded in the
// metrics and logged; they are returned for callers that want them.
func (r *Router) HandleEnvelope(env transport.Envelope) {
	_ = r.handle(env, true)
}

func (r *Router) handle(env transport.Envelope, top bool) error {
	now := r.opts.Now()
	if top {
		r.recordMessage(env, now)
	}

	ev, err := Decode(env)
	if err != nil {
		r.mu.Lock()
		r.metrics.ErrorCount++
		r.metrics.DroppedCount++
		r.mu.Unlock()
		r.logger.Warnf("dropping event: %v", err)
		return err
	}

	if err := r.apply(ev, now); err != nil {
		r.mu.Lock()
		r.metrics.DroppedCount++
		r.mu.Unlock()
		r.logger.Warnf("%s not applied: %v", env.Type, err)
		return err
	}
	return nil
}

func (r *Router) recordMessage(env transport.Envelope, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.MessageCount++
	r.metrics.LastMessageTime = now
	r.metrics.EventCounts[env.Type]++
	if env.Metadata == nil || env.Metadata.Timestamp.IsZero() {
		return
	}
	latency := now.Sub(env.Metadata.Timestamp.Time)
	if latency < 0 {
		latency = 0
	}
	r.metrics.LastLatency = latency
	if len(r.latencies) < latencyWindow {
		r.latencies = append(r.latencies, latency)
	} else {
		r.latencies[r.latencyPos] = latency
		r.latencyPos = (r.latencyPos + 1) % latencyWindow
	}
	var sum time.Duration
	for _, l := range r.latencies {
		sum += l
	}
	r.metrics.AverageLatency = sum / time.Duration(len(r.latencies))
	r.metrics.LatencySamples = len(r.latencies)
}

func (r *Router) apply(ev Event, now time.Time) error {
	switch e := ev.(type) {
	case TargetingCreated:
		return r.applyTarget(e.EventType(), e.Target, now)
	case TargetingUpdated:
		return r.applyTarget(e.EventType(), e.Target, now)
	case TargetingRemoved:
		var affected []string
		for _, swapID := range r.store.SwapIDs() {
			in := r.store.RemoveIncomingTarget(swapID, e.TargetID)
			out := r.store.RemoveOutgoingTarget(swapID, e.TargetID)
			if in || out {
				affected = append(affected, swapID)
				r.appendHistory(swapID, e.EventType(), e.TargetID, "", now)
			}
		}
		for _, swapID := range affected {
			r.changed(swapID, e.TargetID, e.EventType())
		}
		// A locally removed outgoing target is already gone from the store,
		// so the source swap named by the event is observed as well.
		for _, swapID := range dedupe(append(affected, e.SourceSwapID, e.TargetSwapID)) {
			r.observe(swapID, e.TargetID, e.TargetSwapID)
		}
		return nil
	case StatusChanged:
		swaps, err := r.store.UpdateTargetStatus(e.TargetID, e.Status)
		if errors.Is(err, targeting.ErrTargetNotFound) {
			r.logger.Debugf("status change for unknown target %s", e.TargetID)
			return nil
		}
		if err != nil {
			return err
		}
		for _, swapID := range swaps {
			r.appendHistory(swapID, e.EventType(), e.TargetID, e.Status, now)
			r.observe(swapID, e.TargetID, "")
			r.changed(swapID, e.TargetID, e.EventType())
		}
		return nil
	case HistoryUpdated:
		r.store.AppendEvent(e.Entry.SwapID, e.Entry)
		r.changed(e.Entry.SwapID, e.Entry.TargetID, e.EventType())
		return nil
	case AuctionUpdate:
		r.store.UpdateAuctionInfo(e.Info.SwapID, e.Info)
		r.changed(e.Info.SwapID, "", e.EventType())
		return nil
	case ProposalUpdate:
		if !r.store.RecordProposal(e.TargetSwapID, e.ProposalCount) {
			r.logger.Debugf("proposal for %s without auction info", e.TargetSwapID)
		}
		r.store.AppendEvent(e.TargetSwapID, targeting.Event{
			ID:        e.ProposalID,
			Type:      e.EventType(),
			SwapID:    e.TargetSwapID,
			Timestamp: now,
			Data:      map[string]any{"proposalId": e.ProposalID, "proposalCount": e.ProposalCount},
		})
		r.changed(e.TargetSwapID, "", e.EventType())
		return nil
	case BatchUpdate:
		var errs []error
		for _, sub := range e.Updates {
			if sub.Type == TypeBatchUpdate {
				errs = append(errs, &ValidationError{EventType: TypeBatchUpdate, Field: "batchUpdates", Err: errors.New("nested batch")})
				continue
			}
			if err := r.handle(sub, false); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			r.logger.Warnf("batch applied with %d failed update(s)", len(errs))
		}
		return nil
	case SyncResponse:
		if err := r.store.Merge(e.Snapshot); err != nil {
			r.logger.Warnf("sync %s merged with conflicts: %v", e.Snapshot.SwapID, err)
		}
		// Only targets the server sent are authoritative. Optimistic entries
		// the merge kept must not confirm themselves.
		swapID := e.Snapshot.SwapID
		for _, t := range e.Snapshot.IncomingTargets {
			targetSwapID := t.TargetSwapID
			if targetSwapID == "" {
				targetSwapID = swapID
			}
			r.observe(swapID, t.TargetID, targetSwapID)
		}
		if out := e.Snapshot.OutgoingTarget; out != nil {
			r.observe(swapID, out.TargetID, out.TargetSwapID)
		}
		r.changed(e.Snapshot.SwapID, "", e.EventType())
		return nil
	case Heartbeat:
		r.mu.Lock()
		r.metrics.LastHeartbeat = now
		r.mu.Unlock()
		return nil
	}
	return nil
}

// applyTarget writes t to the incoming list of the targeted swap and the
// outgoing slot of the source swap.
func (r *Router) applyTarget(eventType string, t targeting.Target, now time.Time) error {
	t.Optimistic = false
	var errs []error
	if t.TargetSwapID != "" {
		if err := r.store.UpsertIncomingTarget(t.TargetSwapID, t); err != nil {
			errs = append(errs, err)
		} else {
			if eventType == TypeTargetingCreated {
				r.appendHistory(t.TargetSwapID, eventType, t.TargetID, t.Status, now)
			}
			r.observe(t.TargetSwapID, t.TargetID, t.TargetSwapID)
			r.changed(t.TargetSwapID, t.TargetID, eventType)
		}
	}
	if t.SourceSwapID != "" {
		if err := r.store.SetOutgoingTarget(t.SourceSwapID, t); err != nil {
			errs = append(errs, err)
		} else {
			r.observe(t.SourceSwapID, t.TargetID, t.TargetSwapID)
			r.changed(t.SourceSwapID, t.TargetID, eventType)
		}
	}
	if t.TargetSwapID == "" && t.SourceSwapID == "" {
		// Updates may omit both swap ids; reuse the ones already stored.
		known, _, ok := r.store.FindTarget(t.TargetID)
		if !ok || (known.SourceSwapID == "" && known.TargetSwapID == "") {
			return targeting.ErrTargetNotFound
		}
		t.SourceSwapID, t.TargetSwapID = known.SourceSwapID, known.TargetSwapID
		return r.applyTarget(eventType, t, now)
	}
	return errors.Join(errs...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (r *Router) appendHistory(swapID, eventType, targetID string, status targeting.Status, now time.Time) {
	r.store.AppendEvent(swapID, targeting.Event{
		Type:      eventType,
		SwapID:    swapID,
		TargetID:  targetID,
		Status:    status,
		Timestamp: now,
	})
}

func (r *Router) observe(swapID, targetID, targetSwapID string) {
	if r.opts.Observer != nil {
		r.opts.Observer.Observe(swapID, targetID, targetSwapID)
	}
}

func (r *Router) changed(swapID, targetID, eventType string) {
	r.opts.Hub.Publish(realtime.Notification{
		Kind:      realtime.KindStateChanged,
		SwapID:    swapID,
		TargetID:  targetID,
		EventType: eventType,
	})
}

// Subscribe joins the targeting channel of each swap and requests a snapshot.
func (r *Router) Subscribe(swapIDs ...string) {
	r.mu.Lock()
	var fresh []string
	for _, id := range swapIDs {
		if id == "" {
			continue
		}
		if _, ok := r.subscribed[id]; !ok {
			r.subscribed[id] = struct{}{}
			fresh = append(fresh, id)
		}
	}
	r.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	channels := make([]string, len(fresh))
	for i, id := range fresh {
		channels[i] = SwapChannel(id)
	}
	r.source.Join(channels...)
	r.requestSync(fresh)
	r.logger.Infof("subscribed to %d swap(s)", len(fresh))
}

// Unsubscribe leaves the targeting channel of each swap. Store state is kept.
func (r *Router) Unsubscribe(swapIDs ...string) {
	r.mu.Lock()
	var channels []string
	for _, id := range swapIDs {
		if _, ok := r.subscribed[id]; ok {
			delete(r.subscribed, id)
			channels = append(channels, SwapChannel(id))
		}
	}
	r.mu.Unlock()
	if len(channels) > 0 {
		r.source.Leave(channels...)
	}
}

// SubscribeUser joins the per-user channels of userID.
func (r *Router) SubscribeUser(userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	prev := r.userID
	r.userID = userID
	r.mu.Unlock()
	if prev == userID {
		return
	}
	if prev != "" {
		r.source.Leave(UserChannels(prev)...)
	}
	r.source.Join(UserChannels(userID)...)
}

// Subscriptions returns the subscribed swap ids, sorted.
func (r *Router) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subscribed))
	for id := range r.subscribed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resync requests a fresh snapshot of every subscribed swap.
func (r *Router) Resync() {
	r.requestSync(r.Subscriptions())
}

func (r *Router) requestSync(swapIDs []string) {
	for _, id := range swapIDs {
		r.out.Enqueue(TypeSyncRequest, map[string]string{"swapId": id}, queue.PriorityNormal)
	}
}

// Metrics returns a copy of the stream metrics.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.EventCounts = make(map[string]int64, len(r.metrics.EventCounts))
	for k, v := range r.metrics.EventCounts {
		m.EventCounts[k] = v
	}
	return m
}

// Run resyncs every SyncInterval until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Debugf("periodic sync")
			r.Resync()
		}
	}
}
