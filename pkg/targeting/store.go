// Package targeting holds the normalized, per-swap targeting state.
//
// The Store is the single owner of that state. The event router writes
// authoritative server data into it and the optimistic coordinator writes
// speculative patches; everything else reads copies through the selectors.
// Reads never block on, or trigger, network activity.
package targeting

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rubiojr/swapsync/pkg/log"
)

const (
	// DefaultMaxEvents bounds the per-swap event log.
	DefaultMaxEvents = 50
	// DefaultEndingThreshold marks an auction as ending.
	DefaultEndingThreshold = 15 * time.Minute
)

var logger = log.ForService("targeting")

type Options struct {
	// Now is the store clock. Defaults to time.Now.
	Now             func() time.Time
	EndingThreshold time.Duration
	MaxEvents       int
}

// Store is the in-memory targeting state keyed by swap id. It is safe for
// concurrent use; each operation is atomic.
type Store struct {
	mu              sync.RWMutex
	swaps           map[string]*SwapTargeting
	unread          int
	now             func() time.Time
	endingThreshold time.Duration
	maxEvents       int
}

func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EndingThreshold <= 0 {
		opts.EndingThreshold = DefaultEndingThreshold
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	return &Store{
		swaps:           make(map[string]*SwapTargeting),
		now:             opts.Now,
		endingThreshold: opts.EndingThreshold,
		maxEvents:       opts.MaxEvents,
	}
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) ensure(swapID string) *SwapTargeting {
	st, ok := s.swaps[swapID]
	if !ok {
		st = &SwapTargeting{SwapID: swapID}
		s.swaps[swapID] = st
	}
	return st
}

func (s *Store) touch(st *SwapTargeting) time.Time {
	now := s.now()
	st.LastUpdated = now
	return now
}

func checkTransition(current Target, next Status) error {
	if next == "" || next == current.Status {
		return nil
	}
	if current.Status.Terminal() && !current.Optimistic {
		return fmt.Errorf("%w: %s is %s, refusing %s", ErrTerminalStatus, current.TargetID, current.Status, next)
	}
	return nil
}

func validate(t Target) error {
	if t.TargetID == "" {
		return fmt.Errorf("%w: missing target id", ErrInvalidTarget)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTarget, t.Status)
	}
	return nil
}

// merge copies the set fields of in over t.
func merge(t *Target, in Target, now time.Time) {
	if in.SourceSwapID != "" {
		t.SourceSwapID = in.SourceSwapID
	}
	if in.TargetSwapID != "" {
		t.TargetSwapID = in.TargetSwapID
	}
	if in.SourceSwapTitle != "" {
		t.SourceSwapTitle = in.SourceSwapTitle
	}
	if in.TargetSwapTitle != "" {
		t.TargetSwapTitle = in.TargetSwapTitle
	}
	if in.OwnerName != "" {
		t.OwnerName = in.OwnerName
	}
	if in.Message != "" {
		t.Message = in.Message
	}
	if in.Conditions != nil {
		t.Conditions = slices.Clone(in.Conditions)
	}
	if in.Status != "" {
		t.Status = in.Status
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = in.CreatedAt
	}
	t.Optimistic = in.Optimistic
	t.UpdatedAt = now
}

// UpsertIncomingTarget inserts t into the incoming list of swapID or merges it
// into the existing entry with the same TargetID. New entries bump the unread
// counter. Moving a terminal target to a different status fails with
// ErrTerminalStatus and leaves the store unchanged.
func (s *Store) UpsertIncomingTarget(swapID string, t Target) error {
	if err := validate(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(swapID)
	if i := st.incomingIndex(t.TargetID); i >= 0 {
		if err := checkTransition(st.IncomingTargets[i], t.Status); err != nil {
			logger.Warnf("swap %s: %v", swapID, err)
			return err
		}
		now := s.touch(st)
		merge(&st.IncomingTargets[i], t, now)
		return nil
	}

	t = t.clone()
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	st.IncomingTargets = append(st.IncomingTargets, t)
	s.unread++
	s.touch(st)
	return nil
}

// RemoveIncomingTarget removes the incoming target and reports whether it existed.
func (s *Store) RemoveIncomingTarget(swapID, targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.swaps[swapID]
	if !ok {
		return false
	}
	i := st.incomingIndex(targetID)
	if i < 0 {
		return false
	}
	st.IncomingTargets = slices.Delete(st.IncomingTargets, i, i+1)
	s.touch(st)
	return true
}

// SetOutgoingTarget replaces the single outgoing target of swapID. When t has
// the same id as the current outgoing target it is merged into it and the
// terminal rule applies.
func (s *Store) SetOutgoingTarget(swapID string, t Target) error {
	if err := validate(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(swapID)
	if cur := st.OutgoingTarget; cur != nil && cur.TargetID == t.TargetID {
		if err := checkTransition(*cur, t.Status); err != nil {
			logger.Warnf("swap %s: %v", swapID, err)
			return err
		}
		now := s.touch(st)
		merge(cur, t, now)
		return nil
	}

	t = t.clone()
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	st.OutgoingTarget = &t
	s.touch(st)
	return nil
}

// RemoveOutgoingTarget clears the outgoing target of swapID if its id is
// targetID. An empty targetID clears whatever target is set.
func (s *Store) RemoveOutgoingTarget(swapID, targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.swaps[swapID]
	if !ok || st.OutgoingTarget == nil {
		return false
	}
	if targetID != "" && st.OutgoingTarget.TargetID != targetID {
		return false
	}
	st.OutgoingTarget = nil
	s.touch(st)
	return true
}

// UpdateAuctionInfo replaces the auction metadata of swapID wholesale.
func (s *Store) UpdateAuctionInfo(swapID string, info AuctionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(swapID)
	info.SwapID = swapID
	info.TimeRemaining = 0
	info.IsEnding = false
	if info.CurrentProposalCount < 0 {
		info.CurrentProposalCount = 0
	}
	st.AuctionInfo = &info
	s.touch(st)
}

// RecordProposal updates the proposal count of the auction running on swapID.
// A positive count replaces the stored value, otherwise it is incremented.
// It reports false when the swap runs no auction.
func (s *Store) RecordProposal(swapID string, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.swaps[swapID]
	if !ok || st.AuctionInfo == nil {
		return false
	}
	if count > 0 {
		st.AuctionInfo.CurrentProposalCount = count
	} else {
		st.AuctionInfo.CurrentProposalCount++
	}
	s.touch(st)
	return true
}

// AppendEvent prepends ev to the event log of swapID, keeping at most
// MaxEvents entries.
func (s *Store) AppendEvent(swapID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(swapID)
	now := s.touch(st)
	ev.SwapID = swapID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	st.Events = slices.Insert(st.Events, 0, ev)
	if len(st.Events) > s.maxEvents {
		st.Events = st.Events[:s.maxEvents]
	}
}

// UpdateTargetStatus sets the status of every stored occurrence of targetID
// (incoming on the targeted swap, outgoing on the source swap) and clears the
// optimistic marker. The update is all-or-nothing: if any occurrence refuses
// the transition nothing changes. It returns the swap ids touched.
func (s *Store) UpdateTargetStatus(targetID string, status Status) ([]string, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTarget, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*Target
	var swaps []string
	for _, id := range s.sortedIDs() {
		st := s.swaps[id]
		hit := false
		if i := st.incomingIndex(targetID); i >= 0 {
			found = append(found, &st.IncomingTargets[i])
			hit = true
		}
		if st.OutgoingTarget != nil && st.OutgoingTarget.TargetID == targetID {
			found = append(found, st.OutgoingTarget)
			hit = true
		}
		if hit {
			swaps = append(swaps, id)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	for _, t := range found {
		if err := checkTransition(*t, status); err != nil {
			logger.Warnf("%v", err)
			return nil, err
		}
	}

	now := s.now()
	for _, t := range found {
		t.Status = status
		t.Optimistic = false
		t.UpdatedAt = now
	}
	for _, id := range swaps {
		s.swaps[id].LastUpdated = now
	}
	return swaps, nil
}

// PatchIncomingTarget applies a speculative patch to an incoming target,
// marking it optimistic, and returns the target as it was before.
func (s *Store) PatchIncomingTarget(swapID, targetID string, p Patch) (Target, error) {
	if p.Status != "" && !p.Status.Valid() {
		return Target{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTarget, p.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.swaps[swapID]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s on swap %s", ErrTargetNotFound, targetID, swapID)
	}
	i := st.incomingIndex(targetID)
	if i < 0 {
		return Target{}, fmt.Errorf("%w: %s on swap %s", ErrTargetNotFound, targetID, swapID)
	}
	cur := &st.IncomingTargets[i]
	if err := checkTransition(*cur, p.Status); err != nil {
		return Target{}, err
	}
	prev := cur.clone()
	p.applyTo(cur)
	cur.Optimistic = true
	cur.UpdatedAt = s.touch(st)
	return prev, nil
}

// ReplaceOutgoingTarget sets (or, with nil, clears) the outgoing target of
// swapID unconditionally and returns the previous one. Used for speculative
// writes; the replacement keeps its own Optimistic flag.
func (s *Store) ReplaceOutgoingTarget(swapID string, t *Target) *Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(swapID)
	prev := st.OutgoingTarget
	if t == nil {
		st.OutgoingTarget = nil
	} else {
		c := t.clone()
		st.OutgoingTarget = &c
	}
	now := s.touch(st)
	if st.OutgoingTarget != nil {
		st.OutgoingTarget.UpdatedAt = now
	}
	return prev
}

// RestoreIncomingTarget puts prev back in place of the incoming target with
// the same id, provided the stored entry is still optimistic. It reports
// false (and changes nothing) when an authoritative write landed since.
func (s *Store) RestoreIncomingTarget(swapID string, prev Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.swaps[swapID]
	if !ok {
		return false
	}
	i := st.incomingIndex(prev.TargetID)
	if i < 0 || !st.IncomingTargets[i].Optimistic {
		return false
	}
	st.IncomingTargets[i] = prev.clone()
	s.touch(st)
	return true
}

// RestoreOutgoingTarget puts prev back as the outgoing target of swapID when
// the current outgoing target is still the one a speculative write left:
// expectedID names that target ("" meaning the write cleared the slot) and a
// non-empty slot must still be optimistic.
func (s *Store) RestoreOutgoingTarget(swapID, expectedID string, prev *Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.swaps[swapID]
	if !ok {
		return false
	}
	cur := st.OutgoingTarget
	switch {
	case expectedID == "" && cur != nil:
		return false
	case expectedID != "" && (cur == nil || cur.TargetID != expectedID || !cur.Optimistic):
		return false
	}
	if prev == nil {
		st.OutgoingTarget = nil
	} else {
		c := prev.clone()
		st.OutgoingTarget = &c
	}
	s.touch(st)
	return true
}

// Merge reconciles a full-state snapshot of one swap, as delivered by a sync
// response. Incoming targets missing from the snapshot are dropped unless
// they are optimistic; terminal conflicts are skipped and reported in the
// joined error.
func (s *Store) Merge(snap SwapTargeting) error {
	if snap.SwapID == "" {
		return fmt.Errorf("%w: snapshot without swap id", ErrInvalidTarget)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(snap.SwapID)
	now := s.now()
	var errs []error

	seen := make(map[string]bool, len(snap.IncomingTargets))
	for _, in := range snap.IncomingTargets {
		if err := validate(in); err != nil {
			errs = append(errs, err)
			continue
		}
		seen[in.TargetID] = true
		in.Optimistic = false
		if i := st.incomingIndex(in.TargetID); i >= 0 {
			if err := checkTransition(st.IncomingTargets[i], in.Status); err != nil {
				errs = append(errs, err)
				continue
			}
			merge(&st.IncomingTargets[i], in, now)
			continue
		}
		in = in.clone()
		if in.Status == "" {
			in.Status = StatusActive
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
		}
		st.IncomingTargets = append(st.IncomingTargets, in)
		s.unread++
	}
	st.IncomingTargets = slices.DeleteFunc(st.IncomingTargets, func(t Target) bool {
		return !seen[t.TargetID] && !t.Optimistic
	})

	switch {
	case snap.OutgoingTarget != nil:
		out := snap.OutgoingTarget.clone()
		out.Optimistic = false
		if cur := st.OutgoingTarget; cur != nil && cur.TargetID == out.TargetID {
			if err := checkTransition(*cur, out.Status); err != nil {
				errs = append(errs, err)
			} else {
				merge(cur, out, now)
			}
		} else if err := validate(out); err != nil {
			errs = append(errs, err)
		} else {
			if out.CreatedAt.IsZero() {
				out.CreatedAt = now
			}
			st.OutgoingTarget = &out
		}
	case st.OutgoingTarget != nil && !st.OutgoingTarget.Optimistic:
		st.OutgoingTarget = nil
	}

	if snap.AuctionInfo != nil {
		a := *snap.AuctionInfo
		a.SwapID = snap.SwapID
		a.TimeRemaining, a.IsEnding = 0, false
		st.AuctionInfo = &a
	}

	if len(snap.Events) > 0 {
		events := slices.Clone(snap.Events)
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.After(events[j].Timestamp)
		})
		if len(events) > s.maxEvents {
			events = events[:s.maxEvents]
		}
		st.Events = events
	}

	st.LastUpdated = now
	return errors.Join(errs...)
}

// Remove drops all state held for swapID. It reports whether anything was removed.
func (s *Store) Remove(swapID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.swaps[swapID]; !ok {
		return false
	}
	delete(s.swaps, swapID)
	return true
}

// MarkRead resets the unread counter.
func (s *Store) MarkRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = 0
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.swaps))
	for id := range s.swaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Selectors -----------------------------------------------------------------

// GetTargeting returns a copy of the state of swapID.
func (s *Store) GetTargeting(swapID string) (SwapTargeting, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.swaps[swapID]
	if !ok {
		return SwapTargeting{}, false
	}
	out := st.clone()
	if out.AuctionInfo != nil {
		a := out.AuctionInfo.Derive(s.now(), s.endingThreshold)
		out.AuctionInfo = &a
	}
	return out, true
}

// GetIncomingTargets returns a copy of the incoming targets of swapID.
func (s *Store) GetIncomingTargets(swapID string) []Target {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.swaps[swapID]
	if !ok {
		return nil
	}
	out := make([]Target, len(st.IncomingTargets))
	for i, t := range st.IncomingTargets {
		out[i] = t.clone()
	}
	return out
}

// GetOutgoingTarget returns a copy of the outgoing target of swapID, or nil.
func (s *Store) GetOutgoingTarget(swapID string) *Target {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.swaps[swapID]
	if !ok || st.OutgoingTarget == nil {
		return nil
	}
	t := st.OutgoingTarget.clone()
	return &t
}

// GetAuctionInfo returns the auction metadata of swapID with the derived
// fields computed against the store clock, or nil.
func (s *Store) GetAuctionInfo(swapID string) *AuctionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.swaps[swapID]
	if !ok || st.AuctionInfo == nil {
		return nil
	}
	a := st.AuctionInfo.Derive(s.now(), s.endingThreshold)
	return &a
}

// GetUnreadCount returns the number of incoming targets seen since the last MarkRead.
func (s *Store) GetUnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// FindTarget looks a target up by id, preferring the incoming occurrence.
// It returns the target and the swap holding it.
func (s *Store) FindTarget(targetID string) (Target, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var outgoing *Target
	var outgoingSwap string
	for _, id := range s.sortedIDs() {
		st := s.swaps[id]
		if i := st.incomingIndex(targetID); i >= 0 {
			return st.IncomingTargets[i].clone(), id, true
		}
		if outgoing == nil && st.OutgoingTarget != nil && st.OutgoingTarget.TargetID == targetID {
			outgoing, outgoingSwap = st.OutgoingTarget, id
		}
	}
	if outgoing != nil {
		return outgoing.clone(), outgoingSwap, true
	}
	return Target{}, "", false
}

// SwapIDs returns the ids of all swaps with state, sorted.
func (s *Store) SwapIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedIDs()
}

// Snapshot returns a copy of every swap state, sorted by swap id.
func (s *Store) Snapshot() []SwapTargeting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]SwapTargeting, 0, len(s.swaps))
	for _, id := range s.sortedIDs() {
		st := s.swaps[id].clone()
		if st.AuctionInfo != nil {
			a := st.AuctionInfo.Derive(now, s.endingThreshold)
			st.AuctionInfo = &a
		}
		out = append(out, st)
	}
	return out
}
