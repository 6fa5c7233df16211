package targeting

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var (
	// ErrTerminalStatus is returned when an update tries to move a target out
	// of accepted, rejected or cancelled.
	ErrTerminalStatus = errors.New("target status is terminal")
	// ErrTargetNotFound is returned by operations addressing an unknown target.
	ErrTargetNotFound = errors.New("target not found")
	// ErrInvalidTarget is returned for targets without an id or with an unknown status.
	ErrInvalidTarget = errors.New("invalid target")
)

// Status is the lifecycle state of a target.
type Status string

const (
	StatusActive    Status = "active"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAccepted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Target is one swap pointing at another. The same type backs both the
// incoming list of the targeted swap and the outgoing slot of the source swap.
// Title and owner fields are display projections and never authoritative.
type Target struct {
	TargetID        string    `json:"targetId"`
	SourceSwapID    string    `json:"sourceSwapId"`
	TargetSwapID    string    `json:"targetSwapId"`
	SourceSwapTitle string    `json:"sourceSwapTitle,omitempty"`
	TargetSwapTitle string    `json:"targetSwapTitle,omitempty"`
	OwnerName       string    `json:"ownerName,omitempty"`
	Message         string    `json:"message,omitempty"`
	Conditions      []string  `json:"conditions,omitempty"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt,omitzero"`
	// Optimistic is set while the current field values come from an
	// unconfirmed local action.
	Optimistic bool `json:"optimistic,omitempty"`
}

// UnmarshalJSON accepts the target id as either "targetId" or "id". When
// both are present "targetId" wins.
func (t *Target) UnmarshalJSON(b []byte) error {
	type plain Target
	var wire struct {
		plain
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*t = Target(wire.plain)
	if t.TargetID == "" {
		t.TargetID = wire.ID
	}
	return nil
}

func (t Target) clone() Target {
	t.Conditions = slices.Clone(t.Conditions)
	return t
}

// AuctionInfo holds auction metadata for a swap. TimeRemaining and IsEnding
// are derived from EndDate when read through the store and are ignored on write.
type AuctionInfo struct {
	SwapID               string        `json:"swapId"`
	EndDate              time.Time     `json:"endDate"`
	CurrentProposalCount int           `json:"currentProposalCount"`
	TimeRemaining        time.Duration `json:"timeRemaining"`
	IsEnding             bool          `json:"isEnding"`
}

// Derive returns a copy with TimeRemaining and IsEnding computed for now.
func (a AuctionInfo) Derive(now time.Time, threshold time.Duration) AuctionInfo {
	remaining := a.EndDate.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	a.TimeRemaining = remaining
	a.IsEnding = remaining > 0 && remaining < threshold
	return a
}

// Event is an entry of a swap's targeting history.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SwapID    string         `json:"swapId"`
	TargetID  string         `json:"targetId,omitempty"`
	Status    Status         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SwapTargeting is the full targeting state of a single swap.
type SwapTargeting struct {
	SwapID          string       `json:"swapId"`
	IncomingTargets []Target     `json:"incomingTargets"`
	OutgoingTarget  *Target      `json:"outgoingTarget"`
	AuctionInfo     *AuctionInfo `json:"auctionInfo"`
	Events          []Event      `json:"events"`
	LastUpdated     time.Time    `json:"lastUpdated"`
}

func (s *SwapTargeting) clone() SwapTargeting {
	out := SwapTargeting{
		SwapID:      s.SwapID,
		LastUpdated: s.LastUpdated,
	}
	if len(s.IncomingTargets) > 0 {
		out.IncomingTargets = make([]Target, len(s.IncomingTargets))
		for i, t := range s.IncomingTargets {
			out.IncomingTargets[i] = t.clone()
		}
	}
	if s.OutgoingTarget != nil {
		t := s.OutgoingTarget.clone()
		out.OutgoingTarget = &t
	}
	if s.AuctionInfo != nil {
		a := *s.AuctionInfo
		out.AuctionInfo = &a
	}
	out.Events = slices.Clone(s.Events)
	return out
}

func (s *SwapTargeting) incomingIndex(targetID string) int {
	for i := range s.IncomingTargets {
		if s.IncomingTargets[i].TargetID == targetID {
			return i
		}
	}
	return -1
}

// Patch is a partial update of a target. Zero fields are left untouched.
type Patch struct {
	Status     Status
	Message    string
	Conditions []string
}

func (p Patch) applyTo(t *Target) {
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.Message != "" {
		t.Message = p.Message
	}
	if p.Conditions != nil {
		t.Conditions = slices.Clone(p.Conditions)
	}
}
