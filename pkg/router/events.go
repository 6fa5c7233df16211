package router

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rubiojr/swapsync/pkg/targeting"
	"github.com/rubiojr/swapsync/pkg/transport"
)

// Inbound event types.
const (
	TypeTargetingCreated   = "targeting_created"
	TypeTargetingUpdated   = "targeting_updated"
	TypeTargetingRemoved   = "targeting_removed"
	TypeStatusChanged      = "target_status_changed"
	TypeHistoryUpdated     = "targeting_history_updated"
	TypeAuctionUpdate      = "auction_targeting_update"
	TypeProposalUpdate     = "proposal_targeting_update"
	TypeBatchUpdate        = "targeting_batch_update"
	TypeSyncRequest        = "targeting_sync_request"
	TypeTargetingHeartbeat = "targeting_heartbeat"
)

// EventTypes lists every inbound type the router handles.
var EventTypes = []string{
	TypeTargetingCreated,
	TypeTargetingUpdated,
	TypeTargetingRemoved,
	TypeStatusChanged,
	TypeHistoryUpdated,
	TypeAuctionUpdate,
	TypeProposalUpdate,
	TypeBatchUpdate,
	TypeSyncRequest,
	TypeTargetingHeartbeat,
}

// ValidationError reports an inbound event missing a required field.
type ValidationError struct {
	EventType string
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s event: %s: %v", e.EventType, e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s event: missing %s", e.EventType, e.Field)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Event is one decoded inbound event.
type Event interface {
	EventType() string
}

// TargetingCreated announces a new target.
type TargetingCreated struct{ Target targeting.Target }

// TargetingUpdated carries new field values for an existing target.
type TargetingUpdated struct{ Target targeting.Target }

// TargetingRemoved withdraws a target.
type TargetingRemoved struct {
	TargetID     string
	SourceSwapID string
	TargetSwapID string
}

// StatusChanged moves a target to a new status.
type StatusChanged struct {
	TargetID string
	Status   targeting.Status
}

// HistoryUpdated appends an entry to a swap's event log.
type HistoryUpdated struct{ Entry targeting.Event }

// AuctionUpdate replaces a swap's auction metadata.
type AuctionUpdate struct{ Info targeting.AuctionInfo }

// ProposalUpdate reports a proposal received by an auction swap.
type ProposalUpdate struct {
	TargetSwapID  string
	ProposalID    string
	ProposalCount int
}

// BatchUpdate bundles several events, applied in order.
type BatchUpdate struct{ Updates []transport.Envelope }

// SyncResponse carries the authoritative snapshot of one swap.
type SyncResponse struct{ Snapshot targeting.SwapTargeting }

// Heartbeat is the server's targeting keepalive.
type Heartbeat struct{ Raw json.RawMessage }

func (TargetingCreated) EventType() string { return TypeTargetingCreated }
func (TargetingUpdated) EventType() string { return TypeTargetingUpdated }
func (TargetingRemoved) EventType() string { return TypeTargetingRemoved }
func (StatusChanged) EventType() string    { return TypeStatusChanged }
func (HistoryUpdated) EventType() string   { return TypeHistoryUpdated }
func (AuctionUpdate) EventType() string    { return TypeAuctionUpdate }
func (ProposalUpdate) EventType() string   { return TypeProposalUpdate }
func (BatchUpdate) EventType() string      { return TypeBatchUpdate }
func (SyncResponse) EventType() string     { return TypeSyncRequest }
func (Heartbeat) EventType() string        { return TypeTargetingHeartbeat }

// payload is the union of every inbound data field.
type payload struct {
	Target        *targeting.Target        `json:"target"`
	TargetID      string                   `json:"targetId"`
	SourceSwapID  string                   `json:"sourceSwapId"`
	TargetSwapID  string                   `json:"targetSwapId"`
	Status        targeting.Status         `json:"status"`
	HistoryEntry  *targeting.Event         `json:"historyEntry"`
	AuctionInfo   *targeting.AuctionInfo   `json:"auctionInfo"`
	BatchUpdates  []transport.Envelope     `json:"batchUpdates"`
	SyncData      *targeting.SwapTargeting `json:"syncData"`
	Heartbeat     json.RawMessage          `json:"heartbeat"`
	ProposalID    string                   `json:"proposalId"`
	ProposalCount int                      `json:"proposalCount"`
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Decode turns an envelope into its typed event, validating required fields.
func Decode(env transport.Envelope) (Event, error) {
	missing := func(field string) error {
		return &ValidationError{EventType: env.Type, Field: field}
	}

	var p payload
	if present(env.Data) {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, &ValidationError{EventType: env.Type, Field: "data", Err: err}
		}
	}

	switch env.Type {
	case TypeTargetingCreated, TypeTargetingUpdated:
		if p.Target == nil {
			return nil, missing("target")
		}
		if p.Target.TargetID == "" {
			return nil, missing("target.targetId")
		}
		if env.Type == TypeTargetingCreated {
			return TargetingCreated{Target: *p.Target}, nil
		}
		return TargetingUpdated{Target: *p.Target}, nil
	case TypeTargetingRemoved:
		if p.TargetID == "" {
			return nil, missing("targetId")
		}
		return TargetingRemoved{TargetID: p.TargetID, SourceSwapID: p.SourceSwapID, TargetSwapID: p.TargetSwapID}, nil
	case TypeStatusChanged:
		if p.TargetID == "" {
			return nil, missing("targetId")
		}
		if p.Status == "" {
			return nil, missing("status")
		}
		if !p.Status.Valid() {
			return nil, &ValidationError{EventType: env.Type, Field: "status", Err: fmt.Errorf("unknown status %q", p.Status)}
		}
		return StatusChanged{TargetID: p.TargetID, Status: p.Status}, nil
	case TypeHistoryUpdated:
		if p.HistoryEntry == nil {
			return nil, missing("historyEntry")
		}
		if p.HistoryEntry.SwapID == "" {
			return nil, missing("historyEntry.swapId")
		}
		return HistoryUpdated{Entry: *p.HistoryEntry}, nil
	case TypeAuctionUpdate:
		if p.AuctionInfo == nil {
			return nil, missing("auctionInfo")
		}
		if p.AuctionInfo.SwapID == "" {
			return nil, missing("auctionInfo.swapId")
		}
		return AuctionUpdate{Info: *p.AuctionInfo}, nil
	case TypeProposalUpdate:
		if p.TargetSwapID == "" {
			return nil, missing("targetSwapId")
		}
		return ProposalUpdate{TargetSwapID: p.TargetSwapID, ProposalID: p.ProposalID, ProposalCount: p.ProposalCount}, nil
	case TypeBatchUpdate:
		if p.BatchUpdates == nil {
			return nil, missing("batchUpdates")
		}
		return BatchUpdate{Updates: p.BatchUpdates}, nil
	case TypeSyncRequest:
		if p.SyncData == nil {
			return nil, missing("syncData")
		}
		if p.SyncData.SwapID == "" {
			return nil, missing("syncData.swapId")
		}
		return SyncResponse{Snapshot: *p.SyncData}, nil
	case TypeTargetingHeartbeat:
		if !present(p.Heartbeat) {
			return nil, missing("heartbeat")
		}
		return Heartbeat{Raw: p.Heartbeat}, nil
	}
	return nil, &ValidationError{EventType: env.Type, Field: "type", Err: fmt.Errorf("unsupported event type")}
}
