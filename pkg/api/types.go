package api

import (
	"github.com/rubiojr/swapsync/pkg/optimistic"
	"github.com/rubiojr/swapsync/pkg/queue"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/swapsync"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SwapsResponse struct {
	Swaps       []string `json:"swaps"`
	Count       int      `json:"count"`
	UnreadCount int      `json:"unread_count"`
}

type QueueResponse struct {
	Messages []queue.Message `json:"messages"`
	Stats    queue.Stats     `json:"stats"`
}

type OptimisticResponse struct {
	Pending []optimistic.Record `json:"pending"`
	Failed  []optimistic.Record `json:"failed"`
	Stats   optimistic.Stats    `json:"stats"`
}

// StreamMessage is a frame of /api/events/ws. The first frame has type
// "init" and carries the health check; the rest carry one notification.
type StreamMessage struct {
	Type         string                 `json:"type"`
	Health       *swapsync.Health       `json:"health,omitempty"`
	Notification *realtime.Notification `json:"notification,omitempty"`
}
