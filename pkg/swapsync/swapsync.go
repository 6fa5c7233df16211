// Package swapsync assembles the targeting sync subsystem: transport,
// outbound queue, event router, targeting store and optimistic coordinator,
// and exposes it to callers (the CLI, the local status API) as one Service.
package swapsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/optimistic"
	"github.com/rubiojr/swapsync/pkg/queue"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/router"
	"github.com/rubiojr/swapsync/pkg/targeting"
	"github.com/rubiojr/swapsync/pkg/transport"
	"github.com/rubiojr/swapsync/pkg/version"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Metrics aggregates the counters of every component.
type Metrics struct {
	Transport     transport.Stats  `json:"transport"`
	Stream        router.Metrics   `json:"stream"`
	Queue         queue.Stats      `json:"queue"`
	Optimistic    optimistic.Stats `json:"optimistic"`
	Subscriptions []string         `json:"subscriptions"`
	UnreadCount   int              `json:"unread_count"`
}

// Health is the health check document.
type Health struct {
	Status       string      `json:"status"`
	Connected    bool        `json:"connected"`
	MessageQueue queue.Stats `json:"messageQueue"`
	CheckedAt    time.Time   `json:"checkedAt"`
	Version      string      `json:"version"`
}

type Service struct {
	cfg         *config.Config
	hub         *realtime.Hub
	store       *targeting.Store
	transport   *transport.Transport
	queue       *queue.Queue
	router      *router.Router
	coordinator *optimistic.Coordinator
	logger      *log.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connects  int
	closeOnce sync.Once
}

// New validates cfg and wires the components together. Nothing touches the
// network until Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		hub:    realtime.NewHub(0),
		logger: log.ForService("swapsync"),
	}
	s.store = targeting.NewStore(targeting.Options{
		EndingThreshold: cfg.Auction.EndingThreshold.Duration,
	})
	s.transport = transport.New(transport.Config{
		URL:               cfg.ServerURL,
		Token:             cfg.Token,
		BaseDelay:         cfg.Transport.BaseDelay.Duration,
		MaxDelay:          cfg.Transport.MaxDelay.Duration,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval.Duration,
		HandshakeTimeout:  cfg.Transport.HandshakeTimeout.Duration,
		WriteTimeout:      cfg.Transport.WriteTimeout.Duration,
		ConnectAttempts:   cfg.Transport.ConnectAttempts,
		Compression:       cfg.Transport.Compression,
		Hub:               s.hub,
	})
	s.queue = queue.New(s.transport, queue.Options{
		MaxSize:        cfg.Queue.MaxSize,
		MaxRetries:     cfg.Queue.MaxRetries,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay.Duration,
		MaxAge:         cfg.Queue.MaxAge.Duration,
		SweepInterval:  cfg.Queue.SweepInterval.Duration,
		DrainInterval:  cfg.Queue.DrainInterval.Duration,
		SendRate:       cfg.Queue.SendRate,
		SendBurst:      cfg.Queue.SendBurst,
		Hub:            s.hub,
	})
	s.coordinator = optimistic.New(s.store, s.queue, optimistic.Options{
		Hub:            s.hub,
		ConfirmTimeout: cfg.Optimistic.ConfirmTimeout.Duration,
	})
	s.router = router.New(s.store, s.transport, s.queue, router.Options{
		Hub:          s.hub,
		Observer:     s.coordinator,
		SyncInterval: cfg.Sync.Interval.Duration,
	})

	s.queue.OnFailed(s.coordinator.HandleQueueFailure)
	s.transport.OnConnect(s.onConnect)
	s.router.Attach()
	return s, nil
}

// onConnect flushes the queue, and after a reconnect also asks the server
// for everything missed while offline.
func (s *Service) onConnect() {
	s.mu.Lock()
	s.connects++
	reconnect := s.connects > 1
	s.mu.Unlock()

	if reconnect {
		s.router.Resync()
	}
	s.queue.Notify()
}

// Start runs the background loops, subscribes the configured swaps and user
// channels, and connects. A connection failure leaves the loops running so
// Close still has to be called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	for _, run := range []func(context.Context){s.queue.Run, s.router.Run, s.coordinator.Run} {
		s.wg.Add(1)
		go func(run func(context.Context)) {
			defer s.wg.Done()
			run(loopCtx)
		}(run)
	}

	if len(s.cfg.Swaps) > 0 {
		s.router.Subscribe(s.cfg.Swaps...)
	}
	if s.cfg.UserID != "" {
		s.router.SubscribeUser(s.cfg.UserID)
	}

	s.logger.Infof("connecting to %s", s.cfg.ServerURL)
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	return nil
}

// Close disconnects and stops the background loops. Safe to call more than
// once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.router.Detach()
		s.transport.Disconnect()
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.running = false
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Debugf("closed")
	})
}

// SubscribeToSwapTargeting joins the swaps' channels and requests a sync.
func (s *Service) SubscribeToSwapTargeting(swapIDs ...string) {
	s.router.Subscribe(swapIDs...)
}

// UnsubscribeFromSwapTargeting leaves the swaps' channels. Cached state is
// kept so readers still see the last known data.
func (s *Service) UnsubscribeFromSwapTargeting(swapIDs ...string) {
	s.router.Unsubscribe(swapIDs...)
}

// SetSubscriptions subscribes and unsubscribes so exactly swapIDs are
// subscribed.
func (s *Service) SetSubscriptions(swapIDs []string) (added, removed []string) {
	want := make(map[string]struct{}, len(swapIDs))
	for _, id := range swapIDs {
		if id != "" {
			want[id] = struct{}{}
		}
	}
	have := make(map[string]struct{})
	for _, id := range s.router.Subscriptions() {
		have[id] = struct{}{}
		if _, ok := want[id]; !ok {
			removed = append(removed, id)
		}
	}
	for _, id := range swapIDs {
		if _, ok := have[id]; !ok && id != "" {
			added = append(added, id)
			have[id] = struct{}{}
		}
	}
	if len(removed) > 0 {
		s.router.Unsubscribe(removed...)
	}
	if len(added) > 0 {
		s.router.Subscribe(added...)
	}
	return added, removed
}

func (s *Service) Subscriptions() []string {
	return s.router.Subscriptions()
}

func (s *Service) GetMetrics() Metrics {
	return Metrics{
		Transport:     s.transport.Stats(),
		Stream:        s.router.Metrics(),
		Queue:         s.queue.Stats(),
		Optimistic:    s.coordinator.Stats(),
		Subscriptions: s.router.Subscriptions(),
		UnreadCount:   s.store.GetUnreadCount(),
	}
}

// GetHealthCheck reports degraded while disconnected or once the queue holds
// the configured number of messages.
func (s *Service) GetHealthCheck() Health {
	h := Health{
		Status:       StatusHealthy,
		Connected:    s.transport.IsConnected(),
		MessageQueue: s.queue.Stats(),
		CheckedAt:    s.store.Now(),
		Version:      version.APIVersion(),
	}
	if degraded(h.Connected, h.MessageQueue.QueueSize, s.cfg.Health.DegradedQueueSize) {
		h.Status = StatusDegraded
	}
	return h
}

// degraded reports whether a queue of the given size needs attention. The
// threshold is inclusive so a queue filled to its size limit counts.
func degraded(connected bool, queued, threshold int) bool {
	return !connected || queued >= threshold
}

// TargetSwap makes sourceSwapID target targetSwapID.
func (s *Service) TargetSwap(sourceSwapID, targetSwapID, message string, conditions []string) (*optimistic.Pending, error) {
	return s.coordinator.Apply(optimistic.ActionTarget, optimistic.Intent{
		SwapID:       sourceSwapID,
		TargetSwapID: targetSwapID,
		Message:      message,
		Conditions:   conditions,
	})
}

// Retarget moves the outgoing target of sourceSwapID to targetSwapID.
func (s *Service) Retarget(sourceSwapID, targetSwapID, message string, conditions []string) (*optimistic.Pending, error) {
	return s.coordinator.Apply(optimistic.ActionRetarget, optimistic.Intent{
		SwapID:       sourceSwapID,
		TargetSwapID: targetSwapID,
		Message:      message,
		Conditions:   conditions,
	})
}

func (s *Service) RemoveTarget(sourceSwapID string) (*optimistic.Pending, error) {
	return s.coordinator.Apply(optimistic.ActionRemove, optimistic.Intent{SwapID: sourceSwapID})
}

func (s *Service) AcceptTarget(swapID, targetID string) (*optimistic.Pending, error) {
	return s.coordinator.Apply(optimistic.ActionAccept, optimistic.Intent{SwapID: swapID, TargetID: targetID})
}

func (s *Service) RejectTarget(swapID, targetID string) (*optimistic.Pending, error) {
	return s.coordinator.Apply(optimistic.ActionReject, optimistic.Intent{SwapID: swapID, TargetID: targetID})
}

// Events registers a hub listener. Release it with StopEvents.
func (s *Service) Events() (uint64, <-chan realtime.Notification) {
	return s.hub.Register()
}

func (s *Service) StopEvents(id uint64) {
	s.hub.Unregister(id)
}

func (s *Service) Store() *targeting.Store { return s.store }
func (s *Service) Queue() *queue.Queue { return s.queue }
func (s *Service) Coordinator() *optimistic.Coordinator { return s.coordinator }
func (s *Service) Transport() *transport.Transport { return s.transport }
func (s *Service) Hub() *realtime.Hub { return s.hub }
func (s *Service) Config() *config.Config { return s.cfg }
