package swapsync

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors exposes the service counters as Prometheus metrics. Values are
// read at scrape time.
func (s *Service) Collectors() []prometheus.Collector {
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "swapsync",
			Name:      name,
			Help:      help,
		}, fn)
	}
	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "swapsync",
			Name:      name,
			Help:      help,
		}, fn)
	}
	b2f := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	return []prometheus.Collector{
		gauge("connected", "1 while the realtime connection is open", func() float64 {
			return b2f(s.transport.IsConnected())
		}),
		gauge("reconnect_attempts", "Reconnect attempts since the last successful connect", func() float64 {
			return float64(s.transport.ReconnectAttempts())
		}),
		gauge("queue_size", "Messages waiting in the outbound queue", func() float64 {
			return float64(s.queue.Len())
		}),
		counter("queue_sent_total", "Messages sent from the outbound queue", func() float64 {
			return float64(s.queue.Stats().SentMessages)
		}),
		counter("queue_failed_total", "Messages dropped from the outbound queue unsent", func() float64 {
			return float64(s.queue.Stats().FailedMessages)
		}),
		counter("events_received_total", "Inbound targeting events", func() float64 {
			return float64(s.router.Metrics().MessageCount)
		}),
		counter("events_dropped_total", "Inbound targeting events dropped as invalid", func() float64 {
			return float64(s.router.Metrics().DroppedCount)
		}),
		gauge("event_latency_seconds", "Average server to client event latency", func() float64 {
			return s.router.Metrics().AverageLatency.Seconds()
		}),
		gauge("optimistic_pending", "Optimistic updates awaiting confirmation", func() float64 {
			return float64(len(s.coordinator.Records()))
		}),
		counter("optimistic_rolled_back_total", "Optimistic updates rolled back", func() float64 {
			return float64(s.coordinator.Stats().RolledBack)
		}),
		gauge("subscriptions", "Subscribed swaps", func() float64 {
			return float64(len(s.router.Subscriptions()))
		}),
		gauge("unread_count", "Unread targeting notifications", func() float64 {
			return float64(s.store.GetUnreadCount())
		}),
	}
}

// RegisterMetrics registers Collectors on reg.
func (s *Service) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range s.Collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}
	return nil
}
