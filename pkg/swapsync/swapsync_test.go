package swapsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/rubiojr/swapsync/pkg/optimistic"
	"github.com/rubiojr/swapsync/pkg/queue"
	"github.com/rubiojr/swapsync/pkg/targeting"
	"github.com/rubiojr/swapsync/pkg/transport"
	"github.com/rubiojr/swapsync/pkg/version"
)

type fakeServer struct {
	*httptest.Server
	t      *testing.T
	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []transport.Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env transport.Envelope
			if json.Unmarshal(data, &env) == nil {
				fs.mu.Lock()
				fs.frames = append(fs.frames, env)
				fs.mu.Unlock()
			}
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) push(typ string, data any) {
	fs.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		fs.t.Fatal(err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		fs.t.Fatal("no client connected")
	}
	env := map[string]any{"type": typ, "data": json.RawMessage(raw)}
	if err := fs.conns[len(fs.conns)-1].WriteJSON(env); err != nil {
		fs.t.Fatalf("push: %v", err)
	}
}

func (fs *fakeServer) dropConns() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
}

// frame waits for the n-th (zero based) frame of the given type.
func (fs *fakeServer) frame(typ string, n int) transport.Envelope {
	fs.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		seen := 0
		for _, env := range fs.frames {
			if env.Type != typ {
				continue
			}
			if seen == n {
				fs.mu.Unlock()
				return env
			}
			seen++
		}
		fs.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	fs.t.Fatalf("timeout waiting for %s frame #%d", typ, n)
	return transport.Envelope{}
}

func testConfig(url string) *config.Config {
	cfg := &config.Config{
		ServerURL: url,
		Token:     "secret",
		Swaps:     []string{"S1"},
	}
	cfg.Transport.BaseDelay = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Transport.MaxDelay = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Transport.HeartbeatInterval = config.Duration{Duration: time.Hour}
	cfg.Transport.ConnectAttempts = 1
	cfg.Queue.DrainInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Queue.RetryBaseDelay = config.Duration{Duration: 5 * time.Millisecond}
	return cfg
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func startService(t *testing.T, fs *fakeServer) *Service {
	t.Helper()
	svc, err := New(testConfig("ws" + strings.TrimPrefix(fs.URL, "http")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return svc
}

func decodeData(t *testing.T, env transport.Envelope) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("decode %s data: %v", env.Type, err)
	}
	return m
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := New(&config.Config{ServerURL: "http://nope"}); err == nil {
		t.Fatal("expected error for non websocket url")
	}
}

func TestStartSubscribesAndSyncs(t *testing.T) {
	fs := newFakeServer(t)
	svc := startService(t, fs)

	sub := decodeData(t, fs.frame(transport.TypeSubscribe, 0))
	if sub["channel"] != "swap_targeting:S1" {
		t.Fatalf("unexpected subscribe frame: %v", sub)
	}
	req := decodeData(t, fs.frame("targeting_sync_request", 0))
	if req["swapId"] != "S1" {
		t.Fatalf("unexpected sync request: %v", req)
	}

	h := svc.GetHealthCheck()
	if h.Status != StatusHealthy || !h.Connected {
		t.Fatalf("expected healthy connected service, got %+v", h)
	}
	if h.Version != version.APIVersion() {
		t.Fatalf("expected version %s, got %q", version.APIVersion(), h.Version)
	}
	if got := svc.Subscriptions(); len(got) != 1 || got[0] != "S1" {
		t.Fatalf("unexpected subscriptions: %v", got)
	}
}

func TestAcceptConfirmedByServer(t *testing.T) {
	fs := newFakeServer(t)
	svc := startService(t, fs)
	fs.frame("targeting_sync_request", 0)

	fs.push("targeting_created", map[string]any{
		"target": map[string]any{
			"targetId":     "T1",
			"sourceSwapId": "S9",
			"targetSwapId": "S1",
			"status":       "active",
		},
	})
	waitFor(t, func() bool { return len(svc.Store().GetIncomingTargets("S1")) == 1 }, "incoming target")
	if svc.Store().GetUnreadCount() != 1 {
		t.Fatalf("expected one unread, got %d", svc.Store().GetUnreadCount())
	}

	pending, err := svc.AcceptTarget("S1", "T1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	got := svc.Store().GetIncomingTargets("S1")[0]
	if got.Status != targeting.StatusAccepted || !got.Optimistic {
		t.Fatalf("expected optimistic accepted target, got %+v", got)
	}

	frame := fs.frame("accept_target", 0)
	if decodeData(t, frame)["targetId"] != "T1" {
		t.Fatalf("unexpected accept payload: %s", frame.Data)
	}
	if frame.Metadata == nil || frame.Metadata.MessageID != pending.MessageID {
		t.Fatalf("expected message id %s in metadata, got %+v", pending.MessageID, frame.Metadata)
	}

	fs.push("target_status_changed", map[string]any{"targetId": "T1", "status": "accepted"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pending.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got = svc.Store().GetIncomingTargets("S1")[0]
	if got.Optimistic {
		t.Fatalf("expected authoritative target after confirmation, got %+v", got)
	}
	if m := svc.GetMetrics(); m.Optimistic.Confirmed != 1 || m.Stream.MessageCount < 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestTargetSwapRejectedOnRollback(t *testing.T) {
	fs := newFakeServer(t)
	svc := startService(t, fs)

	pending, err := svc.TargetSwap("S1", "S2", "nice place", nil)
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	out := svc.Store().GetOutgoingTarget("S1")
	if out == nil || out.TargetSwapID != "S2" || !out.Optimistic {
		t.Fatalf("expected optimistic outgoing target, got %+v", out)
	}
	payload := decodeData(t, fs.frame("target_swap", 0))
	if payload["sourceSwapId"] != "S1" || payload["targetSwapId"] != "S2" || payload["message"] != "nice place" {
		t.Fatalf("unexpected target payload: %v", payload)
	}

	if _, err := svc.TargetSwap("S1", "S3", "", nil); !errors.Is(err, optimistic.ErrAlreadyTargeting) {
		t.Fatalf("expected ErrAlreadyTargeting, got %v", err)
	}

	if err := svc.Coordinator().Fail(pending.RecordID, errors.New("swap unavailable")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var rb *optimistic.RollbackError
	if err := pending.Wait(ctx); !errors.As(err, &rb) {
		t.Fatalf("expected RollbackError, got %v", err)
	}
	if svc.Store().GetOutgoingTarget("S1") != nil {
		t.Fatal("expected outgoing target cleared by rollback")
	}
}

func TestResyncAfterReconnect(t *testing.T) {
	fs := newFakeServer(t)
	svc := startService(t, fs)
	fs.frame("targeting_sync_request", 0)

	fs.dropConns()
	// Channels are re-announced and the swap is synced again.
	sub := decodeData(t, fs.frame(transport.TypeSubscribe, 1))
	if sub["channel"] != "swap_targeting:S1" {
		t.Fatalf("unexpected subscribe frame after reconnect: %v", sub)
	}
	req := decodeData(t, fs.frame("targeting_sync_request", 1))
	if req["swapId"] != "S1" {
		t.Fatalf("unexpected sync request after reconnect: %v", req)
	}
	waitFor(t, svc.Transport().IsConnected, "reconnect")
}

func TestHealthDegradedWhileDisconnected(t *testing.T) {
	svc, err := New(testConfig("ws://127.0.0.1:1/rt"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer svc.Close()

	h := svc.GetHealthCheck()
	if h.Status != StatusDegraded || h.Connected {
		t.Fatalf("expected degraded disconnected service, got %+v", h)
	}
}

func TestHealthDegradedWhenQueueBacksUp(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig("ws" + strings.TrimPrefix(fs.URL, "http"))
	cfg.Health.DegradedQueueSize = 2
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer svc.Close()

	for i := 0; i < 3; i++ {
		svc.Queue().Enqueue("ping", nil, queue.PriorityNormal)
	}
	if h := svc.GetHealthCheck(); h.Status != StatusDegraded || h.MessageQueue.QueueSize != 3 {
		t.Fatalf("expected degraded with 3 queued, got %+v", h)
	}
}

func TestHealthThresholdIsInclusive(t *testing.T) {
	if degraded(true, 99, 100) {
		t.Fatal("expected healthy below the threshold")
	}
	if !degraded(true, 100, 100) {
		t.Fatal("expected degraded at the threshold")
	}
	if !degraded(false, 0, 100) {
		t.Fatal("expected degraded while disconnected")
	}

	// With the defaults the queue caps at the threshold, so a saturated
	// queue must still read as degraded.
	svc, err := New(testConfig("ws://127.0.0.1:1/rt"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer svc.Close()
	for i := 0; i < 150; i++ {
		svc.Queue().Enqueue("ping", nil, queue.PriorityNormal)
	}
	q := svc.Queue().Stats()
	if q.QueueSize != svc.Config().Queue.MaxSize {
		t.Fatalf("expected queue capped at %d, got %d", svc.Config().Queue.MaxSize, q.QueueSize)
	}
	if !degraded(true, q.QueueSize, svc.Config().Health.DegradedQueueSize) {
		t.Fatalf("full queue of %d not degraded with threshold %d", q.QueueSize, svc.Config().Health.DegradedQueueSize)
	}
}

func TestSetSubscriptions(t *testing.T) {
	svc, err := New(testConfig("ws://127.0.0.1:1/rt"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer svc.Close()

	svc.SubscribeToSwapTargeting("S1", "S2")
	added, removed := svc.SetSubscriptions([]string{"S2", "S3", ""})
	if len(added) != 1 || added[0] != "S3" {
		t.Fatalf("unexpected added: %v", added)
	}
	if len(removed) != 1 || removed[0] != "S1" {
		t.Fatalf("unexpected removed: %v", removed)
	}
	got := svc.Subscriptions()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "S2" || got[1] != "S3" {
		t.Fatalf("unexpected subscriptions: %v", got)
	}

	svc.UnsubscribeFromSwapTargeting("S2")
	if got := svc.Subscriptions(); len(got) != 1 || got[0] != "S3" {
		t.Fatalf("unexpected subscriptions after unsubscribe: %v", got)
	}
}

func TestRegisterMetrics(t *testing.T) {
	svc, err := New(testConfig("ws://127.0.0.1:1/rt"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer svc.Close()

	reg := prometheus.NewRegistry()
	if err := svc.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.Queue().Enqueue("ping", nil, queue.PriorityNormal)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	values := make(map[string]float64)
	for _, f := range families {
		m := f.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			values[f.GetName()] = g.GetValue()
		}
	}
	if values["swapsync_queue_size"] != 1 {
		t.Fatalf("expected queue size gauge of 1, got %v", values)
	}
	if values["swapsync_connected"] != 0 {
		t.Fatalf("expected disconnected gauge, got %v", values)
	}
	if err := svc.RegisterMetrics(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
