package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rubiojr/swapsync/pkg/config"
	"github.com/rubiojr/swapsync/pkg/queue"
	"github.com/rubiojr/swapsync/pkg/realtime"
	"github.com/rubiojr/swapsync/pkg/swapsync"
	"github.com/rubiojr/swapsync/pkg/targeting"
)

// setupTestAPIServer serves a service that never connects, with one
// incoming target on S1.
func setupTestAPIServer(t *testing.T) (*swapsync.Service, *httptest.Server) {
	t.Helper()
	svc, err := swapsync.New(&config.Config{ServerURL: "ws://127.0.0.1:1/realtime"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	err = svc.Store().UpsertIncomingTarget("S1", targeting.Target{
		TargetID:     "T1",
		SourceSwapID: "S9",
		TargetSwapID: "S1",
		Status:       targeting.StatusActive,
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	reg := prometheus.NewRegistry()
	if err := svc.RegisterMetrics(reg); err != nil {
		t.Fatalf("register metrics: %v", err)
	}
	ts := httptest.NewServer(NewServer(svc, reg))
	t.Cleanup(ts.Close)
	return svc, ts
}

func getJSON(t *testing.T, u string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: expected %d, got %d: %s", u, wantStatus, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", u, err)
		}
	}
}

func TestHealthReportsDegradedWhileDisconnected(t *testing.T) {
	_, ts := setupTestAPIServer(t)

	var health swapsync.Health
	getJSON(t, ts.URL+"/health", http.StatusServiceUnavailable, &health)
	if health.Status != swapsync.StatusDegraded || health.Connected {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestTargetingEndpoint(t *testing.T) {
	_, ts := setupTestAPIServer(t)

	var st targeting.SwapTargeting
	getJSON(t, ts.URL+"/api/targeting/S1", http.StatusOK, &st)
	if st.SwapID != "S1" || len(st.IncomingTargets) != 1 || st.IncomingTargets[0].TargetID != "T1" {
		t.Fatalf("unexpected targeting state: %+v", st)
	}

	var apiErr ErrorResponse
	getJSON(t, ts.URL+"/api/targeting/nope", http.StatusNotFound, &apiErr)
	if apiErr.Error != "Swap not found" {
		t.Fatalf("unexpected error body: %+v", apiErr)
	}
}

func TestListSwapsAndMarkRead(t *testing.T) {
	svc, ts := setupTestAPIServer(t)

	var swaps SwapsResponse
	getJSON(t, ts.URL+"/api/swaps", http.StatusOK, &swaps)
	if swaps.Count != 1 || swaps.Swaps[0] != "S1" || swaps.UnreadCount != 1 {
		t.Fatalf("unexpected swaps response: %+v", swaps)
	}

	resp, err := http.Post(ts.URL+"/api/targeting/read", "application/json", nil)
	if err != nil {
		t.Fatalf("POST read: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if svc.Store().GetUnreadCount() != 0 {
		t.Fatalf("expected unread count reset")
	}
}

func TestQueueAndOptimisticEndpoints(t *testing.T) {
	svc, ts := setupTestAPIServer(t)

	if _, err := svc.AcceptTarget("S1", "T1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var q QueueResponse
	getJSON(t, ts.URL+"/api/queue", http.StatusOK, &q)
	if q.Stats.QueueSize != 1 || len(q.Messages) != 1 || q.Messages[0].Type != "accept_target" {
		t.Fatalf("unexpected queue response: %+v", q)
	}
	if q.Messages[0].Priority != queue.PriorityCritical {
		t.Fatalf("expected critical priority, got %s", q.Messages[0].Priority)
	}

	var o OptimisticResponse
	getJSON(t, ts.URL+"/api/optimistic", http.StatusOK, &o)
	if len(o.Pending) != 1 || o.Pending[0].TargetID != "T1" || o.Stats.Applied != 1 {
		t.Fatalf("unexpected optimistic response: %+v", o)
	}

	var m swapsync.Metrics
	getJSON(t, ts.URL+"/api/metrics", http.StatusOK, &m)
	if m.Queue.QueueSize != 1 || m.Optimistic.Applied != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	_, ts := setupTestAPIServer(t)

	getJSON(t, ts.URL+"/api/swaps", http.StatusOK, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`swapsync_http_requests_total{endpoint="/api/swaps",method="GET",status="200"} 1`,
		"swapsync_connected 0",
		"swapsync_unread_count 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestEventStream(t *testing.T) {
	svc, ts := setupTestAPIServer(t)

	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/api/events/ws"
	u.RawQuery = "swap=S1"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var init StreamMessage
	if err := conn.ReadJSON(&init); err != nil {
		t.Fatalf("read init: %v", err)
	}
	if init.Type != "init" || init.Health == nil || init.Health.Status != swapsync.StatusDegraded {
		t.Fatalf("unexpected init frame: %+v", init)
	}

	svc.Hub().Publish(realtime.Notification{Kind: realtime.KindStateChanged, SwapID: "S2"})
	svc.Hub().Publish(realtime.Notification{Kind: realtime.KindStateChanged, SwapID: "S1", TargetID: "T1"})

	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if msg.Type != "notification" || msg.Notification == nil {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	if msg.Notification.SwapID != "S1" || msg.Notification.TargetID != "T1" {
		t.Fatalf("expected the S1 notification only, got %+v", msg.Notification)
	}
}
