// Package transport maintains the WebSocket connection to the realtime
// server.
//
// A Transport dials the server with a bearer token, dispatches every inbound
// frame to the handlers registered for its type, and keeps the link alive:
// heartbeats while connected, and an exponential backoff reconnect loop after
// an unexpected close. Handlers run on the single read goroutine, one frame
// at a time, in arrival order. Outbound sends are immediate and best effort;
// buffering during outages is the caller's job (see package queue).
//
// Example:
//
//	t := transport.New(transport.Config{URL: "wss://example.com/realtime", Token: tok})
//	t.On("targeting_created", func(env transport.Envelope) { ... })
//	if err := t.Connect(ctx); err != nil { ... }
//	defer t.Disconnect()
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/realtime"
)

// Wildcard registers a handler for every inbound frame.
const Wildcard = "*"

// Frame types sent by the transport itself.
const (
	TypeHeartbeat   = "heartbeat"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("transport: not connected")

// ConnectionError reports that Connect gave up.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connect to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Config controls dialing, reconnects and heartbeats. Zero values are
// replaced with the defaults below.
type Config struct {
	URL               string
	Token             string
	BaseDelay         time.Duration // default 1s
	MaxDelay          time.Duration // default 30s
	HeartbeatInterval time.Duration // default 30s
	HandshakeTimeout  time.Duration // default 15s
	WriteTimeout      time.Duration // default 5s
	ConnectAttempts   int           // default 5
	Compression       bool

	// Hub receives lifecycle notifications. May be nil.
	Hub *realtime.Hub
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
}

// Handler receives inbound frames.
type Handler func(Envelope)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// Stats is a point-in-time view of the connection.
type Stats struct {
	Connected         bool      `json:"connected"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Reconnects        int       `json:"reconnects"`
	ConnectedAt       time.Time `json:"connected_at,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
}

// Transport is a reconnecting WebSocket client. It is safe for concurrent use.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *log.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	closing     bool
	attempts    int
	reconnects  int
	connectedAt time.Time
	lastErr     error
	channels    map[string]struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	onConnect   []func()

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string][]registration
	nextID   HandlerID
}

// New returns a disconnected Transport.
func New(cfg Config) *Transport {
	cfg.setDefaults()
	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:             websocket.DefaultDialer.Proxy,
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: cfg.Compression,
		},
		logger:   log.ForService("transport"),
		channels: make(map[string]struct{}),
		handlers: make(map[string][]registration),
	}
}

// Backoff returns the reconnect delay before the given attempt (0-based):
// base * 2^attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// Connect dials the server, retrying with backoff up to ConnectAttempts
// times. ctx bounds the dial attempts only; the connection and its
// reconnect loop live until Disconnect.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.closing = false
	if t.cancel != nil {
		t.cancel()
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	session := t.ctx
	t.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < t.cfg.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(t.cfg.BaseDelay, t.cfg.MaxDelay, attempt-1)
			t.logger.Warnf("connect failed (%v), retrying in %s", lastErr, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &ConnectionError{URL: t.cfg.URL, Attempts: attempt, Err: ctx.Err()}
			case <-session.Done():
				return &ConnectionError{URL: t.cfg.URL, Attempts: attempt, Err: context.Canceled}
			}
		}
		conn, err := t.dial(ctx)
		if err == nil {
			if t.attach(session, conn) {
				return nil
			}
			return &ConnectionError{URL: t.cfg.URL, Attempts: attempt + 1, Err: context.Canceled}
		}
		lastErr = err
		t.setLastErr(err)
	}
	t.publish(realtime.Notification{Kind: realtime.KindError, Error: lastErr.Error()})
	return &ConnectionError{URL: t.cfg.URL, Attempts: t.cfg.ConnectAttempts, Err: lastErr}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	conn, resp, err := t.dialer.DialContext(dialCtx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

// attach installs conn as the live connection and starts its loops. It
// returns false if the session was closed while dialing.
func (t *Transport) attach(session context.Context, conn *websocket.Conn) bool {
	t.mu.Lock()
	if t.closing || session.Err() != nil {
		t.mu.Unlock()
		_ = conn.Close()
		return false
	}
	wasReconnect := t.attempts > 0
	t.conn = conn
	t.attempts = 0
	t.connectedAt = time.Now()
	if wasReconnect {
		t.reconnects++
	}
	channels := t.sortedChannels()
	hooks := append([]func(){}, t.onConnect...)
	t.mu.Unlock()

	t.logger.Infof("connected to %s", t.cfg.URL)
	go t.readLoop(session, conn)
	go t.heartbeatLoop(session, conn)

	for _, ch := range channels {
		if err := t.Send(TypeSubscribe, map[string]string{"channel": ch}); err != nil {
			t.logger.Warnf("re-join %s: %v", ch, err)
		}
	}
	t.publish(realtime.Notification{Kind: realtime.KindConnected})
	for _, fn := range hooks {
		fn()
	}
	return true
}

// Disconnect closes the connection and stops reconnecting. Safe to call
// multiple times.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.closing = true
	if t.cancel != nil {
		t.cancel()
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return
	}
	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	_ = conn.Close()

	t.logger.Infof("disconnected")
	t.publish(realtime.Notification{Kind: realtime.KindDisconnected})
}

// IsConnected reports whether a connection is established.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// ReconnectAttempts returns the number of failed reconnect attempts since the
// last successful connection.
func (t *Transport) ReconnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Stats returns connection statistics.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Connected:         t.conn != nil,
		ReconnectAttempts: t.attempts,
		Reconnects:        t.reconnects,
		ConnectedAt:       t.connectedAt,
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}

// OnConnect registers fn to run after every successful (re)connect, once
// joined channels have been re-announced.
func (t *Transport) OnConnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = append(t.onConnect, fn)
}

// Send writes a single frame. It fails with ErrNotConnected while offline.
func (t *Transport) Send(eventType string, payload any) error {
	return t.SendMessage("", eventType, payload)
}

// SendMessage is Send with a message id recorded in the frame metadata.
func (t *Transport) SendMessage(messageID, eventType string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := NewEnvelope(eventType, payload, time.Now())
	if err != nil {
		return err
	}
	env.Metadata.MessageID = messageID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("send %s: %w", eventType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// Closing makes the read loop notice and start reconnecting.
		_ = conn.Close()
		return fmt.Errorf("send %s: %w", eventType, err)
	}
	return nil
}

// On registers fn for frames of eventType, or every frame for Wildcard.
func (t *Transport) On(eventType string, fn Handler) HandlerID {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	t.nextID++
	t.handlers[eventType] = append(t.handlers[eventType], registration{id: t.nextID, fn: fn})
	return t.nextID
}

// Off removes a registration. Unknown ids are ignored.
func (t *Transport) Off(id HandlerID) {
	t.hmu.Lock()
	defer t.hmu.Unlock()
	for typ, regs := range t.handlers {
		for i, r := range regs {
			if r.id == id {
				t.handlers[typ] = append(regs[:i:i], regs[i+1:]...)
				if len(t.handlers[typ]) == 0 {
					delete(t.handlers, typ)
				}
				return
			}
		}
	}
}

// Join subscribes to logical channels. Channels stay joined across reconnects.
func (t *Transport) Join(channels ...string) {
	t.updateChannels(TypeSubscribe, channels, func(ch string) bool {
		if _, ok := t.channels[ch]; ok {
			return false
		}
		t.channels[ch] = struct{}{}
		return true
	})
}

// Leave unsubscribes from logical channels.
func (t *Transport) Leave(channels ...string) {
	t.updateChannels(TypeUnsubscribe, channels, func(ch string) bool {
		if _, ok := t.channels[ch]; !ok {
			return false
		}
		delete(t.channels, ch)
		return true
	})
}

func (t *Transport) updateChannels(frame string, channels []string, apply func(string) bool) {
	t.mu.Lock()
	var changed []string
	for _, ch := range channels {
		if apply(ch) {
			changed = append(changed, ch)
		}
	}
	connected := t.conn != nil
	t.mu.Unlock()

	if !connected {
		return
	}
	for _, ch := range changed {
		if err := t.Send(frame, map[string]string{"channel": ch}); err != nil {
			t.logger.Warnf("%s %s: %v", frame, ch, err)
		}
	}
}

// Channels returns the joined channels, sorted.
func (t *Transport) Channels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedChannels()
}

func (t *Transport) sortedChannels() []string {
	out := make([]string, 0, len(t.channels))
	for ch := range t.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (t *Transport) readLoop(session context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(session, conn, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warnf("dropping malformed frame: %v", err)
			t.publish(realtime.Notification{Kind: realtime.KindError, Error: err.Error()})
			continue
		}
		if env.Type == "" {
			t.logger.Warnf("dropping frame without type")
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) dispatch(env Envelope) {
	t.hmu.RLock()
	regs := make([]registration, 0, len(t.handlers[env.Type])+len(t.handlers[Wildcard]))
	regs = append(regs, t.handlers[env.Type]...)
	regs = append(regs, t.handlers[Wildcard]...)
	t.hmu.RUnlock()

	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })
	for _, r := range regs {
		r.fn(env)
	}
}

func (t *Transport) handleClose(session context.Context, conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		// Already replaced or explicitly disconnected.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.lastErr = cause
	closing := t.closing
	t.mu.Unlock()
	_ = conn.Close()

	if closing || session.Err() != nil {
		return
	}
	t.logger.Warnf("connection lost: %v", cause)
	t.publish(realtime.Notification{Kind: realtime.KindDisconnected, Error: cause.Error()})
	go t.reconnectLoop(session)
}

func (t *Transport) reconnectLoop(session context.Context) {
	for {
		t.mu.Lock()
		if t.closing {
			t.mu.Unlock()
			return
		}
		attempt := t.attempts
		t.attempts++
		t.mu.Unlock()

		delay := Backoff(t.cfg.BaseDelay, t.cfg.MaxDelay, attempt)
		t.logger.Infof("reconnecting in %s (attempt %d)", delay, attempt+1)
		t.publish(realtime.Notification{Kind: realtime.KindReconnecting, Attempt: attempt + 1, Delay: delay})

		select {
		case <-time.After(delay):
		case <-session.Done():
			return
		}

		conn, err := t.dial(session)
		if err != nil {
			t.setLastErr(err)
			t.logger.Debugf("reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}
		t.attach(session, conn)
		return
	}
}

func (t *Transport) heartbeatLoop(session context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			current := t.conn == conn
			t.mu.Unlock()
			if !current {
				return
			}
			if err := t.Send(TypeHeartbeat, map[string]int64{"timestamp": now.UnixMilli()}); err != nil {
				t.logger.Debugf("heartbeat: %v", err)
			}
		}
	}
}

func (t *Transport) setLastErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Transport) publish(n realtime.Notification) {
	t.cfg.Hub.Publish(n)
}
