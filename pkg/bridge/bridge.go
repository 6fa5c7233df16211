// Package bridge fans hub notifications out to other local processes over a
// Unix domain socket.
//
// Protocol:
//   - Newline delimited JSON (NDJSON), one object per line
//   - Frame types:
//     { "type":"notification", "notification":{ "kind":"state_changed", "swap_id":"...", ... } }
//     { "type":"heartbeat", "ts":"RFC3339Nano" }
//     { "type":"info", "message":"..." } (on shutdown)
//
// The bridge is one-way. Writes are best-effort: a consumer whose write
// fails or stalls past the write deadline is dropped, and inbound data is
// ignored. There is no replay; consumers read current state from the status
// API after (re)connecting. The socket has no authentication and relies on
// filesystem permissions.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rubiojr/swapsync/pkg/log"
	"github.com/rubiojr/swapsync/pkg/realtime"
)

const (
	FrameNotification = "notification"
	FrameHeartbeat    = "heartbeat"
	FrameInfo         = "info"

	defaultHeartbeat = 30 * time.Second
	writeDeadline    = 2 * time.Second
)

var logger = log.ForService("bridge")

// Frame is one NDJSON line.
type Frame struct {
	Type         string                 `json:"type"`
	Notification *realtime.Notification `json:"notification,omitempty"`
	TS           string                 `json:"ts,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

type Bridge struct {
	path      string
	heartbeat time.Duration

	ln        net.Listener
	mu        sync.RWMutex
	conns     map[net.Conn]struct{}
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	running   bool
}

// New constructs (but does not start) a bridge on path. heartbeat <= 0
// uses 30s.
func New(path string, heartbeat time.Duration) *Bridge {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Bridge{
		path:      path,
		heartbeat: heartbeat,
		conns:     make(map[net.Conn]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on the socket and begins accepting consumers. Subsequent
// calls are ignored.
func (b *Bridge) Start() error {
	var err error
	b.startOnce.Do(func() {
		if b.path == "" {
			err = errors.New("bridge socket path is empty")
			return
		}

		// Remove a stale socket file left by a previous run.
		if st, statErr := os.Stat(b.path); statErr == nil && !st.IsDir() {
			_ = os.Remove(b.path)
		}

		ln, listenErr := net.Listen("unix", b.path)
		if listenErr != nil {
			err = fmt.Errorf("listen on unix socket %s: %w", b.path, listenErr)
			return
		}
		_ = os.Chmod(b.path, 0660)

		b.mu.Lock()
		b.ln = ln
		b.running = true
		b.mu.Unlock()

		go b.acceptLoop()
		go b.heartbeatLoop()
		logger.Infof("notification bridge listening on %s", b.path)
	})
	return err
}

// Forward broadcasts every hub notification until ctx is done, then stops
// the bridge.
func (b *Bridge) Forward(ctx context.Context, hub *realtime.Hub) {
	id, events := hub.Register()
	defer hub.Unregister(id)
	defer b.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = b.broadcast(Frame{Type: FrameInfo, Message: "shutting down"})
			return
		case <-b.stopCh:
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			_ = b.broadcast(Frame{Type: FrameNotification, Notification: &n})
		}
	}
}

// Consumers returns the number of connected consumers.
func (b *Bridge) Consumers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

func (b *Bridge) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			logger.Warnf("accept: %v", err)
			return
		}

		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()

		go b.drain(conn)
	}
}

// drain discards inbound data and forgets the consumer once it goes away.
func (b *Bridge) drain(c net.Conn) {
	sc := bufio.NewScanner(c)
	for sc.Scan() {
	}
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	_ = c.Close()
}

func (b *Bridge) heartbeatLoop() {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			_ = b.broadcast(Frame{Type: FrameHeartbeat, TS: now.UTC().Format(time.RFC3339Nano)})
		}
	}
}

// broadcast writes v as one line to every consumer. Failing consumers are
// closed and removed.
func (b *Bridge) broadcast(v Frame) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}

	for c := range b.conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeDeadline))
		if _, werr := c.Write(data); werr != nil {
			_ = c.Close()
			delete(b.conns, c)
		} else {
			_ = c.SetWriteDeadline(time.Time{})
		}
	}
	return nil
}

// Stop closes every consumer and removes the socket file. Safe to call
// multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)

		b.mu.Lock()
		if b.ln != nil {
			_ = b.ln.Close()
		}
		for c := range b.conns {
			_ = c.Close()
		}
		b.conns = make(map[net.Conn]struct{})
		wasRunning := b.running
		b.running = false
		b.mu.Unlock()

		if wasRunning {
			_ = os.Remove(b.path)
		}
	})
}
