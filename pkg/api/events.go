package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEventsWS streams hub notifications. ?swap=<id> limits the stream to
// one swap; connection notifications are always sent.
func (s *Server) HandleEventsWS(w http.ResponseWriter, r *http.Request) {
	swapFilter := r.URL.Query().Get("swap")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	id, events := s.svc.Events()
	defer s.svc.StopEvents(id)

	health := s.svc.GetHealthCheck()
	if err := s.writeFrame(conn, StreamMessage{Type: "init", Health: &health}); err != nil {
		return
	}

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debugf("event stream read error: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if swapFilter != "" && n.SwapID != "" && n.SwapID != swapFilter {
				continue
			}
			if err := s.writeFrame(conn, StreamMessage{Type: "notification", Notification: &n}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		logger.Debugf("event stream write error: %v", err)
		return err
	}
	return nil
}
