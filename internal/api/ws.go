package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only engine telemetry; origin checks belong to the
	// deployment's proxy layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventFeed streams engine events over a websocket. The optional
// "types" query parameter narrows the subscription to a comma-separated
// list of event types.
func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.respondError(w, apperrors.New(apperrors.ErrorCodeServiceUnavailable, "event feed is not enabled"))
		return
	}

	var eventTypes []events.EventType
	for _, raw := range splitParam(r.URL.Query().Get("types")) {
		eventTypes = append(eventTypes, events.EventType(raw))
	}

	sub, err := s.bus.Subscribe(eventTypes...)
	if err != nil {
		s.respondError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.bus.Unsubscribe(sub.ID)
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.logger.Debug("event feed client connected", "subscription", sub.ID)
	go s.drainClient(conn)
	s.streamEvents(conn, sub)
}

// drainClient consumes client frames so pong handling works and closed
// connections are noticed.
func (s *Server) drainClient(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) streamEvents(conn *websocket.Conn, sub *events.Subscription) {
	defer func() {
		s.bus.Unsubscribe(sub.ID)
		_ = conn.Close()
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("event feed client dropped", "subscription", sub.ID, "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
