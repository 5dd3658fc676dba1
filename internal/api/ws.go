package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsEventBuffer is the per-client bus subscription buffer. A client
	// that falls this far behind starts missing events instead of
	// blocking the bridge.
	wsEventBuffer = 64

	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// The bridge serves LAN dashboards; the event stream carries no
// secrets, so cross-origin dashboards may connect.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and streams bus events as JSON, one
// event per message, until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Bus.Subscribe(wsEventBuffer)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)
	defer s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)

	// Reader goroutine: the client sends nothing we care about, but
	// reading is what surfaces close frames and pong responses.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
