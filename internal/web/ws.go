package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The wake-secret gate runs before the upgrade; origin checks add
	// nothing for a local operator API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams node events over a websocket. Slow consumers miss
// events rather than stalling the node; the bus drops, never blocks.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.wakeAuthorized(r) {
		writeError(w, http.StatusForbidden, CodeNotAuthorized, "wake secret mismatch")
		return
	}

	// Subscribe before the upgrade so events published the moment the
	// handshake completes are already buffered.
	stream, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// We expect nothing from the client, but reading is what notices a
	// vanished peer.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
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
		case evt, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
