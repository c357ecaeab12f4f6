package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"raceroom/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// same policy as the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleStream handles GET /api/v1/stream
// Pushes user-visible messages and room updates over a websocket
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	messages, cancelMessages := h.notifier.Subscribe()
	defer cancelMessages()

	// a nil channel never fires
	var rooms <-chan models.Room
	if h.rooms != nil {
		updates, cancelRooms := h.rooms.Subscribe()
		defer cancelRooms()
		rooms = updates
	}

	// the reader only watches for the peer closing the connection
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	h.logger.Debug("Stream opened", zap.String("remote_addr", r.RemoteAddr))

	for {
		var frame StreamFrame
		select {
		case <-closed:
			h.logger.Debug("Stream closed by peer", zap.String("remote_addr", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case msg, ok := <-messages:
			if !ok {
				return
			}
			frame = StreamFrame{Type: "message", Message: &msg}
		case update, ok := <-rooms:
			if !ok {
				return
			}
			room := NewRoomResponse(update)
			frame = StreamFrame{Type: "room", Room: &room}
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("Stream write failed", zap.Error(err))
			return
		}
	}
}
