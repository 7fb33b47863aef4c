package connection

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mediarelay/relay/internal/v1/logging"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// readPump implements spec.md §4.1 step 7's inbound loop: read frames,
// rate-limit, dispatch text frames to the command handler and binary
// frames to the relay. It returns when the peer closes or a fatal error
// occurs; it never panics the connection's own session state into another
// session (spec.md §4.1, "Failure semantics").
func (h *Hub) readPump(s *Session) {
	defer s.close()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		if h.rateLimiter != nil && !h.rateLimiter.CheckSessionMessage(context.Background(), string(s.ID)) {
			s.SendJSON(map[string]any{"type": "error", "code": "RATE_001", "message": "message rate exceeded"})
			continue
		}

		switch messageType {
		case websocket.TextMessage:
			h.dispatchCommand(s, data)
		case websocket.BinaryMessage:
			h.dispatchBinary(s, data)
		default:
			// Ping/pong/close control frames are handled by gorilla internally.
		}
	}
}

// writePump implements spec.md §4.1 step 7's outbound loop: drain the
// session's outbound queue onto the wire until it's closed.
func (h *Hub) writePump(s *Session) {
	defer func() { _ = s.conn.Close() }()

	for frame := range s.outbound {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(frame.messageType, frame.data); err != nil {
			logging.Warn(context.Background(), "connection: write failed", zap.String("session", string(s.ID)), zap.Error(err))
			return
		}
	}
	_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
