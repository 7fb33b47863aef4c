// Package connection implements the connection supervisor (spec.md §4.1):
// per-connection session lifecycle, the read/write pumps, and the command
// protocol dispatcher (spec.md §4.2) that bridges inbound frames to the
// room package's state machine.
package connection

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mediarelay/relay/internal/v1/metrics"
	"github.com/mediarelay/relay/internal/v1/room"
	"github.com/mediarelay/relay/internal/v1/types"
)

// wsConn is the subset of *websocket.Conn the Session needs, narrowed so
// tests can substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
}

// Session is a single live duplex connection (spec.md §3, "Session").
// Exclusively owned by its own readPump/writePump pair; every other
// component interacts with it only through SendJSON/SendBinary.
type Session struct {
	ID       types.SessionID
	Identity types.Identity
	RemoteIP string

	conn wsConn

	mu         sync.RWMutex
	state      types.ConnState
	roomID     types.RoomID
	roleInRoom types.Role

	outbound  chan wsFrame
	closeOnce sync.Once
	lastSeen  time.Time
}

type wsFrame struct {
	messageType int
	data        []byte
}

func newSession(id types.SessionID, identity types.Identity, remoteIP string, conn wsConn, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Session{
		ID:       id,
		Identity: identity,
		RemoteIP: remoteIP,
		conn:     conn,
		state:    types.ConnAuthenticated,
		outbound: make(chan wsFrame, queueSize),
		lastSeen: time.Now(),
	}
}

// SendJSON marshals frame and enqueues it as a text frame, non-blocking.
// Implements room.Sender.
func (s *Session) SendJSON(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("connection: marshal outbound frame failed", "session", s.ID, "error", err)
		return false
	}
	return s.enqueue(wsFrame{messageType: websocket.TextMessage, data: data})
}

// SendBinary enqueues data as a binary frame, non-blocking. Implements
// room.Sender.
func (s *Session) SendBinary(data []byte) bool {
	return s.enqueue(wsFrame{messageType: websocket.BinaryMessage, data: data})
}

// enqueue is the single non-blocking backpressure point spec.md §5 calls
// out: a full outbound queue drops the frame for this session only, never
// blocking the caller.
func (s *Session) enqueue(f wsFrame) bool {
	select {
	case s.outbound <- f:
		metrics.OutboundQueueDepth.WithLabelValues(string(s.ID)).Set(float64(len(s.outbound)))
		return true
	default:
		return false
	}
}

func (s *Session) setRoom(roomID types.RoomID, role types.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.roleInRoom = role
	s.state = types.ConnInRoom
}

func (s *Session) clearRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = ""
	s.roleInRoom = types.RoleNone
}

func (s *Session) currentRoom() (types.RoomID, types.Role) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID, s.roleInRoom
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

func (s *Session) idleSince() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastSeen)
}

// close closes the outbound queue, which lets writePump drain it and then
// close the underlying connection. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.outbound)
	})
}

var _ room.Sender = (*Session)(nil)
