package connection

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mediarelay/relay/internal/v1/config"
	"github.com/mediarelay/relay/internal/v1/logging"
	"github.com/mediarelay/relay/internal/v1/metrics"
	"github.com/mediarelay/relay/internal/v1/room"
	"github.com/mediarelay/relay/internal/v1/types"
	"go.uber.org/zap"
)

// SessionRateLimiter is the subset of ratelimit.RateLimiter the hub needs,
// narrowed to an interface so this package doesn't import ratelimit's
// HTTP-surface machinery.
type SessionRateLimiter interface {
	CheckWebSocketUser(ctx context.Context, userID string) error
	CheckSessionMessage(ctx context.Context, sessionID string) bool
	CheckRoomCreation(ctx context.Context, ip string) bool
}

// Hub is the process-wide session table and connection supervisor
// (spec.md §4.1, §9 "global mutable state" — owned state of a single root
// object, never an ambient global).
type Hub struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*Session

	registry    *room.Registry
	validator   types.TokenValidator
	blockedIPs  types.BlockedIPStore
	auditSink   types.AuditSink
	rateLimiter SessionRateLimiter
	cfg         *config.Config

	allowedOrigins []string
}

// NewHub builds a Hub and its embedded room registry. blockedIPs,
// auditSink, and rateLimiter may be nil in tests; nil is treated as
// "capability absent", matching the injected-collaborator contract
// spec.md §1 describes.
func NewHub(cfg *config.Config, validator types.TokenValidator, blockedIPs types.BlockedIPStore, auditSink types.AuditSink, rateLimiter SessionRateLimiter) *Hub {
	h := &Hub{
		sessions:       make(map[types.SessionID]*Session),
		validator:      validator,
		blockedIPs:     blockedIPs,
		auditSink:      auditSink,
		rateLimiter:    rateLimiter,
		cfg:            cfg,
		allowedOrigins: strings.Split(cfg.AllowedOrigins, ","),
	}
	h.registry = room.NewRegistry(h.lookup, auditSink)
	return h
}

// lookup implements room.Lookup against the hub's session table.
func (h *Hub) lookup(id types.SessionID) (room.Sender, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, false
	}
	return s, true
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	metrics.IncConnection()
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()
	metrics.DecConnection()
}

func (h *Hub) audit(ctx context.Context, eventType string, username types.Username, sessionID types.SessionID, ip, details string, severity types.Severity) {
	if h.auditSink == nil {
		return
	}
	h.auditSink.Emit(ctx, types.AuditEvent{
		EventType: eventType,
		Username:  username,
		SessionID: sessionID,
		IPAddress: ip,
		Details:   details,
		Severity:  severity,
		CreatedAt: time.Now(),
	})
}

// ServeWs implements the connection supervisor's admission sequence
// (spec.md §4.1 steps 1-6): resolve IP, consult the IP throttle
// synchronously, read and validate the bearer token, validate origin,
// upgrade, register the session, and emit `connected`.
func (h *Hub) ServeWs(c *gin.Context) {
	ip := resolveRemoteIP(c.Request)

	if h.blockedIPs != nil && h.blockedIPs.IsBlockedSync(ip) {
		h.audit(c.Request.Context(), types.EventConnectionBlocked, "", "", ip, "ip blocked at admission", types.SeverityWarn)
		c.JSON(http.StatusForbidden, gin.H{"code": types.ErrRateIPBlocked, "message": "blocked"})
		return
	}

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": types.ErrAuthMissingToken, "message": "missing token"})
		return
	}

	identity, err := h.validator.Validate(c.Request.Context(), token)
	if err != nil {
		h.audit(c.Request.Context(), types.EventInvalidToken, "", "", ip, err.Error(), types.SeverityWarn)
		if h.blockedIPs != nil {
			_ = h.blockedIPs.RecordFailedAuth(c.Request.Context(), ip)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"code": types.ErrAuthInvalidToken, "message": "invalid token"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "connection: websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(types.SessionID(uuid.NewString()), identity, ip, conn, h.cfg.OutboundQueueSz)
	h.register(session)

	session.SendJSON(map[string]any{
		"type":      "connected",
		"sessionId": string(session.ID),
		"username":  string(identity.Username),
		"message":   "connected",
		"role":      "pending",
	})
	h.audit(c.Request.Context(), types.EventSessionConnected, identity.Username, session.ID, ip, "", types.SeverityInfo)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump(session)
	}()
	go func() {
		defer wg.Done()
		h.readPump(session)
	}()
	wg.Wait()

	h.teardown(session)
}

// teardown implements spec.md §4.1 step 8: detach from any room, drop the
// session from the table, and audit disconnection.
func (h *Hub) teardown(s *Session) {
	roomID, _ := s.currentRoom()
	if roomID != "" {
		if r, ok := h.registry.Get(roomID); ok {
			result := r.Detach(context.Background(), s.ID)
			if result.WasPresenter {
				h.registry.Delete(roomID)
			}
		}
	}
	h.unregister(s)
	h.audit(context.Background(), types.EventSessionDisconnected, s.Identity.Username, s.ID, s.RemoteIP, "", types.SeverityInfo)
}

// resolveRemoteIP honors X-Forwarded-For only when present, defaulting to
// the socket peer (spec.md §4.1 step 1).
func resolveRemoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// ReapIdle closes every session that has been silent for longer than
// idleTimeout (spec.md §5, "idle connections are reaped after 60 minutes").
func (h *Hub) ReapIdle(idleTimeout time.Duration) {
	h.mu.RLock()
	var stale []*Session
	for _, s := range h.sessions {
		if s.idleSince() > idleTimeout {
			stale = append(stale, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stale {
		_ = s.conn.Close()
	}
}

// RunIdleReaper starts a background sweep that calls ReapIdle on a fixed
// cadence until ctx is cancelled.
func (h *Hub) RunIdleReaper(ctx context.Context, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ReapIdle(idleTimeout)
		}
	}
}

// Shutdown closes every live session, used on graceful server shutdown.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.SendJSON(map[string]any{"type": "error", "code": types.ErrSrvUnavailable, "message": "server shutting down", "action": "close"})
		_ = s.conn.Close()
	}
}
