// Package audit implements types.AuditSink: structured, PII-masked audit
// logging for security-relevant events (spec.md §6), with an optional
// best-effort republish onto the Redis bus for out-of-process collectors.
package audit

import (
	"context"
	"encoding/json"

	"github.com/mediarelay/relay/internal/v1/bus"
	"github.com/mediarelay/relay/internal/v1/logging"
	"github.com/mediarelay/relay/internal/v1/types"
	"go.uber.org/zap"
)

const auditChannelRoomID = "audit"

// Sink writes audit events through the shared zap logger and, when a bus
// is configured, republishes them so a separate collector process can
// subscribe without coupling to this instance's log files.
type Sink struct {
	bus *bus.Service
}

// NewSink builds a Sink. redisSvc may be nil to log only.
func NewSink(redisSvc *bus.Service) *Sink {
	return &Sink{bus: redisSvc}
}

// Emit logs event at the level its Severity maps to and, if a bus is
// configured, republishes a masked copy. Emit never returns an error:
// audit logging degrades gracefully rather than interrupting the caller's
// request path, mirroring bus.Service's own graceful-degradation stance.
func (s *Sink) Emit(ctx context.Context, event types.AuditEvent) {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("username", MaskUsername(string(event.Username))),
		zap.String("session_id", MaskSessionID(string(event.SessionID))),
		zap.String("room_id", string(event.RoomID)),
		zap.String("ip_address", event.IPAddress),
		zap.String("details", event.Details),
	}

	logger := logging.GetLogger()
	switch event.Severity {
	case types.SeverityDebug:
		logger.Debug("audit", fields...)
	case types.SeverityWarn:
		logger.Warn("audit", fields...)
	case types.SeverityError, types.SeverityCritical:
		logger.Error("audit", fields...)
	default:
		logger.Info("audit", fields...)
	}

	if s.bus == nil {
		return
	}

	masked := event
	masked.Username = types.Username(MaskUsername(string(event.Username)))
	masked.SessionID = types.SessionID(MaskSessionID(string(event.SessionID)))

	payload, err := json.Marshal(masked)
	if err != nil {
		return
	}
	_ = s.bus.Publish(ctx, auditChannelRoomID, event.EventType, payload, "audit")
}

// MaskUsername renders name as its first two and last two characters with
// the middle replaced by "***", so audit logs remain useful for pattern
// matching without exposing the full identity (spec.md §6).
func MaskUsername(name string) string {
	if name == "" {
		return ""
	}
	r := []rune(name)
	if len(r) <= 4 {
		return "***"
	}
	return string(r[:2]) + "***" + string(r[len(r)-2:])
}

// MaskSessionID truncates a session id to its first 8 characters, enough
// to correlate log lines without printing the full server-generated id.
func MaskSessionID(id string) string {
	r := []rune(id)
	if len(r) <= 8 {
		return string(r)
	}
	return string(r[:8])
}
