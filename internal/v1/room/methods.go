package room

import (
	"context"
	"time"

	"github.com/mediarelay/relay/internal/v1/metrics"
	"github.com/mediarelay/relay/internal/v1/types"
)

// JoinResult tells the caller what happened so the connection package can
// update the session's role-within-room bookkeeping.
type JoinResult struct {
	Role    types.Role
	Pending bool
}

// Join implements join-room (spec.md §4.3.b): room existence, ban, and
// capacity checks, then password/access-code gating, then either the
// pending-approval path or direct admission.
func (r *Room) Join(ctx context.Context, sessionID types.SessionID, username types.Username, password, accessCode string) (JoinResult, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, banned := r.bannedSessionIDs[sessionID]; banned {
		r.auditLocked(ctx, types.EventRoomAccessDenied, username, sessionID, "banned session attempted rejoin", types.SeverityWarn)
		return JoinResult{}, types.ErrRoomBanned
	}

	if len(r.viewers) >= r.maxViewers {
		return JoinResult{}, types.ErrRoomFull
	}

	if !r.checkAccess(password, accessCode) {
		r.auditLocked(ctx, types.EventRoomAccessDenied, username, sessionID, "invalid password/access code", types.SeverityWarn)
		return JoinResult{}, types.ErrRoomWrongPassword
	}

	if r.requiresApproval {
		r.pendingViewers[sessionID] = &PendingRecord{SessionID: sessionID, Username: username, RequestedAt: time.Now()}
		metrics.PendingViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.pendingViewers)))

		r.sendLocked(sessionID, map[string]any{
			"type":    "waiting-approval",
			"roomId":  string(r.id),
			"message": "waiting for presenter approval",
		})
		r.sendPresenterLocked(map[string]any{
			"type":            "viewer-request",
			"viewerSessionId": string(sessionID),
			"viewerUsername":  string(username),
			"pendingCount":    len(r.pendingViewers),
		})
		return JoinResult{Role: types.RolePendingViewer, Pending: true}, ""
	}

	r.admitViewerLocked(ctx, sessionID, username)
	return JoinResult{Role: types.RoleViewer}, ""
}

// admitViewerLocked implements the viewer join sequence (spec.md §4.3.h).
// Caller must hold r.mu.
func (r *Room) admitViewerLocked(ctx context.Context, sessionID types.SessionID, username types.Username) {
	r.viewers[sessionID] = &ViewerRecord{SessionID: sessionID, Username: username, JoinedAt: time.Now()}
	metrics.ViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.viewers)))

	r.sendLocked(sessionID, map[string]any{
		"type":       "room-joined",
		"roomId":     string(r.id),
		"role":       "viewer",
		"viewerCount": len(r.viewers),
	})

	// Ordering is critical: the cached init segment must precede any
	// subsequently relayed frame for this joiner (spec.md §4.3.h, §4.4).
	if len(r.cachedInitSegment) > 0 {
		r.sendBinaryLocked(sessionID, r.cachedInitSegment)
	}

	r.sendPresenterLocked(map[string]any{"type": "viewer-count", "count": len(r.viewers)})
	r.auditLocked(ctx, types.EventRoomJoined, username, sessionID, "", types.SeverityInfo)
}

// Approve implements approve-viewer (spec.md §4.3.d). Only callable by the
// presenter — the caller (command dispatcher) is responsible for checking
// that the issuing session is r.PresenterSessionID() before calling this.
func (r *Room) Approve(ctx context.Context, viewerSessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.pendingViewers[viewerSessionID]
	if !ok {
		return false
	}
	delete(r.pendingViewers, viewerSessionID)
	metrics.PendingViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.pendingViewers)))

	r.admitViewerLocked(ctx, viewerSessionID, pending.Username)
	r.sendPresenterLocked(map[string]any{
		"type":            "viewer-approved",
		"viewerSessionId": string(viewerSessionID),
		"pendingCount":    len(r.pendingViewers),
	})
	r.auditLocked(ctx, types.EventViewerApproved, pending.Username, viewerSessionID, "", types.SeverityInfo)
	return true
}

// Deny implements deny-viewer (spec.md §4.3.e).
func (r *Room) Deny(ctx context.Context, viewerSessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.pendingViewers[viewerSessionID]
	if !ok {
		return false
	}
	delete(r.pendingViewers, viewerSessionID)
	metrics.PendingViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.pendingViewers)))

	r.sendLocked(viewerSessionID, map[string]any{"type": "access-denied", "message": "presenter denied your request to join"})
	r.sendPresenterLocked(map[string]any{
		"type":            "viewer-denied",
		"viewerSessionId": string(viewerSessionID),
		"pendingCount":    len(r.pendingViewers),
	})
	r.auditLocked(ctx, types.EventViewerDenied, pending.Username, viewerSessionID, "", types.SeverityInfo)
	return true
}

// Kick implements kick-viewer (spec.md §4.3.f): removal without a sticky
// ban — the viewer may rejoin.
func (r *Room) Kick(ctx context.Context, viewerSessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewer, ok := r.viewers[viewerSessionID]
	if !ok {
		return false
	}
	delete(r.viewers, viewerSessionID)
	metrics.ViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.viewers)))

	r.sendLocked(viewerSessionID, map[string]any{"type": "kicked", "message": "removed by presenter"})
	r.sendPresenterLocked(map[string]any{
		"type":            "viewer-kicked",
		"viewerSessionId": string(viewerSessionID),
		"viewerCount":     len(r.viewers),
	})
	r.auditLocked(ctx, types.EventViewerKicked, viewer.Username, viewerSessionID, "", types.SeverityWarn)
	return true
}

// Ban implements ban-viewer (spec.md §4.3.g): removal plus a sticky,
// session-scoped, room-instance-scoped ban (spec.md §9 open question 2).
func (r *Room) Ban(ctx context.Context, viewerSessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewer, ok := r.viewers[viewerSessionID]
	if !ok {
		return false
	}
	delete(r.viewers, viewerSessionID)
	r.bannedSessionIDs[viewerSessionID] = struct{}{}
	metrics.ViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.viewers)))

	r.sendLocked(viewerSessionID, map[string]any{"type": "banned", "message": "banned by presenter"})
	r.sendPresenterLocked(map[string]any{
		"type":            "viewer-banned",
		"viewerSessionId": string(viewerSessionID),
		"viewerCount":     len(r.viewers),
	})
	r.auditLocked(ctx, types.EventViewerBanned, viewer.Username, viewerSessionID, "", types.SeverityWarn)
	return true
}

// DetachResult tells the caller whether the departing session was the
// presenter, so the connection package/registry knows to delete the room.
type DetachResult struct {
	WasPresenter bool
}

// Detach implements session detachment (spec.md §4.3.i): if the leaving
// session is the presenter, every viewer is notified and the caller must
// delete the room; otherwise the session is simply removed from whichever
// set it was in.
func (r *Room) Detach(ctx context.Context, sessionID types.SessionID) DetachResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == r.presenterSessionID {
		for viewerID := range r.viewers {
			r.sendLocked(viewerID, map[string]any{"type": "presenter-left", "message": "presenter disconnected"})
		}
		for pendingID := range r.pendingViewers {
			r.sendLocked(pendingID, map[string]any{"type": "presenter-left", "message": "presenter disconnected"})
		}
		r.viewers = make(map[types.SessionID]*ViewerRecord)
		r.pendingViewers = make(map[types.SessionID]*PendingRecord)
		r.auditLocked(ctx, types.EventRoomDeleted, r.presenterUsername, sessionID, "", types.SeverityInfo)
		return DetachResult{WasPresenter: true}
	}

	if viewer, ok := r.viewers[sessionID]; ok {
		delete(r.viewers, sessionID)
		metrics.ViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.viewers)))
		r.sendPresenterLocked(map[string]any{"type": "viewer-count", "count": len(r.viewers)})
		r.auditLocked(ctx, types.EventRoomLeft, viewer.Username, sessionID, "", types.SeverityInfo)
		return DetachResult{}
	}

	if pending, ok := r.pendingViewers[sessionID]; ok {
		delete(r.pendingViewers, sessionID)
		metrics.PendingViewersPerRoom.WithLabelValues(string(r.id)).Set(float64(len(r.pendingViewers)))
		r.auditLocked(ctx, types.EventRoomLeft, pending.Username, sessionID, "", types.SeverityInfo)
	}
	return DetachResult{}
}

// Locked variants of the send/audit helpers used throughout this file.
// They assume r.mu is already held, matching the teacher's *Locked naming
// convention for methods callable only under the room's own lock.

func (r *Room) sendLocked(sessionID types.SessionID, frame any) {
	r.send(sessionID, frame)
}

func (r *Room) sendPresenterLocked(frame any) {
	r.sendPresenter(frame)
}

func (r *Room) sendBinaryLocked(sessionID types.SessionID, data []byte) bool {
	sender, ok := r.lookup(sessionID)
	if !ok {
		return false
	}
	return sender.SendBinary(data)
}

func (r *Room) auditLocked(ctx context.Context, eventType string, username types.Username, sessionID types.SessionID, details string, severity types.Severity) {
	r.audit(ctx, eventType, username, sessionID, details, severity)
}
