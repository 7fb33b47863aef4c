// Package room implements the room state machine and fan-out engine
// (spec.md §3, §4.3, §4.4): presenter/viewer/pending-viewer membership,
// password/approval/ban/kick policy, and binary frame relay with
// per-viewer bounded queues.
//
// Rooms never hold a session handle directly — only a session id plus a
// Lookup callback into the connection package's session table, so the
// room/connection dependency cycle that would otherwise exist is broken
// (spec.md §9, cyclic references).
package room

import (
	"context"
	"sync"
	"time"

	"github.com/mediarelay/relay/internal/v1/credential"
	"github.com/mediarelay/relay/internal/v1/metrics"
	"github.com/mediarelay/relay/internal/v1/types"
)

// Sender is the minimal capability the room needs from a live session: a
// non-blocking enqueue of an outbound frame. The connection package's
// Session implements this; the room package never imports connection.
type Sender interface {
	SendJSON(frame any) bool
	SendBinary(data []byte) bool
}

// Lookup resolves a session id to its live Sender. It returns false if the
// session is not currently registered (already disconnected).
type Lookup func(types.SessionID) (Sender, bool)

// ViewerRecord is one admitted viewer.
type ViewerRecord struct {
	SessionID types.SessionID
	Username  types.Username
	JoinedAt  time.Time
}

// PendingRecord is a viewer awaiting presenter approval.
type PendingRecord struct {
	SessionID   types.SessionID
	Username    types.Username
	RequestedAt time.Time
}

// Room is the mutex-owned unit of the state machine (spec.md §3). All
// mutation happens through its exported methods, each of which acquires
// r.mu for the duration of the operation — the "single room owner"
// realization spec.md §4.3 calls out as one of two acceptable designs.
type Room struct {
	mu sync.RWMutex

	id                  types.RoomID
	presenterSessionID  types.SessionID
	presenterUsername   types.Username
	viewers             map[types.SessionID]*ViewerRecord
	pendingViewers      map[types.SessionID]*PendingRecord
	bannedSessionIDs    map[types.SessionID]struct{}
	passwordHash        string
	accessCode          string
	accessCodeExpiresAt time.Time
	requiresApproval    bool
	maxViewers          int
	cachedInitSegment   []byte
	createdAt           time.Time
	droppedFrames       uint64

	lookup    Lookup
	auditSink types.AuditSink
}

const (
	maxViewersHardCap   = 100
	outboundQueueBudget = 1024 // documents Session's queue capacity; room never allocates it
)

func newRoom(id types.RoomID, presenterSessionID types.SessionID, presenterUsername types.Username, lookup Lookup, auditSink types.AuditSink) *Room {
	return &Room{
		id:                 id,
		presenterSessionID: presenterSessionID,
		presenterUsername:  presenterUsername,
		viewers:            make(map[types.SessionID]*ViewerRecord),
		pendingViewers:     make(map[types.SessionID]*PendingRecord),
		bannedSessionIDs:   make(map[types.SessionID]struct{}),
		maxViewers:         maxViewersHardCap,
		createdAt:          time.Now(),
		lookup:             lookup,
		auditSink:          auditSink,
	}
}

// ID returns the room's id.
func (r *Room) ID() types.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// PresenterSessionID returns the current presenter's session id.
func (r *Room) PresenterSessionID() types.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenterSessionID
}

// ViewerCount returns the number of admitted (non-pending) viewers.
func (r *Room) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// MaxViewers returns the room's clamped viewer capacity.
func (r *Room) MaxViewers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxViewers
}

// IsFull reports whether the room has reached its viewer capacity.
func (r *Room) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers) >= r.maxViewers
}

// IsBanned reports whether sessionID is barred from rejoining this room
// instance (spec.md invariant 3).
func (r *Room) IsBanned(sessionID types.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, banned := r.bannedSessionIDs[sessionID]
	return banned
}

// setPassword hashes and stores a room password, enabling approval-gating.
// Called only from the registry while constructing a new room — not part
// of the public API surface other code should call post-creation.
func (r *Room) setPassword(password string, cost int) error {
	hash, err := credential.Hash(password, cost)
	if err != nil {
		return err
	}
	code, err := credential.NewAccessCode()
	if err != nil {
		return err
	}
	r.passwordHash = hash
	r.accessCode = code
	r.accessCodeExpiresAt = time.Now().Add(24 * time.Hour)
	r.requiresApproval = true
	return nil
}

// PasswordProtected reports whether the room requires a password or
// access code to join.
func (r *Room) PasswordProtected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.passwordHash != ""
}

// RequiresApproval reports whether joiners land in the pending queue
// instead of being admitted directly (spec.md §4.3.a, REQUIRE_APPROVAL_DEFAULT).
// Always true once a password is set, independent of that default otherwise.
func (r *Room) RequiresApproval() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requiresApproval
}

// AccessCode returns the room's current access code, empty if none.
func (r *Room) AccessCode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessCode
}

// checkAccess validates a join attempt against the room's password /
// access-code policy (spec.md §4.3.b). Caller must hold r.mu (read or
// write) — checkAccess itself takes no lock.
func (r *Room) checkAccess(password, accessCode string) bool {
	if r.passwordHash == "" {
		return true
	}
	if accessCode != "" && r.accessCode != "" && accessCode == r.accessCode && time.Now().Before(r.accessCodeExpiresAt) {
		return true
	}
	if password != "" {
		if err := credential.Verify(password, r.passwordHash); err == nil {
			return true
		}
	}
	return false
}

func (r *Room) audit(ctx context.Context, eventType string, username types.Username, sessionID types.SessionID, details string, severity types.Severity) {
	if r.auditSink == nil {
		return
	}
	r.auditSink.Emit(ctx, types.AuditEvent{
		EventType: eventType,
		Username:  username,
		SessionID: sessionID,
		RoomID:    r.id,
		Details:   details,
		Severity:  severity,
		CreatedAt: time.Now(),
	})
}

func (r *Room) send(sessionID types.SessionID, frame any) {
	sender, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	sender.SendJSON(frame)
}

func (r *Room) sendPresenter(frame any) {
	r.send(r.presenterSessionID, frame)
}
