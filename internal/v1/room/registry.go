package room

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/mediarelay/relay/internal/v1/metrics"
	"github.com/mediarelay/relay/internal/v1/types"
)

// Registry is the process-wide mapping from room id to Room (spec.md §2,
// "Room registry"). It owns no session state — only rooms — and hands out
// a *Room for every operation, leaving the connection package to decide
// which commands to route where.
type Registry struct {
	mu     sync.Mutex
	rooms  map[types.RoomID]*Room
	lookup Lookup
	audit  types.AuditSink
}

// NewRegistry builds an empty Registry. lookup resolves a session id to a
// live Sender and is threaded down into every Room it creates so rooms
// can address sessions without holding a reference to them.
func NewRegistry(lookup Lookup, audit types.AuditSink) *Registry {
	return &Registry{
		rooms:  make(map[types.RoomID]*Room),
		lookup: lookup,
		audit:  audit,
	}
}

// Get returns the room for id, if it currently exists.
func (reg *Registry) Get(id types.RoomID) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// CreateOptions carries create-room's validated arguments (spec.md §4.3.a).
type CreateOptions struct {
	RoomID             types.RoomID
	Password           string
	MaxViewers         int
	PresenterSessionID types.SessionID
	PresenterUsername  types.Username
	PasswordCost       int

	// RequireApproval seeds the room's approval gate even when no password
	// is set, from config.Config.RequireApproval (REQUIRE_APPROVAL_DEFAULT).
	// A password always implies approval regardless of this flag.
	RequireApproval bool
}

// presenterStillConnected reports whether the given room's presenter
// session is still registered in the session table — the condition that
// forces a fresh room id rather than a reclaim (spec.md §3, §4.3.a).
func (reg *Registry) presenterStillConnected(r *Room) bool {
	_, ok := reg.lookup(r.PresenterSessionID())
	return ok
}

// Create implements create-room (spec.md §4.3.a): reclaim a stale room
// whose presenter has disconnected, fork a fresh id if the presenter is
// still live, or create new. It returns the room; its ID() may differ from
// opts.RoomID on fork.
func (reg *Registry) Create(ctx context.Context, opts CreateOptions) (*Room, error) {
	if opts.MaxViewers <= 0 || opts.MaxViewers > maxViewersHardCap {
		opts.MaxViewers = maxViewersHardCap
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	id := opts.RoomID
	if existing, ok := reg.rooms[id]; ok {
		if reg.presenterStillConnected(existing) {
			forkedID, err := reg.forkRoomID(id)
			if err != nil {
				return nil, fmt.Errorf("room: fork room id: %w", err)
			}
			id = forkedID
		} else {
			delete(reg.rooms, id)
		}
	}

	r := newRoom(id, opts.PresenterSessionID, opts.PresenterUsername, reg.lookup, reg.audit)
	r.maxViewers = opts.MaxViewers

	if opts.Password != "" {
		if err := r.setPassword(opts.Password, opts.PasswordCost); err != nil {
			return nil, fmt.Errorf("room: hash password: %w", err)
		}
	} else if opts.RequireApproval {
		r.requiresApproval = true
	}

	reg.rooms[id] = r
	metrics.ActiveRooms.Inc()

	r.audit(ctx, types.EventRoomCreated, opts.PresenterUsername, opts.PresenterSessionID,
		fmt.Sprintf("room %s created, passwordProtected=%v", id, r.PasswordProtected()), types.SeverityInfo)

	return r, nil
}

// forkRoomID appends "-xxxx" (4 random hex chars) to base, drawing a second
// time if the first candidate is already taken, as spec.md §4.3.a and §3
// require when the existing room's presenter is still connected. Caller
// must hold reg.mu.
func (reg *Registry) forkRoomID(base types.RoomID) (types.RoomID, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	candidate := types.RoomID(string(base) + "-" + hex.EncodeToString(b))
	if _, exists := reg.rooms[candidate]; exists {
		// Vanishingly unlikely; try once more with a fresh draw.
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		candidate = types.RoomID(string(base) + "-" + hex.EncodeToString(b))
	}
	return candidate, nil
}

// Delete removes id from the registry. Called once a room's presenter
// detaches (spec.md §4.3.i) — rooms are never garbage-collected on a
// grace timer; they're destroyed the instant their presenter is gone.
func (reg *Registry) Delete(id types.RoomID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.rooms[id]; ok {
		delete(reg.rooms, id)
		metrics.ActiveRooms.Dec()
		metrics.ViewersPerRoom.DeleteLabelValues(string(id))
		metrics.PendingViewersPerRoom.DeleteLabelValues(string(id))
	}
}

// Len returns the number of currently live rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
