package connection

import (
	"context"
	"encoding/json"

	"github.com/mediarelay/relay/internal/v1/room"
	"github.com/mediarelay/relay/internal/v1/types"
	"github.com/mediarelay/relay/internal/v1/validation"
)

// command is the minimal shape every text frame must have (spec.md §4.2).
type command struct {
	Type            string `json:"type"`
	RoomID          string `json:"roomId"`
	Password        string `json:"password"`
	AccessCode      string `json:"accessCode"`
	MaxViewers      int    `json:"maxViewers"`
	ViewerSessionID string `json:"viewerSessionId"`
}

func errorFrame(code, message string, closeConn bool) map[string]any {
	frame := map[string]any{"type": "error", "code": code, "message": message}
	if closeConn {
		frame["action"] = "close"
	}
	return frame
}

// dispatchCommand implements the command-protocol router (spec.md §4.2):
// decode, validate required args and role, invoke the room state machine.
func (h *Hub) dispatchCommand(s *Session, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.SendJSON(errorFrame(types.ErrValBadShape, "malformed json", false))
		return
	}

	ctx := context.Background()

	switch cmd.Type {
	case "create-room":
		h.handleCreateRoom(ctx, s, cmd)
	case "join-room":
		h.handleJoinRoom(ctx, s, cmd)
	case "leave-room":
		h.handleLeaveRoom(ctx, s)
	case "get-viewer-count":
		h.handleGetViewerCount(s)
	case "approve-viewer":
		h.handlePresenterAction(ctx, s, cmd, (*room.Room).Approve)
	case "deny-viewer":
		h.handlePresenterAction(ctx, s, cmd, (*room.Room).Deny)
	case "ban-viewer":
		h.handlePresenterAction(ctx, s, cmd, (*room.Room).Ban)
	case "kick-viewer":
		h.handlePresenterAction(ctx, s, cmd, (*room.Room).Kick)
	default:
		s.SendJSON(errorFrame(types.ErrValUnknownCmd, "unknown command type", false))
	}
}

func (h *Hub) handleCreateRoom(ctx context.Context, s *Session, cmd command) {
	req := validation.RoomCreateRequest{RoomID: cmd.RoomID, Password: cmd.Password}
	if err := validation.Validate().Struct(req); err != nil {
		code := types.ErrValBadShape
		if !validation.IsValidRoomID(cmd.RoomID) {
			code = types.ErrRoomInvalidID
		}
		s.SendJSON(errorFrame(code, validation.FieldError(err), false))
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.CheckRoomCreation(ctx, s.RemoteIP) {
		s.SendJSON(errorFrame(types.ErrRoomCreationLimit, "room creation rate limit exceeded", false))
		return
	}

	maxViewers := cmd.MaxViewers
	if maxViewers <= 0 {
		maxViewers = h.cfg.MaxViewersPerRoom
	}

	r, err := h.registry.Create(ctx, room.CreateOptions{
		RoomID:             types.RoomID(cmd.RoomID),
		Password:           cmd.Password,
		MaxViewers:         maxViewers,
		PresenterSessionID: s.ID,
		PresenterUsername:  s.Identity.Username,
		PasswordCost:       h.cfg.RoomPasswordCost,
		RequireApproval:    h.cfg.RequireApproval,
	})
	if err != nil {
		s.SendJSON(errorFrame(types.ErrSrvInternal, "failed to create room", false))
		return
	}

	s.setRoom(r.ID(), types.RolePresenter)

	resp := map[string]any{
		"roomId":            string(r.ID()),
		"role":              "presenter",
		"passwordProtected": r.PasswordProtected(),
		"requiresApproval":  r.RequiresApproval(),
		"type":              "room-created",
	}
	if r.PasswordProtected() {
		resp["accessCode"] = r.AccessCode()
	}
	s.SendJSON(resp)
}

func (h *Hub) handleJoinRoom(ctx context.Context, s *Session, cmd command) {
	req := validation.JoinRequest{RoomID: cmd.RoomID, AccessCode: cmd.AccessCode, Password: cmd.Password}
	if err := validation.Validate().Struct(req); err != nil {
		s.SendJSON(errorFrame(types.ErrRoomInvalidID, validation.FieldError(err), false))
		return
	}

	r, ok := h.registry.Get(types.RoomID(cmd.RoomID))
	if !ok {
		s.SendJSON(errorFrame(types.ErrRoomNotFound, "room not found", false))
		return
	}

	result, errCode := r.Join(ctx, s.ID, s.Identity.Username, cmd.Password, cmd.AccessCode)
	if errCode != "" {
		s.SendJSON(errorFrame(errCode, "join denied", false))
		return
	}

	s.setRoom(r.ID(), result.Role)
}

func (h *Hub) handleLeaveRoom(ctx context.Context, s *Session) {
	roomID, role := s.currentRoom()
	if role == types.RoleNone {
		s.SendJSON(errorFrame(types.ErrValBadShape, "not in a room", false))
		return
	}

	if r, ok := h.registry.Get(roomID); ok {
		result := r.Detach(ctx, s.ID)
		if result.WasPresenter {
			h.registry.Delete(roomID)
		}
	}
	s.clearRoom()
	s.SendJSON(map[string]any{"type": "room-left", "message": "left room"})
}

func (h *Hub) handleGetViewerCount(s *Session) {
	roomID, role := s.currentRoom()
	if role == types.RoleNone {
		s.SendJSON(errorFrame(types.ErrValBadShape, "not in a room", false))
		return
	}
	r, ok := h.registry.Get(roomID)
	if !ok {
		s.SendJSON(errorFrame(types.ErrRoomNotFound, "room not found", false))
		return
	}
	s.SendJSON(map[string]any{"type": "viewer-count", "count": r.ViewerCount()})
}

// handlePresenterAction handles the four presenter-only commands that all
// share the shape "act on one viewerSessionId" (spec.md §4.3.d-g).
func (h *Hub) handlePresenterAction(ctx context.Context, s *Session, cmd command, action func(*room.Room, context.Context, types.SessionID) bool) {
	roomID, role := s.currentRoom()
	if role != types.RolePresenter {
		s.SendJSON(errorFrame(types.ErrAuthWrongRole, "only the presenter may issue this command", false))
		return
	}
	r, ok := h.registry.Get(roomID)
	if !ok {
		s.SendJSON(errorFrame(types.ErrRoomNotFound, "room not found", false))
		return
	}
	if cmd.ViewerSessionID == "" {
		s.SendJSON(errorFrame(types.ErrValBadShape, "viewerSessionId required", false))
		return
	}
	action(r, ctx, types.SessionID(cmd.ViewerSessionID))
}

// dispatchBinary implements the fan-out engine's entry point (spec.md
// §4.4): only a room's presenter may submit binary frames; any other
// origin is dropped.
func (h *Hub) dispatchBinary(s *Session, data []byte) {
	roomID, role := s.currentRoom()
	if role != types.RolePresenter {
		return
	}

	maxSize := h.cfg.MaxBinaryFrame
	if !validation.IsValidBinaryFrame(len(data), maxSize) {
		s.SendJSON(errorFrame(types.ErrValBadPayload, "binary payload exceeds max size", false))
		return
	}

	r, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	r.RelayFrame(s.ID, data)
}
