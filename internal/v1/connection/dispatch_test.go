package connection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mediarelay/relay/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case frame := <-s.outbound:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(frame.data, &decoded))
		return decoded
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func newDispatchSession(h *Hub, id types.SessionID, username types.Username) *Session {
	conn := newFakeConn()
	s := newSession(id, types.Identity{Username: username}, "10.0.0.1", conn, 8)
	h.register(s)
	return s
}

func TestDispatch_CreateRoom(t *testing.T) {
	h := newTestHub()
	presenter := newDispatchSession(h, "presenter-1", "alice")

	h.dispatchCommand(presenter, []byte(`{"type":"create-room","roomId":"my-room"}`))

	frame := recvFrame(t, presenter)
	assert.Equal(t, "room-created", frame["type"])
	assert.Equal(t, "presenter", frame["role"])

	roomID, role := presenter.currentRoom()
	assert.Equal(t, types.RoomID("my-room"), roomID)
	assert.Equal(t, types.RolePresenter, role)
}

func TestDispatch_CreateRoom_InvalidID(t *testing.T) {
	h := newTestHub()
	presenter := newDispatchSession(h, "presenter-1", "alice")

	h.dispatchCommand(presenter, []byte(`{"type":"create-room","roomId":"!! bad id !!"}`))

	frame := recvFrame(t, presenter)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, types.ErrRoomInvalidID, frame["code"])
}

func TestDispatch_JoinRoom_Direct(t *testing.T) {
	h := newTestHub()
	presenter := newDispatchSession(h, "presenter-1", "alice")
	h.dispatchCommand(presenter, []byte(`{"type":"create-room","roomId":"my-room"}`))
	recvFrame(t, presenter) // room-created

	viewer := newDispatchSession(h, "viewer-1", "bob")
	h.dispatchCommand(viewer, []byte(`{"type":"join-room","roomId":"my-room"}`))

	frame := recvFrame(t, viewer)
	assert.Equal(t, "room-joined", frame["type"])

	// presenter gets a viewer-count update
	countFrame := recvFrame(t, presenter)
	assert.Equal(t, "viewer-count", countFrame["type"])

	roomID, role := viewer.currentRoom()
	assert.Equal(t, types.RoomID("my-room"), roomID)
	assert.Equal(t, types.RoleViewer, role)
}

func TestDispatch_JoinRoom_NotFound(t *testing.T) {
	h := newTestHub()
	viewer := newDispatchSession(h, "viewer-1", "bob")

	h.dispatchCommand(viewer, []byte(`{"type":"join-room","roomId":"ghost-room"}`))

	frame := recvFrame(t, viewer)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, types.ErrRoomNotFound, frame["code"])
}

func TestDispatch_KickViewer_RequiresPresenterRole(t *testing.T) {
	h := newTestHub()
	presenter := newDispatchSession(h, "presenter-1", "alice")
	h.dispatchCommand(presenter, []byte(`{"type":"create-room","roomId":"my-room"}`))
	recvFrame(t, presenter)

	viewer := newDispatchSession(h, "viewer-1", "bob")
	h.dispatchCommand(viewer, []byte(`{"type":"join-room","roomId":"my-room"}`))
	recvFrame(t, viewer)
	recvFrame(t, presenter) // viewer-count

	// A viewer issuing a presenter-only command must be rejected.
	h.dispatchCommand(viewer, []byte(`{"type":"kick-viewer","viewerSessionId":"viewer-1"}`))
	frame := recvFrame(t, viewer)
	assert.Equal(t, types.ErrAuthWrongRole, frame["code"])
}

func TestDispatch_KickViewer_ByPresenter(t *testing.T) {
	h := newTestHub()
	presenter := newDispatchSession(h, "presenter-1", "alice")
	h.dispatchCommand(presenter, []byte(`{"type":"create-room","roomId":"my-room"}`))
	recvFrame(t, presenter)

	viewer := newDispatchSession(h, "viewer-1", "bob")
	h.dispatchCommand(viewer, []byte(`{"type":"join-room","roomId":"my-room"}`))
	recvFrame(t, viewer)
	recvFrame(t, presenter) // viewer-count

	h.dispatchCommand(presenter, []byte(`{"type":"kick-viewer","viewerSessionId":"viewer-1"}`))

	kicked := recvFrame(t, viewer)
	assert.Equal(t, "kicked", kicked["type"])

	notice := recvFrame(t, presenter)
	assert.Equal(t, "viewer-kicked", notice["type"])
}

func TestDispatchBinary_OnlyPresenterRelays(t *testing.T) {
	h := newTestHub()
	presenter := newDispatchSession(h, "presenter-1", "alice")
	h.dispatchCommand(presenter, []byte(`{"type":"create-room","roomId":"my-room"}`))
	recvFrame(t, presenter)

	viewer := newDispatchSession(h, "viewer-1", "bob")
	h.dispatchCommand(viewer, []byte(`{"type":"join-room","roomId":"my-room"}`))
	recvFrame(t, viewer)
	recvFrame(t, presenter) // viewer-count

	h.dispatchBinary(presenter, []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p'})

	select {
	case frame := <-viewer.outbound:
		assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p'}, frame.data)
	case <-time.After(time.Second):
		t.Fatal("viewer did not receive relayed frame")
	}

	// A viewer attempting to submit binary data is silently ignored.
	h.dispatchBinary(viewer, []byte{0x01})
	select {
	case <-presenter.outbound:
		t.Fatal("presenter should not receive anything from a viewer's binary frame")
	case <-time.After(100 * time.Millisecond):
	}
}
