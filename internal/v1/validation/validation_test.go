package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidRoomID(t *testing.T) {
	assert.True(t, IsValidRoomID("room-1"))
	assert.True(t, IsValidRoomID("R_00m_ID"))
	assert.False(t, IsValidRoomID(""))
	assert.False(t, IsValidRoomID("has a space"))
	assert.False(t, IsValidRoomID("room/with/slash"))
	assert.False(t, IsValidRoomID(string(make([]byte, 65))))
}

func TestIsValidUsername(t *testing.T) {
	assert.True(t, IsValidUsername("alice"))
	assert.True(t, IsValidUsername("Bob_2"))
	assert.False(t, IsValidUsername("ab"))
	assert.False(t, IsValidUsername("has space"))
	assert.False(t, IsValidUsername(""))
}

func TestIsValidAccessCode(t *testing.T) {
	assert.True(t, IsValidAccessCode("ABC23456"))
	assert.False(t, IsValidAccessCode("abc23456")) // lowercase rejected
	assert.False(t, IsValidAccessCode("ABC"))      // too short
	assert.False(t, IsValidAccessCode(""))
}

func TestIsValidPassword(t *testing.T) {
	assert.True(t, IsValidPassword("Correct1!"))
	assert.False(t, IsValidPassword("short1!"))         // < 8 chars
	assert.False(t, IsValidPassword("alllowercase123")) // only 2 classes
	assert.False(t, IsValidPassword(""))
}

func TestIsValidBinaryFrame(t *testing.T) {
	assert.True(t, IsValidBinaryFrame(1024, 10<<20))
	assert.False(t, IsValidBinaryFrame(0, 10<<20))
	assert.False(t, IsValidBinaryFrame(20<<20, 10<<20))
	assert.True(t, IsValidBinaryFrame(1024, 0)) // falls back to MaxBinaryFrame
}

func TestValidate_StructTags(t *testing.T) {
	v := Validate()

	good := JoinRequest{RoomID: "room-1", AccessCode: "ABC23456"}
	assert.NoError(t, v.Struct(good))

	bad := JoinRequest{RoomID: "has space", AccessCode: "bad"}
	err := v.Struct(bad)
	assert.Error(t, err)
	assert.NotEmpty(t, FieldError(err))
}

func TestValidate_RoomCreateRequest(t *testing.T) {
	v := Validate()

	assert.NoError(t, v.Struct(RoomCreateRequest{RoomID: "room-1"}))
	assert.NoError(t, v.Struct(RoomCreateRequest{RoomID: "room-1", Password: "abcd"}))
	assert.Error(t, v.Struct(RoomCreateRequest{RoomID: "room-1", Password: "abc"}))
	assert.Error(t, v.Struct(RoomCreateRequest{RoomID: "has space"}))
}

func TestFieldError_NonValidationError(t *testing.T) {
	assert.Empty(t, FieldError(nil))
}
