package connection

import (
	"net/http"

	"github.com/mediarelay/relay/internal/v1/room"
	"github.com/mediarelay/relay/internal/v1/types"
)

func httpRequestWithHeaders(headers map[string]string, remoteAddr string) *http.Request {
	r := &http.Request{Header: http.Header{}, RemoteAddr: remoteAddr}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func roomCreateOpts(presenterID types.SessionID, presenterUsername types.Username) room.CreateOptions {
	return room.CreateOptions{
		RoomID:             "test-room",
		MaxViewers:         10,
		PresenterSessionID: presenterID,
		PresenterUsername:  presenterUsername,
		PasswordCost:       4,
	}
}
