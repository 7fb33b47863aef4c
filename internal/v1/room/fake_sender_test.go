package room

import (
	"sync"

	"github.com/mediarelay/relay/internal/v1/types"
)

// fakeSender records every frame sent to it, standing in for a
// connection.Session in tests.
type fakeSender struct {
	mu      sync.Mutex
	json    []any
	binary  [][]byte
	dropAll bool
}

func (f *fakeSender) SendJSON(frame any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropAll {
		return false
	}
	f.json = append(f.json, frame)
	return true
}

func (f *fakeSender) SendBinary(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropAll {
		return false
	}
	cp := append([]byte(nil), data...)
	f.binary = append(f.binary, cp)
	return true
}

func (f *fakeSender) jsonFrames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.json))
	copy(out, f.json)
	return out
}

func (f *fakeSender) binaryFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.binary))
	copy(out, f.binary)
	return out
}

// fakeTable is a tiny in-memory session table implementing Lookup.
type fakeTable struct {
	mu       sync.Mutex
	senders  map[types.SessionID]Sender
}

func newFakeTable() *fakeTable {
	return &fakeTable{senders: make(map[types.SessionID]Sender)}
}

func (t *fakeTable) register(id types.SessionID, s Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders[id] = s
}

func (t *fakeTable) unregister(id types.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.senders, id)
}

func (t *fakeTable) lookup(id types.SessionID) (Sender, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.senders[id]
	return s, ok
}
