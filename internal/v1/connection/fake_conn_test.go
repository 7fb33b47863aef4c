package connection

import (
	"errors"
	"sync"
	"time"
)

var errConnClosed = errors.New("fake conn: closed")

// fakeConn is a wsConn test double whose ReadMessage replays a queued
// script of frames, then blocks until Close is called.
type fakeConn struct {
	mu       sync.Mutex
	reads    []fakeRead
	readIdx  int
	closed   bool
	closedCh chan struct{}
	written  []wsFrame
}

type fakeRead struct {
	messageType int
	data        []byte
	err         error
}

func newFakeConn(reads ...fakeRead) *fakeConn {
	return &fakeConn{reads: reads, closedCh: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.readIdx < len(c.reads) {
		r := c.reads[c.readIdx]
		c.readIdx++
		c.mu.Unlock()
		if r.err != nil {
			return 0, nil, r.err
		}
		return r.messageType, r.data, nil
	}
	ch := c.closedCh
	c.mu.Unlock()

	<-ch
	return 0, nil, errConnClosed
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.written = append(c.written, wsFrame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }

func (c *fakeConn) writtenFrames() []wsFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wsFrame, len(c.written))
	copy(out, c.written)
	return out
}

var _ wsConn = (*fakeConn)(nil)
