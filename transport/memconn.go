package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// memFrame is one message in flight between the two ends of a MemPipe.
type memFrame struct {
	messageType int
	data        []byte
}

// MemConn is one end of an in-memory MessageConn pair. It mimics websocket
// close semantics: a close frame written on one end surfaces as a
// *websocket.CloseError on the peer's next read, and a hard Close surfaces
// as io.EOF.
type MemConn struct {
	in  chan memFrame
	out chan memFrame

	closeOnce sync.Once
	closed    chan struct{}
	closeSent atomic.Bool
	peer      *MemConn
}

// MemPipe creates a connected in-memory MessageConn pair.
func MemPipe() (*MemConn, *MemConn) {
	ab := make(chan memFrame, 64)
	ba := make(chan memFrame, 64)
	a := &MemConn{in: ba, out: ab, closed: make(chan struct{})}
	b := &MemConn{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// ReadMessage returns the next frame written by the peer. Frames already in
// flight are drained before a close is surfaced.
func (c *MemConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.in:
		return c.decodeFrame(frame)
	default:
	}

	select {
	case frame := <-c.in:
		return c.decodeFrame(frame)
	case <-c.closed:
		return 0, nil, io.EOF
	case <-c.peer.closed:
		return 0, nil, io.EOF
	}
}

func (c *MemConn) decodeFrame(frame memFrame) (int, []byte, error) {
	if frame.messageType == websocket.CloseMessage {
		// Mirror the default websocket close handler: acknowledge the peer's
		// close frame once, so a graceful close on the other side completes.
		// Non-blocking; a full outbound buffer just drops the ack.
		if c.closeSent.CompareAndSwap(false, true) {
			select {
			case c.out <- frame:
			default:
			}
		}
		return 0, nil, decodeCloseFrame(frame.data)
	}
	return frame.messageType, frame.data, nil
}

// WriteMessage delivers a frame to the peer.
func (c *MemConn) WriteMessage(messageType int, data []byte) error {
	return c.deliver(memFrame{messageType: messageType, data: append([]byte(nil), data...)})
}

// WriteControl delivers a control frame to the peer. The deadline is ignored;
// in-memory delivery does not block meaningfully.
func (c *MemConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	return c.deliver(memFrame{messageType: messageType, data: append([]byte(nil), data...)})
}

func (c *MemConn) deliver(frame memFrame) error {
	if frame.messageType == websocket.CloseMessage {
		c.closeSent.Store(true)
	}
	select {
	case <-c.closed:
		return errors.New("memconn: connection closed")
	case <-c.peer.closed:
		return errors.New("memconn: peer closed")
	case c.out <- frame:
		return nil
	}
}

// Close tears down this end; the peer's reads fail from then on.
func (c *MemConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func decodeCloseFrame(data []byte) error {
	ce := &websocket.CloseError{Code: websocket.CloseNoStatusReceived}
	if len(data) >= 2 {
		ce.Code = int(binary.BigEndian.Uint16(data[:2]))
		ce.Text = string(data[2:])
	}
	return ce
}
