package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onecomm/event"
)

// DefaultMaxBufferedMessages is the incoming-message buffer capacity used
// when SocketOptions leaves it unset.
const DefaultMaxBufferedMessages = 10

var (
	// ErrTimeout is returned when a wait operation's timeout elapses.
	ErrTimeout = errors.New("transport: wait timed out")
	// ErrWaitPending is returned when a wait operation is started while
	// another of the same kind is still pending.
	ErrWaitPending = errors.New("transport: another wait is already pending")
	// ErrBufferOverflow is returned once the incoming-message buffer has
	// overflowed. The condition is permanent for the socket.
	ErrBufferOverflow = errors.New("transport: message buffer overflow")
	// ErrPullDisabled is returned by wait operations after DisablePull.
	ErrPullDisabled = errors.New("transport: pull-mode message waiting is disabled")
	// ErrNotOpen is returned by Send when the channel is not open.
	ErrNotOpen = errors.New("transport: socket not open")
)

// SocketOptions configures a Socket.
type SocketOptions struct {
	// MaxBufferedMessages bounds the incoming FIFO buffer. Once exceeded the
	// socket enters a permanent overflow state. Defaults to
	// DefaultMaxBufferedMessages.
	MaxBufferedMessages int
	// DefaultTimeout is used by wait operations called with a negative
	// timeout. Zero means wait forever.
	DefaultTimeout time.Duration
	// CloseTimeout bounds how long Close waits for the peer's close frame.
	CloseTimeout time.Duration
	// Clock is the time source for wait timeouts. Defaults to the real clock.
	Clock clock.Clock
}

func (o *SocketOptions) withDefaults() SocketOptions {
	opts := SocketOptions{CloseTimeout: 5 * time.Second}
	if o != nil {
		opts = *o
	}
	if opts.MaxBufferedMessages <= 0 {
		opts.MaxBufferedMessages = DefaultMaxBufferedMessages
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return opts
}

type msgOutcome struct {
	data []byte
	err  error
}

// Socket wraps a MessageConn in promise-style wait operations.
//
// Incoming messages are buffered FIFO for WaitForMessage and simultaneously
// broadcast on OnMessage; a consumer should commit to one of the two styles,
// or call DisablePull when it only wants the push side.
type Socket struct {
	opts SocketOptions
	clk  clock.Clock

	// OnMessage broadcasts every incoming message independently of the
	// buffered wait mechanism.
	OnMessage *event.Signal[[]byte]

	mu           sync.Mutex
	conn         MessageConn
	open         bool
	closed       bool
	closeErr     error // first close/error context, set exactly once
	lastErr      error // most recent error context for diagnostics
	overflow     bool
	pullDisabled bool
	buf          [][]byte
	openWaiter   chan error
	msgWaiter    chan msgOutcome
	pumpDone     chan struct{}
}

func newSocket(opts *SocketOptions) *Socket {
	o := opts.withDefaults()
	return &Socket{
		opts:      o,
		clk:       o.Clock,
		OnMessage: event.NewSignal[[]byte](),
		pumpDone:  make(chan struct{}),
	}
}

// Wrap adopts an already-open message connection, such as an accepted
// websocket or one end of a MemPipe, and starts reading from it.
func Wrap(conn MessageConn, opts *SocketOptions) *Socket {
	s := newSocket(opts)
	s.attach(conn)
	return s
}

// attach transitions the socket to open and starts the read pump.
func (s *Socket) attach(conn MessageConn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.open = true
	if s.openWaiter != nil {
		s.openWaiter <- nil
		s.openWaiter = nil
	}
	s.mu.Unlock()

	go s.readPump(conn)
}

// failOpen records a connection-establishment failure.
func (s *Socket) failOpen(err error) {
	s.mu.Lock()
	s.shutdownLocked(fmt.Errorf("connection failed: %w", err))
	s.mu.Unlock()
	close(s.pumpDone)
}

// effectiveTimeout maps the caller-supplied timeout onto the configured
// default. Negative means "use default"; zero means "wait forever".
func (s *Socket) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout < 0 {
		return s.opts.DefaultTimeout
	}
	return timeout
}

// WaitForOpen blocks until the underlying channel is open, it fails, or the
// timeout elapses. Only one WaitForOpen may be pending at a time.
func (s *Socket) WaitForOpen(timeout time.Duration) error {
	s.mu.Lock()
	if s.open && !s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	if s.openWaiter != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: WaitForOpen", ErrWaitPending)
	}
	waiter := make(chan error, 1)
	s.openWaiter = waiter
	s.mu.Unlock()

	var timer *clock.Timer
	var timeoutCh <-chan time.Time
	if d := s.effectiveTimeout(timeout); d > 0 {
		timer = s.clk.Timer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-waiter:
		return err
	case <-timeoutCh:
		s.mu.Lock()
		if s.openWaiter == waiter {
			s.openWaiter = nil
			s.mu.Unlock()
			return fmt.Errorf("%w: WaitForOpen", ErrTimeout)
		}
		s.mu.Unlock()
		// A settlement raced with the timeout; honor it.
		return <-waiter
	}
}

// Send writes a text message. It fails when the channel is not open, with
// the most recent close/error context included for diagnosis.
func (s *Socket) Send(data []byte) error {
	return s.send(websocket.TextMessage, data)
}

// SendBinary writes a binary message with the same failure semantics as Send.
func (s *Socket) SendBinary(data []byte) error {
	return s.send(websocket.BinaryMessage, data)
}

func (s *Socket) send(messageType int, data []byte) error {
	s.mu.Lock()
	if !s.open || s.closed {
		err := s.closeErr
		if err == nil {
			err = s.lastErr
		}
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w (last state: %v)", ErrNotOpen, err)
		}
		return fmt.Errorf("%w (connecting)", ErrNotOpen)
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.WriteMessage(messageType, data); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// WaitForMessage returns the next incoming message. A buffered message is
// returned immediately in FIFO order; otherwise the call blocks until a
// message arrives, the channel closes, or the timeout elapses. Only one
// WaitForMessage may be pending at a time.
func (s *Socket) WaitForMessage(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.pullDisabled {
		s.mu.Unlock()
		return nil, ErrPullDisabled
	}
	if s.overflow {
		s.mu.Unlock()
		return nil, ErrBufferOverflow
	}
	if len(s.buf) > 0 {
		data := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()
		return data, nil
	}
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	if s.msgWaiter != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: WaitForMessage", ErrWaitPending)
	}
	waiter := make(chan msgOutcome, 1)
	s.msgWaiter = waiter
	s.mu.Unlock()

	var timer *clock.Timer
	var timeoutCh <-chan time.Time
	if d := s.effectiveTimeout(timeout); d > 0 {
		timer = s.clk.Timer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case outcome := <-waiter:
		return outcome.data, outcome.err
	case <-timeoutCh:
		s.mu.Lock()
		if s.msgWaiter == waiter {
			s.msgWaiter = nil
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: WaitForMessage", ErrTimeout)
		}
		s.mu.Unlock()
		outcome := <-waiter
		return outcome.data, outcome.err
	}
}

// WaitForJSONMessage waits for the next message and decodes it as a JSON
// object.
func (s *Socket) WaitForJSONMessage(timeout time.Duration) (map[string]any, error) {
	data, err := s.WaitForMessage(timeout)
	if err != nil {
		return nil, err
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("transport: malformed JSON message: %w", err)
	}
	return msg, nil
}

// WaitForJSONMessageWithType waits for a JSON message whose typeKey field
// equals wantType, failing with a descriptive error on mismatch.
func (s *Socket) WaitForJSONMessageWithType(wantType, typeKey string, timeout time.Duration) (map[string]any, error) {
	msg, err := s.WaitForJSONMessage(timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for %q message: %w", wantType, err)
	}

	got, ok := msg[typeKey].(string)
	if !ok {
		return nil, fmt.Errorf("transport: message has no %q field, expected type %q", typeKey, wantType)
	}
	if got != wantType {
		return nil, fmt.Errorf("transport: unexpected message type %q, expected %q", got, wantType)
	}
	return msg, nil
}

// DisablePull permanently turns off the buffered wait mechanism. A pending
// WaitForMessage fails immediately; subsequent calls fail fast. Push-mode
// delivery via OnMessage is unaffected.
func (s *Socket) DisablePull() {
	s.mu.Lock()
	s.pullDisabled = true
	s.buf = nil
	if s.msgWaiter != nil {
		s.msgWaiter <- msgOutcome{err: ErrPullDisabled}
		s.msgWaiter = nil
	}
	s.mu.Unlock()
}

// readPump owns the underlying connection's read side for the socket's
// lifetime.
func (s *Socket) readPump(conn MessageConn) {
	defer close(s.pumpDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.shutdownLocked(fmt.Errorf("connection closed: %w", err))
			s.mu.Unlock()
			return
		}

		s.OnMessage.Emit(data)

		s.mu.Lock()
		if s.closed || s.pullDisabled {
			s.mu.Unlock()
			continue
		}
		if s.msgWaiter != nil {
			s.msgWaiter <- msgOutcome{data: data}
			s.msgWaiter = nil
			s.mu.Unlock()
			continue
		}
		if len(s.buf) >= s.opts.MaxBufferedMessages {
			// Fail-stop: an undrained socket is a programming error upstream,
			// silently dropping frames would corrupt the protocol.
			s.overflow = true
			s.shutdownLocked(ErrBufferOverflow)
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"capacity": s.opts.MaxBufferedMessages,
			}).Error("Incoming message buffer overflow, terminating socket")
			return
		}
		s.buf = append(s.buf, data)
		s.mu.Unlock()
	}
}

// shutdownLocked records the terminal error, settles pending waiters exactly
// once and closes the underlying connection. Caller holds s.mu.
func (s *Socket) shutdownLocked(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.open = false
	s.closeErr = reason
	s.lastErr = reason
	if s.openWaiter != nil {
		s.openWaiter <- reason
		s.openWaiter = nil
	}
	if s.msgWaiter != nil {
		s.msgWaiter <- msgOutcome{err: reason}
		s.msgWaiter = nil
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// Close performs a graceful shutdown: it sends a close frame and waits up to
// CloseTimeout for the peer's acknowledgment before tearing the connection
// down.
func (s *Socket) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		deadline := time.Now().Add(s.opts.CloseTimeout)
		if err := conn.WriteControl(websocket.CloseMessage, frame, deadline); err == nil {
			timer := s.clk.Timer(s.opts.CloseTimeout)
			select {
			case <-s.pumpDone:
			case <-timer.C:
				logrus.WithFields(logrus.Fields{
					"function": "Close",
					"reason":   reason,
				}).Debug("Peer did not acknowledge close in time")
			}
			timer.Stop()
		}
	}

	s.mu.Lock()
	s.shutdownLocked(fmt.Errorf("transport: closed: %s", reason))
	s.mu.Unlock()
}

// Terminate immediately tears the connection down without waiting for peer
// acknowledgment and unblocks any pending waiters. Used when a liveness
// check has already proven the peer unreachable.
func (s *Socket) Terminate(reason string) {
	s.mu.Lock()
	s.shutdownLocked(fmt.Errorf("transport: terminated: %s", reason))
	s.mu.Unlock()
}

// IsOpen reports whether the channel is currently open.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

// CloseReason returns the terminal error after the socket has closed, or nil.
func (s *Socket) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}
