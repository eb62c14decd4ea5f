package relay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onecomm/transport"
)

// IDSource allocates process-wide unique connection ids. Multiple listeners
// may share one source; allocation is a single atomic increment.
type IDSource struct {
	next atomic.Uint64
}

// Next returns the next connection id.
func (s *IDSource) Next() uint64 {
	return s.next.Add(1)
}

// defaultIDSource is shared by all listeners that do not inject their own,
// keeping ids unique across concurrent listeners in one process.
var defaultIDSource IDSource

// Connection speaks the relay control protocol on top of one transport
// socket. While spare it is owned by the Listener; after hand-over the
// application owns it.
type Connection struct {
	id   uint64
	sock *transport.Socket

	mu           sync.Mutex
	pingStop     chan struct{}
	handoverFn   func(error)
	handoverOnce sync.Once
}

// NewConnection wraps an open socket in a relay protocol connection.
func NewConnection(id uint64, sock *transport.Socket) *Connection {
	return &Connection{id: id, sock: sock}
}

// ID returns the process-wide unique id assigned to this connection.
func (c *Connection) ID() uint64 {
	return c.id
}

// Socket exposes the underlying transport, e.g. to establish a secure
// session after hand-over.
func (c *Connection) Socket() *transport.Socket {
	return c.sock
}

func (c *Connection) sendMessage(msg clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode %s message: %w", msg.Command, err)
	}
	return c.sock.Send(data)
}

// SendRegister announces the public key this connection wants to receive
// hand-overs for.
func (c *Connection) SendRegister(publicKey [32]byte) error {
	logrus.WithFields(logrus.Fields{
		"function":      "SendRegister",
		"connection_id": c.id,
	}).Debug("Registering with relay server")
	return c.sendMessage(clientMessage{
		Command:   MsgRegister,
		PublicKey: hex.EncodeToString(publicKey[:]),
	})
}

// SendAuthenticationResponse replies to the server's challenge with the
// computed proof bytes.
func (c *Connection) SendAuthenticationResponse(response []byte) error {
	return c.sendMessage(clientMessage{
		Command:  MsgAuthenticationResponse,
		Response: hex.EncodeToString(response),
	})
}

// WaitForMessageType awaits one specific control message from the server,
// failing on timeout, close or type mismatch.
func (c *Connection) WaitForMessageType(msgType string, timeout time.Duration) (map[string]any, error) {
	return c.sock.WaitForJSONMessageWithType(msgType, CommandKey, timeout)
}

// OnHandover registers the callback invoked exactly once when the server
// hands this connection over (err == nil) or the connection fails first
// (err != nil). Must be set before StartPingPong.
func (c *Connection) OnHandover(fn func(error)) {
	c.mu.Lock()
	c.handoverFn = fn
	c.mu.Unlock()
}

// StartPingPong begins keep-alive pinging at the negotiated interval. The
// same loop performs the background wait for connection_handover: it owns
// the socket's pull side until the connection is handed over, fails, or
// StopPingPong is called. A missed pong terminates the transport.
func (c *Connection) StartPingPong(interval, pongTimeout time.Duration) {
	c.mu.Lock()
	if c.pingStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.pingStop = stop
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "StartPingPong",
		"connection_id": c.id,
		"interval":      interval,
		"pong_timeout":  pongTimeout,
	}).Debug("Starting keep-alive")

	go c.pingPongLoop(interval, pongTimeout, stop)
}

// StopPingPong stops the keep-alive loop without closing the socket.
func (c *Connection) StopPingPong() {
	c.mu.Lock()
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.mu.Unlock()
}

func (c *Connection) stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (c *Connection) pingPongLoop(interval, pongTimeout time.Duration, stop chan struct{}) {
	for {
		msg, err := c.sock.WaitForJSONMessage(interval)
		if errors.Is(err, transport.ErrTimeout) {
			// Quiet interval: probe liveness.
			if c.stopped(stop) {
				return
			}
			if err := c.sendMessage(clientMessage{Command: MsgPing}); err != nil {
				c.deliverHandover(fmt.Errorf("send ping: %w", err))
				return
			}
			msg, err = c.sock.WaitForJSONMessage(pongTimeout)
			if errors.Is(err, transport.ErrTimeout) {
				// The peer is provably unreachable, a graceful close would
				// block on it.
				c.sock.Terminate("pong timeout")
				c.deliverHandover(errors.New("relay: liveness check failed, missed pong"))
				return
			}
		}
		if err != nil {
			if c.stopped(stop) {
				return
			}
			c.deliverHandover(err)
			return
		}

		command, _ := msg[CommandKey].(string)
		switch command {
		case MsgPong:
			// Peer alive, next interval.
		case MsgConnectionHandover:
			logrus.WithFields(logrus.Fields{
				"function":      "pingPongLoop",
				"connection_id": c.id,
			}).Info("Connection handed over by relay server")
			c.deliverHandover(nil)
			return
		default:
			logrus.WithFields(logrus.Fields{
				"function":      "pingPongLoop",
				"connection_id": c.id,
				"command":       command,
			}).Warn("Ignoring unexpected control message while spare")
		}
	}
}

// deliverHandover invokes the hand-over callback at most once; success and
// failure are mutually exclusive outcomes.
func (c *Connection) deliverHandover(err error) {
	c.handoverOnce.Do(func() {
		c.mu.Lock()
		fn := c.handoverFn
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}

// Close gracefully shuts the connection down.
func (c *Connection) Close(reason string) {
	c.sock.Close(reason)
}

// Terminate tears the connection down immediately.
func (c *Connection) Terminate(reason string) {
	c.sock.Terminate(reason)
}
