package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onecomm/event"
	"github.com/opd-ai/onecomm/transport"
)

// State is the aggregate listening state of a Listener.
type State uint8

const (
	// StateNotListening means the listener is not running.
	StateNotListening State = iota
	// StateConnecting means the listener runs but has no spare connection.
	StateConnecting
	// StateListening means at least one authenticated spare connection is
	// ready for hand-over.
	StateListening
)

func (s State) String() string {
	switch s {
	case StateNotListening:
		return "not_listening"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// deriveState is the single source of truth for the aggregate state.
func deriveState(running bool, spareCount int) State {
	switch {
	case !running:
		return StateNotListening
	case spareCount > 0:
		return StateListening
	default:
		return StateConnecting
	}
}

// StateChange describes one listener state transition.
type StateChange struct {
	Old    State
	New    State
	Reason string
}

// Challenge carries the server's authentication challenge to reactive
// challenge handlers. The challenge bytes are still encrypted; the handler
// must return the proof bytes ready to send.
type Challenge struct {
	ServerPublicKey [32]byte
	Challenge       []byte
}

// Cryptor answers authentication challenges when wired in directly instead
// of reactively via OnChallenge.
type Cryptor interface {
	SolveChallenge(serverPublicKey [32]byte, encryptedChallenge []byte) ([]byte, error)
}

// ErrAlreadyListening is returned by Start while the listener is running.
var ErrAlreadyListening = errors.New("relay: listener already running")

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// SpareConnectionLimit is the target number of pre-authenticated spare
	// connections kept against the relay server.
	SpareConnectionLimit int
	// ReconnectTimeout is the backoff delay before retrying after a failed
	// connection attempt.
	ReconnectTimeout time.Duration
	// OpenTimeout bounds the transport open phase of each attempt.
	OpenTimeout time.Duration
	// MessageTimeout bounds each handshake message wait.
	MessageTimeout time.Duration
	// PongTimeout bounds how long the keep-alive waits for a pong. The
	// protocol specifies 2000ms.
	PongTimeout time.Duration
	// Cryptor answers authentication challenges. When nil the listener
	// falls back to racing the OnChallenge subscribers.
	Cryptor Cryptor
	// Clock injects the time source for the backoff timer.
	Clock clock.Clock
	// IDs allocates connection ids; defaults to a process-wide source.
	IDs *IDSource
	// Dial opens the transport to the relay server; defaults to a
	// websocket dial. Injectable for tests.
	Dial func(serverURL string) *transport.Socket
	// SocketOptions configures sockets opened by the default dialer.
	SocketOptions *transport.SocketOptions
}

// NewListenerOptions returns options with protocol defaults.
func NewListenerOptions() *ListenerOptions {
	return &ListenerOptions{
		SpareConnectionLimit: 2,
		ReconnectTimeout:     5 * time.Second,
		OpenTimeout:          30 * time.Second,
		MessageTimeout:       30 * time.Second,
		PongTimeout:          2 * time.Second,
	}
}

func (o *ListenerOptions) withDefaults() ListenerOptions {
	opts := *NewListenerOptions()
	if o != nil {
		opts = *o
	}
	if opts.SpareConnectionLimit <= 0 {
		opts.SpareConnectionLimit = 2
	}
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = 5 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.IDs == nil {
		opts.IDs = &defaultIDSource
	}
	return opts
}

// Listener keeps SpareConnectionLimit pre-authenticated spare connections
// registered against a relay server and delivers handed-over connections to
// the application.
type Listener struct {
	opts ListenerOptions
	clk  clock.Clock

	// OnConnection delivers each handed-over, ready-to-use connection.
	// Ownership transfers to the subscriber; Stop will not touch it.
	OnConnection *event.Signal[*Connection]
	// OnStateChange fires on every actual aggregate state transition.
	OnStateChange *event.Signal[StateChange]
	// OnChallenge is raced to answer authentication challenges when no
	// Cryptor is configured.
	OnChallenge *event.Emitter[Challenge, []byte]

	mu         sync.Mutex
	running    bool
	state      State
	serverURL  string
	publicKey  [32]byte
	spares     map[uint64]*Connection
	retryTimer *clock.Timer // at most one pending delayed retry
}

// NewListener creates a stopped listener.
func NewListener(opts *ListenerOptions) *Listener {
	o := opts.withDefaults()
	l := &Listener{
		opts:          o,
		clk:           o.Clock,
		OnConnection:  event.NewSignal[*Connection](),
		OnStateChange: event.NewSignal[StateChange](),
		OnChallenge:   event.New[Challenge, []byte](),
		state:         StateNotListening,
		spares:        make(map[uint64]*Connection),
	}
	if l.opts.Dial == nil {
		l.opts.Dial = func(serverURL string) *transport.Socket {
			return transport.Dial(serverURL, o.SocketOptions)
		}
	}
	return l
}

// Start begins listening for hand-overs of publicKey on the given relay
// server. It fails if the listener is already running.
func (l *Listener) Start(serverURL string, publicKey [32]byte) error {
	if serverURL == "" {
		return errors.New("relay: server URL must not be empty")
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyListening
	}
	l.running = true
	l.serverURL = serverURL
	l.publicKey = publicKey
	l.changeStateLocked("listener started")
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"server":   serverURL,
		"limit":    l.opts.SpareConnectionLimit,
	}).Info("Relay listener starting")

	go l.scheduleSpareConnection(false)
	return nil
}

// Stop halts the listener: all spare connections are closed and the pending
// backoff timer, if any, is cancelled. Connections already handed over to
// the application are the application's responsibility and stay untouched.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
	spares := make([]*Connection, 0, len(l.spares))
	for _, conn := range l.spares {
		spares = append(spares, conn)
	}
	l.spares = make(map[uint64]*Connection)
	l.changeStateLocked("listener stopped")
	l.mu.Unlock()

	for _, conn := range spares {
		conn.StopPingPong()
		conn.Close("listener stopped")
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Stop",
		"closed_spares": len(spares),
	}).Info("Relay listener stopped")
}

// State returns the current aggregate state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SpareConnectionCount returns the current spare pool size.
func (l *Listener) SpareConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.spares)
}

// changeStateLocked re-derives the aggregate state and emits a state-change
// notification only on actual change. Caller holds l.mu.
func (l *Listener) changeStateLocked(reason string) {
	next := deriveState(l.running, len(l.spares))
	if next == l.state {
		return
	}
	old := l.state
	l.state = next

	logrus.WithFields(logrus.Fields{
		"function":  "changeStateLocked",
		"old_state": old.String(),
		"new_state": next.String(),
		"reason":    reason,
	}).Debug("Listener state changed")

	l.OnStateChange.Emit(StateChange{Old: old, New: next, Reason: reason})
}

// scheduleSpareConnection tries to bring the spare pool one connection
// closer to the limit. With delayed set, the attempt is deferred by
// ReconnectTimeout; concurrent delayed requests coalesce into the single
// pending timer.
func (l *Listener) scheduleSpareConnection(delayed bool) {
	l.mu.Lock()
	if !l.running || len(l.spares) >= l.opts.SpareConnectionLimit {
		l.mu.Unlock()
		return
	}
	if delayed {
		if l.retryTimer != nil {
			// A delayed attempt is already pending.
			l.mu.Unlock()
			return
		}
		l.retryTimer = l.clk.AfterFunc(l.opts.ReconnectTimeout, func() {
			l.mu.Lock()
			l.retryTimer = nil
			l.mu.Unlock()
			l.scheduleSpareConnection(false)
		})
		l.mu.Unlock()
		return
	}
	serverURL, publicKey := l.serverURL, l.publicKey
	l.mu.Unlock()

	conn, pingInterval, err := l.establishListeningConnection(serverURL, publicKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "scheduleSpareConnection",
			"server":   serverURL,
			"error":    err.Error(),
		}).Warn("Spare connection attempt failed, backing off")
		l.scheduleSpareConnection(true)
		return
	}

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		conn.Close("listener stopped")
		return
	}
	if len(l.spares) >= l.opts.SpareConnectionLimit {
		l.mu.Unlock()
		conn.Close("spare pool full")
		return
	}
	l.spares[conn.ID()] = conn
	l.changeStateLocked("spare connection established")
	l.mu.Unlock()

	conn.OnHandover(func(err error) { l.handleSpareOutcome(conn, err) })
	conn.StartPingPong(pingInterval, l.opts.PongTimeout)

	logrus.WithFields(logrus.Fields{
		"function":      "scheduleSpareConnection",
		"connection_id": conn.ID(),
	}).Info("Spare connection ready")

	// Keep refilling toward the limit.
	go l.scheduleSpareConnection(false)
}

// handleSpareOutcome is the per-connection hand-over callback: exactly one
// of hand-over (err == nil) or failure (err != nil) arrives per spare.
func (l *Listener) handleSpareOutcome(conn *Connection, err error) {
	l.mu.Lock()
	if _, ok := l.spares[conn.ID()]; !ok {
		// Already removed, e.g. by Stop.
		l.mu.Unlock()
		return
	}
	delete(l.spares, conn.ID())
	running := l.running
	if err != nil {
		l.changeStateLocked(fmt.Sprintf("spare connection failed: %v", err))
	} else {
		l.changeStateLocked("connection handed over")
	}
	l.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "handleSpareOutcome",
			"connection_id": conn.ID(),
			"error":         err.Error(),
		}).Warn("Spare connection failed")
		conn.Close(err.Error())
		if running {
			l.scheduleSpareConnection(true)
		}
		return
	}

	if running {
		go l.scheduleSpareConnection(false)
	}
	l.OnConnection.Emit(conn)
}

// establishListeningConnection performs one full handshake attempt: open the
// transport, register, answer the authentication challenge and wait for
// success. It returns the registered connection and the negotiated ping
// interval; the hand-over itself is reported later through the connection's
// callback.
func (l *Listener) establishListeningConnection(serverURL string, publicKey [32]byte) (*Connection, time.Duration, error) {
	sock := l.opts.Dial(serverURL)
	if err := sock.WaitForOpen(l.opts.OpenTimeout); err != nil {
		sock.Terminate(err.Error())
		return nil, 0, fmt.Errorf("open relay connection: %w", err)
	}

	conn := NewConnection(l.opts.IDs.Next(), sock)

	if err := conn.SendRegister(publicKey); err != nil {
		conn.Close(err.Error())
		return nil, 0, fmt.Errorf("register: %w", err)
	}

	msg, err := conn.WaitForMessageType(MsgAuthenticationRequest, l.opts.MessageTimeout)
	if err != nil {
		conn.Close(err.Error())
		return nil, 0, err
	}
	serverKey, err := keyField(msg, "publicKey")
	if err != nil {
		conn.Close(err.Error())
		return nil, 0, err
	}
	challenge, err := hexField(msg, "challenge")
	if err != nil {
		conn.Close(err.Error())
		return nil, 0, err
	}

	response, err := l.solveChallenge(serverKey, challenge)
	if err != nil {
		conn.Close(err.Error())
		return nil, 0, fmt.Errorf("solve challenge: %w", err)
	}
	if err := conn.SendAuthenticationResponse(response); err != nil {
		conn.Close(err.Error())
		return nil, 0, err
	}

	msg, err = conn.WaitForMessageType(MsgAuthenticationSuccess, l.opts.MessageTimeout)
	if err != nil {
		conn.Close(err.Error())
		return nil, 0, err
	}
	pingInterval, err := durationMSField(msg, "pingInterval")
	if err != nil {
		conn.Close(err.Error())
		return nil, 0, err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "establishListeningConnection",
		"connection_id": conn.ID(),
		"ping_interval": pingInterval,
	}).Debug("Relay connection authenticated")

	return conn, pingInterval, nil
}

// solveChallenge answers the server's challenge either through the wired
// Cryptor or by racing the reactive OnChallenge subscribers.
func (l *Listener) solveChallenge(serverKey [32]byte, encryptedChallenge []byte) ([]byte, error) {
	if l.opts.Cryptor != nil {
		return l.opts.Cryptor.SolveChallenge(serverKey, encryptedChallenge)
	}
	response, err := l.OnChallenge.EmitRace(Challenge{
		ServerPublicKey: serverKey,
		Challenge:       encryptedChallenge,
	})
	if err != nil {
		return nil, fmt.Errorf("challenge handler: %w", err)
	}
	return response, nil
}
