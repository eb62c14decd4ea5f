package relay

import (
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/onecomm/crypto"
	"github.com/opd-ai/onecomm/transport"
)

func newTestListener(t *testing.T, srv *mockServer, opts *ListenerOptions) (*Listener, *crypto.KeyPair) {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	if opts == nil {
		opts = NewListenerOptions()
	}
	if opts.Dial == nil {
		opts.Dial = srv.dialer()
	}
	if opts.Cryptor == nil {
		opts.Cryptor = crypto.NewChallengeSolver(keys)
	}
	if opts.ReconnectTimeout == 0 {
		opts.ReconnectTimeout = 20 * time.Millisecond
	}

	l := NewListener(opts)
	t.Cleanup(l.Stop)
	return l, keys
}

func TestDeriveState(t *testing.T) {
	cases := []struct {
		name    string
		running bool
		spares  int
		want    State
	}{
		{name: "Stopped with empty pool", running: false, spares: 0, want: StateNotListening},
		{name: "Stopped with leftover spares", running: false, spares: 2, want: StateNotListening},
		{name: "Running with empty pool", running: true, spares: 0, want: StateConnecting},
		{name: "Running with one spare", running: true, spares: 1, want: StateListening},
		{name: "Running with full pool", running: true, spares: 5, want: StateListening},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveState(tc.running, tc.spares))
		})
	}
}

func TestDeriveStateRandomSequences(t *testing.T) {
	// Drive arbitrary add/remove/start/stop sequences and assert the state
	// derivation invariants after every step.
	rng := rand.New(rand.NewSource(1))
	running := false
	spares := 0

	for i := 0; i < 1000; i++ {
		switch rng.Intn(4) {
		case 0:
			running = true
		case 1:
			running = false
			spares = 0
		case 2:
			if running {
				spares++
			}
		case 3:
			if spares > 0 {
				spares--
			}
		}

		state := deriveState(running, spares)
		switch {
		case !running:
			assert.Equal(t, StateNotListening, state)
		case spares > 0:
			assert.Equal(t, StateListening, state)
		default:
			assert.Equal(t, StateConnecting, state)
		}
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	srv := newMockServer(t)
	l, keys := newTestListener(t, srv, nil)

	require.NoError(t, l.Start("wss://relay.test", keys.Public))
	err := l.Start("wss://relay.test", keys.Public)
	require.ErrorIs(t, err, ErrAlreadyListening)
}

func TestStartValidation(t *testing.T) {
	srv := newMockServer(t)
	l, keys := newTestListener(t, srv, nil)

	require.Error(t, l.Start("", keys.Public))
}

func TestListenerFillsSparePool(t *testing.T) {
	srv := newMockServer(t)
	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 2
	l, keys := newTestListener(t, srv, opts)

	states := make(chan StateChange, 16)
	l.OnStateChange.Connect(func(sc StateChange) error {
		states <- sc
		return nil
	})

	require.NoError(t, l.Start("wss://relay.test", keys.Public))

	require.Eventually(t, func() bool {
		return l.SpareConnectionCount() == 2 && l.State() == StateListening
	}, 5*time.Second, 5*time.Millisecond)

	// Both transitions were reported: start -> Connecting, first spare ->
	// Listening. Notifications are dispatched asynchronously, so check
	// membership rather than arrival order.
	var first, second StateChange
	select {
	case first = <-states:
	case <-time.After(5 * time.Second):
		t.Fatal("no state change reported")
	}
	select {
	case second = <-states:
	case <-time.After(5 * time.Second):
		t.Fatal("only one state change reported")
	}
	seen := []StateChange{first, second}
	assert.Contains(t, seen, StateChange{Old: StateNotListening, New: StateConnecting, Reason: "listener started"})
	foundListening := false
	for _, sc := range seen {
		if sc.Old == StateConnecting && sc.New == StateListening {
			foundListening = true
		}
	}
	assert.True(t, foundListening, "missing Connecting -> Listening transition")
}

func TestPoolNeverExceedsLimit(t *testing.T) {
	srv := newMockServer(t)
	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 2
	l, keys := newTestListener(t, srv, opts)

	require.NoError(t, l.Start("wss://relay.test", keys.Public))

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		count := l.SpareConnectionCount()
		require.GreaterOrEqual(t, count, 0)
		require.LessOrEqual(t, count, 2)
		time.Sleep(time.Millisecond)
	}
}

func TestListenerRecoversFromDroppedSpare(t *testing.T) {
	srv := newMockServer(t)
	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 2
	l, keys := newTestListener(t, srv, opts)

	require.NoError(t, l.Start("wss://relay.test", keys.Public))
	require.Eventually(t, func() bool {
		return l.SpareConnectionCount() == 2
	}, 5*time.Second, 5*time.Millisecond)

	srv.dropPeer(srv.authenticatedPeers()[0])

	// The pool dips, then the delayed retry restores it.
	require.Eventually(t, func() bool {
		return l.SpareConnectionCount() == 2 && l.State() == StateListening
	}, 5*time.Second, 5*time.Millisecond)
}

func TestListenerRetriesFailedHandshakes(t *testing.T) {
	srv := newMockServer(t)
	srv.failNextAttempts(2)
	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 1
	l, keys := newTestListener(t, srv, opts)

	require.NoError(t, l.Start("wss://relay.test", keys.Public))

	require.Eventually(t, func() bool {
		return l.State() == StateListening && l.SpareConnectionCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBackoffTimerCoalesces(t *testing.T) {
	mock := clock.NewMock()
	var dials atomic.Int32

	srv := newMockServer(t)
	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 2
	opts.Clock = mock
	opts.ReconnectTimeout = time.Minute
	opts.Dial = func(string) *transport.Socket {
		dials.Add(1)
		// Every attempt fails immediately: the peer end is gone.
		client, server := transport.MemPipe()
		server.Close()
		return transport.Wrap(client, nil)
	}
	l, keys := newTestListener(t, srv, opts)

	require.NoError(t, l.Start("wss://relay.test", keys.Public))

	// The first attempt fails and schedules the single delayed retry.
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.retryTimer != nil
	}, 5*time.Second, time.Millisecond)
	attempts := dials.Load()

	// Additional delayed requests must coalesce into the pending timer.
	l.scheduleSpareConnection(true)
	l.scheduleSpareConnection(true)

	mock.Add(time.Minute)

	// Exactly one retry fires, which fails and re-arms a single timer.
	require.Eventually(t, func() bool {
		return dials.Load() == attempts+1
	}, 5*time.Second, time.Millisecond)
	require.Never(t, func() bool {
		return dials.Load() > attempts+1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestStopClosesSparesAndCancelsTimer(t *testing.T) {
	srv := newMockServer(t)
	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 2
	l, keys := newTestListener(t, srv, opts)

	require.NoError(t, l.Start("wss://relay.test", keys.Public))
	require.Eventually(t, func() bool {
		return l.SpareConnectionCount() == 2
	}, 5*time.Second, 5*time.Millisecond)

	// Arm a pending delayed retry alongside the full pool, then stop.
	l.mu.Lock()
	l.retryTimer = l.clk.AfterFunc(time.Hour, func() {})
	l.mu.Unlock()

	peers := srv.authenticatedPeers()
	l.Stop()

	assert.Equal(t, StateNotListening, l.State())
	assert.Equal(t, 0, l.SpareConnectionCount())
	l.mu.Lock()
	assert.Nil(t, l.retryTimer, "Stop must cancel the pending backoff timer")
	l.mu.Unlock()

	// Both server-side peers observe the close.
	for _, peer := range peers {
		select {
		case <-peer.done:
		case <-time.After(2 * time.Second):
			t.Fatal("server peer never saw the close")
		}
	}

	// No further attempts happen once stopped.
	before := len(srv.authenticatedPeers())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, len(srv.authenticatedPeers()))
}

func TestHandoverDeliversConnectionAndRefillsPool(t *testing.T) {
	srv := newMockServer(t)
	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 1
	l, keys := newTestListener(t, srv, opts)

	delivered := make(chan *Connection, 1)
	l.OnConnection.Connect(func(conn *Connection) error {
		delivered <- conn
		return nil
	})

	require.NoError(t, l.Start("wss://relay.test", keys.Public))
	require.Eventually(t, func() bool {
		return l.SpareConnectionCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	srv.triggerHandover(srv.authenticatedPeers()[0])

	var conn *Connection
	select {
	case conn = <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("handed-over connection never delivered")
	}

	assert.True(t, conn.Socket().IsOpen(), "delivered connection must be ready to use")

	// A replacement spare refills the pool.
	require.Eventually(t, func() bool {
		return l.SpareConnectionCount() == 1 && l.State() == StateListening
	}, 5*time.Second, 5*time.Millisecond)

	// Stop leaves the handed-over connection untouched.
	l.Stop()
	assert.True(t, conn.Socket().IsOpen(), "Stop must not close handed-over connections")
}

func TestChallengeAnsweredReactively(t *testing.T) {
	srv := newMockServer(t)
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 1
	opts.Dial = srv.dialer()
	// No Cryptor: the listener must race OnChallenge subscribers instead.
	l := NewListener(opts)
	t.Cleanup(l.Stop)

	solver := crypto.NewChallengeSolver(keys)
	l.OnChallenge.Connect(func(ch Challenge) ([]byte, error) {
		return solver.SolveChallenge(ch.ServerPublicKey, ch.Challenge)
	})

	require.NoError(t, l.Start("wss://relay.test", keys.Public))
	require.Eventually(t, func() bool {
		return l.State() == StateListening
	}, 5*time.Second, 5*time.Millisecond)
}

func TestChallengeWithoutSolverFailsAttempt(t *testing.T) {
	srv := newMockServer(t)
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	opts := NewListenerOptions()
	opts.SpareConnectionLimit = 1
	opts.Dial = srv.dialer()
	l := NewListener(opts)
	t.Cleanup(l.Stop)

	require.NoError(t, l.Start("wss://relay.test", keys.Public))

	// With neither Cryptor nor OnChallenge subscribers every attempt fails;
	// the listener keeps retrying and stays in Connecting.
	require.Never(t, func() bool {
		return l.State() == StateListening
	}, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateConnecting, l.State())
}
