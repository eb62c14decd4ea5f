package onecomm

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onecomm/crypto"
	"github.com/opd-ai/onecomm/identity"
	"github.com/opd-ai/onecomm/relay"
	"github.com/opd-ai/onecomm/transport"
)

// Options configures a Client.
type Options struct {
	// RelayServerURL is the websocket endpoint of the communication server.
	// When empty, the identity's embedded relay URL is used.
	RelayServerURL string
	// SpareConnectionLimit is the target number of pre-authenticated spare
	// connections kept against the relay server.
	SpareConnectionLimit int
	// ReconnectTimeout is the backoff delay between failed connection
	// attempts.
	ReconnectTimeout time.Duration
	// PongTimeout bounds the keep-alive pong wait.
	PongTimeout time.Duration
	// Identity is the local secret identity. Required.
	Identity *identity.Secret
}

// NewOptions returns options with protocol defaults.
func NewOptions() *Options {
	return &Options{
		SpareConnectionLimit: 2,
		ReconnectTimeout:     5 * time.Second,
		PongTimeout:          2 * time.Second,
	}
}

// Client ties a local identity to a relay listener and hands established
// peer connections to the application.
type Client struct {
	identity *identity.Secret
	keys     *crypto.KeyPair
	relayURL string
	listener *relay.Listener
}

// New creates a Client from options. The identity's box key pair becomes
// both the registration key and the challenge-response key.
func New(options *Options) (*Client, error) {
	if options == nil {
		return nil, errors.New("onecomm: options must not be nil")
	}
	if options.Identity == nil {
		return nil, errors.New("onecomm: options.Identity is required")
	}

	keys, err := options.Identity.BoxKeyPair()
	if err != nil {
		return nil, fmt.Errorf("onecomm: identity key material: %w", err)
	}

	relayURL := options.RelayServerURL
	if relayURL == "" {
		relayURL = options.Identity.RelayURL
	}
	if relayURL == "" {
		return nil, errors.New("onecomm: no relay server URL configured")
	}

	listenerOpts := relay.NewListenerOptions()
	listenerOpts.SpareConnectionLimit = options.SpareConnectionLimit
	listenerOpts.ReconnectTimeout = options.ReconnectTimeout
	listenerOpts.PongTimeout = options.PongTimeout
	listenerOpts.Cryptor = crypto.NewChallengeSolver(keys)

	logrus.WithFields(logrus.Fields{
		"function":      "New",
		"person_email":  options.Identity.PersonEmail,
		"instance_name": options.Identity.InstanceName,
		"relay_url":     relayURL,
	}).Info("Creating client")

	return &Client{
		identity: options.Identity,
		keys:     keys,
		relayURL: relayURL,
		listener: relay.NewListener(listenerOpts),
	}, nil
}

// Start registers with the relay server and begins accepting hand-overs.
func (c *Client) Start() error {
	return c.listener.Start(c.relayURL, c.keys.Public)
}

// Kill stops the listener and closes all spare connections. Connections
// already handed to the application stay open.
func (c *Client) Kill() {
	c.listener.Stop()
}

// State returns the aggregate listening state.
func (c *Client) State() relay.State {
	return c.listener.State()
}

// Identity returns the shareable variant of the local identity.
func (c *Client) Identity() identity.Public {
	return c.identity.PublicIdentity()
}

// OnPeerConnection registers a callback for each handed-over peer
// connection and returns its unsubscribe function. Ownership of the
// connection passes to the callback.
func (c *Client) OnPeerConnection(fn func(*relay.Connection)) (unsubscribe func()) {
	return c.listener.OnConnection.Connect(func(conn *relay.Connection) error {
		fn(conn)
		return nil
	})
}

// OnStateChange registers a callback for listener state transitions and
// returns its unsubscribe function.
func (c *Client) OnStateChange(fn func(relay.StateChange)) (unsubscribe func()) {
	return c.listener.OnStateChange.Connect(func(sc relay.StateChange) error {
		fn(sc)
		return nil
	})
}

// SecureAccept upgrades a handed-over connection to an encrypted session,
// acting as the Noise-IK responder. The initiating peer must know this
// identity's box public key.
func (c *Client) SecureAccept(conn *relay.Connection, timeout time.Duration) (*transport.SecureSession, error) {
	return transport.SecureServer(conn.Socket(), c.keys, timeout)
}

// SecureConnect upgrades a handed-over connection to an encrypted session,
// acting as the Noise-IK initiator towards the peer with the given box
// public key.
func (c *Client) SecureConnect(conn *relay.Connection, peerPublic [32]byte, timeout time.Duration) (*transport.SecureSession, error) {
	return transport.SecureClient(conn.Socket(), c.keys, peerPublic, timeout)
}
