package onecomm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/onecomm/identity"
	"github.com/opd-ai/onecomm/relay"
)

func testIdentity(t *testing.T, relayURL string) *identity.Secret {
	t.Helper()
	id, err := identity.Generate("test@example.com", "unit-test", relayURL)
	require.NoError(t, err)
	return id
}

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, 2, opts.SpareConnectionLimit)
	assert.Equal(t, 5*time.Second, opts.ReconnectTimeout)
	assert.Equal(t, 2*time.Second, opts.PongTimeout)
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name    string
		options *Options
	}{
		{name: "Nil options", options: nil},
		{name: "Missing identity", options: NewOptions()},
		{
			name: "No relay URL anywhere",
			options: func() *Options {
				o := NewOptions()
				o.Identity = testIdentityNoURL(t)
				return o
			}(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.options)
			require.Error(t, err)
		})
	}
}

func testIdentityNoURL(t *testing.T) *identity.Secret {
	t.Helper()
	return testIdentity(t, "")
}

func TestNewUsesIdentityRelayURL(t *testing.T) {
	opts := NewOptions()
	opts.Identity = testIdentity(t, "wss://relay.example.com")

	client, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com", client.relayURL)
	assert.Equal(t, relay.StateNotListening, client.State())
}

func TestExplicitRelayURLWins(t *testing.T) {
	opts := NewOptions()
	opts.Identity = testIdentity(t, "wss://from-identity.example.com")
	opts.RelayServerURL = "wss://explicit.example.com"

	client, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, "wss://explicit.example.com", client.relayURL)
}

func TestIdentityExposesOnlyPublicVariant(t *testing.T) {
	opts := NewOptions()
	opts.Identity = testIdentity(t, "wss://relay.example.com")

	client, err := New(opts)
	require.NoError(t, err)

	pub := client.Identity()
	assert.Equal(t, "test@example.com", pub.PersonEmail)
	assert.NotEmpty(t, pub.BoxPublicKey)
}

func TestKillIsIdempotent(t *testing.T) {
	opts := NewOptions()
	opts.Identity = testIdentity(t, "wss://relay.example.com")

	client, err := New(opts)
	require.NoError(t, err)

	client.Kill()
	assert.NotPanics(t, client.Kill)
	assert.Equal(t, relay.StateNotListening, client.State())
}

func TestCallbackRegistration(t *testing.T) {
	opts := NewOptions()
	opts.Identity = testIdentity(t, "wss://relay.example.com")

	client, err := New(opts)
	require.NoError(t, err)

	unsubConn := client.OnPeerConnection(func(*relay.Connection) {})
	unsubState := client.OnStateChange(func(relay.StateChange) {})
	assert.NotPanics(t, unsubConn)
	assert.NotPanics(t, unsubState)
}
