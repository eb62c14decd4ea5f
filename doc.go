// Package onecomm implements the client side of a peer-to-peer identity
// platform's communication layer: it registers a local identity with a
// public relay server, keeps a pool of pre-authenticated spare connections,
// and hands fully-established peer connections to the application when the
// server signals a hand-over.
//
// # Getting Started
//
// Create or load an identity, build a client and register callbacks:
//
//	id, err := identity.Generate("alice@example.com", "laptop", "wss://comm.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	options := onecomm.NewOptions()
//	options.Identity = id
//
//	client, err := onecomm.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Kill()
//
//	client.OnPeerConnection(func(conn *relay.Connection) {
//	    // The connection is authenticated and ready; ownership is yours.
//	})
//
//	if err := client.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Architecture
//
// The package is a thin facade over four subsystems:
//
//   - transport: promise-style wrapper around a websocket channel with
//     bounded buffering and fail-stop overflow, plus an in-memory pipe for
//     tests and a Noise-IK secure session for post-hand-over encryption
//   - relay: the relay wire protocol (registration, challenge/response
//     authentication, keep-alive, hand-over) and the spare-connection pool
//     state machine
//   - crypto: NaCl box key pairs and the bitwise-complement challenge proof
//   - identity: the persistent local identity value object
//
// The relay listener retries failed connections with a coalesced backoff
// timer for as long as it runs; Stop (or Client.Kill) is the only way to
// halt retries.
package onecomm
