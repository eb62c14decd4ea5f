// Package relay implements the client side of the communication server
// protocol: registration, challenge/response authentication, keep-alive and
// connection hand-over.
//
// A Listener maintains a pool of pre-authenticated spare connections against
// one relay server. Each spare connection idles until the server signals
// connection_handover, at which point it leaves the pool, is delivered to
// the application through the OnConnection signal, and a replacement spare
// is scheduled. Failed connections are retried with a coalesced backoff
// timer for as long as the listener runs.
package relay
