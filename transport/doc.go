// Package transport wraps a message-oriented websocket channel in a
// request/response-friendly facade.
//
// A Socket converts the event-driven channel into explicit wait operations
// (WaitForOpen, WaitForMessage and the JSON variants) with bounded buffering
// and fail-stop overflow, while still broadcasting every incoming message
// through an event signal for push-style consumers. MemPipe provides an
// in-memory connection pair so protocol code can be exercised without a
// network. SecureSession upgrades an established Socket to an encrypted
// channel using a Noise-IK handshake.
package transport
