package relay

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Control message types of the relay wire protocol. All control frames are
// JSON objects discriminated by the CommandKey field; binary material
// (keys, challenges, responses) travels hex-encoded.
const (
	MsgRegister               = "register"
	MsgAuthenticationRequest  = "authentication_request"
	MsgAuthenticationResponse = "authentication_response"
	MsgAuthenticationSuccess  = "authentication_success"
	MsgPing                   = "ping"
	MsgPong                   = "pong"
	MsgConnectionHandover     = "connection_handover"
)

// CommandKey is the JSON field discriminating control message types.
const CommandKey = "command"

// clientMessage is the frame layout for every client-to-server control
// message.
type clientMessage struct {
	Command   string `json:"command"`
	PublicKey string `json:"publicKey,omitempty"`
	Response  string `json:"response,omitempty"`
}

// hexField extracts and decodes a hex-encoded field from a control message.
func hexField(msg map[string]any, key string) ([]byte, error) {
	raw, ok := msg[key].(string)
	if !ok {
		return nil, fmt.Errorf("relay: message has no %q field", key)
	}
	data, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("relay: field %q is not valid hex: %w", key, err)
	}
	return data, nil
}

// keyField extracts a hex-encoded 32-byte key from a control message.
func keyField(msg map[string]any, key string) ([32]byte, error) {
	var out [32]byte
	data, err := hexField(msg, key)
	if err != nil {
		return out, err
	}
	if len(data) != 32 {
		return out, fmt.Errorf("relay: field %q has %d bytes, want 32", key, len(data))
	}
	copy(out[:], data)
	return out, nil
}

// durationMSField extracts a millisecond count from a control message.
func durationMSField(msg map[string]any, key string) (time.Duration, error) {
	ms, ok := msg[key].(float64)
	if !ok {
		return 0, fmt.Errorf("relay: message has no numeric %q field", key)
	}
	if ms <= 0 {
		return 0, fmt.Errorf("relay: field %q must be positive, got %v", key, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
