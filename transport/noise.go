package transport

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onecomm/crypto"
)

// SecureSession is an encrypted channel over an established Socket, built
// with a Noise-IK handshake. The initiator must already know the responder's
// static public key; after a relay hand-over that is the peer identity key
// learned out of band.
type SecureSession struct {
	sock *Socket

	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState
}

func newHandshakeState(keys *crypto.KeyPair, peerStatic []byte, initiator bool) (*noise.HandshakeState, error) {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	return noise.NewHandshakeState(noise.Config{
		CipherSuite: cs,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: keys.Private[:],
			Public:  keys.Public[:],
		},
		PeerStatic: peerStatic,
	})
}

// SecureClient runs the initiator side of the Noise-IK handshake over sock.
func SecureClient(sock *Socket, keys *crypto.KeyPair, peerPublic [32]byte, timeout time.Duration) (*SecureSession, error) {
	hs, err := newHandshakeState(keys, peerPublic[:], true)
	if err != nil {
		return nil, fmt.Errorf("noise handshake init: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noise handshake message 1: %w", err)
	}
	if err := sock.SendBinary(msg); err != nil {
		return nil, err
	}

	reply, err := sock.WaitForMessage(timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for noise handshake reply: %w", err)
	}
	_, sendCS, recvCS, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("noise handshake message 2: %w", err)
	}

	logrus.WithField("function", "SecureClient").Debug("Noise-IK handshake complete")
	return &SecureSession{sock: sock, send: sendCS, recv: recvCS}, nil
}

// SecureServer runs the responder side of the Noise-IK handshake over sock.
func SecureServer(sock *Socket, keys *crypto.KeyPair, timeout time.Duration) (*SecureSession, error) {
	hs, err := newHandshakeState(keys, nil, false)
	if err != nil {
		return nil, fmt.Errorf("noise handshake init: %w", err)
	}

	first, err := sock.WaitForMessage(timeout)
	if err != nil {
		return nil, fmt.Errorf("waiting for noise handshake: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, first); err != nil {
		return nil, fmt.Errorf("noise handshake message 1: %w", err)
	}

	msg, recvCS, sendCS, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noise handshake message 2: %w", err)
	}
	if err := sock.SendBinary(msg); err != nil {
		return nil, err
	}

	logrus.WithField("function", "SecureServer").Debug("Noise-IK handshake complete")
	return &SecureSession{sock: sock, send: sendCS, recv: recvCS}, nil
}

// Send encrypts plaintext and writes it as one binary frame. The mutex spans
// both the encryption and the socket write: the cipher state's nonce sequence
// must match the wire order, or the receiver's state desyncs.
func (s *SecureSession) Send(plaintext []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ciphertext, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("noise encrypt: %w", err)
	}
	return s.sock.SendBinary(ciphertext)
}

// WaitForMessage waits for the next frame and decrypts it.
func (s *SecureSession) WaitForMessage(timeout time.Duration) ([]byte, error) {
	ciphertext, err := s.sock.WaitForMessage(timeout)
	if err != nil {
		return nil, err
	}

	s.recvMu.Lock()
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	s.recvMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("noise decrypt: %w", err)
	}
	return plaintext, nil
}

// Close gracefully closes the underlying socket.
func (s *SecureSession) Close(reason string) {
	s.sock.Close(reason)
}
