package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ChallengeSolver answers relay authentication challenges using the local
// identity key pair.
type ChallengeSolver struct {
	keys *KeyPair
}

// NewChallengeSolver creates a solver bound to the given key pair.
func NewChallengeSolver(keys *KeyPair) *ChallengeSolver {
	return &ChallengeSolver{keys: keys}
}

// SolveChallenge decrypts the server's challenge, inverts every byte of the
// plaintext and re-encrypts the result for the server. The server expects
// the bitwise complement of the challenge, not an echo; sending the bytes
// back unmodified is rejected.
func (s *ChallengeSolver) SolveChallenge(serverPK [32]byte, encryptedChallenge []byte) ([]byte, error) {
	challenge, err := Decrypt(encryptedChallenge, serverPK, s.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("decrypt challenge: %w", err)
	}

	for i := range challenge {
		challenge[i] = ^challenge[i]
	}

	response, err := Encrypt(challenge, serverPK, s.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("encrypt challenge response: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "SolveChallenge",
		"challenge_size": len(challenge),
	}).Debug("Solved authentication challenge")

	return response, nil
}
