// Package identity defines the local identity value object: an email-like
// person label, an instance label and the hex-encoded asymmetric key
// material (NaCl box pair plus Ed25519 sign pair) used by the relay client.
//
// A Secret identity is created once, either randomly generated or loaded
// from durable storage, and is immutable afterwards. Only the Public variant
// may ever leave the process.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onecomm/crypto"
)

// Public is the shareable identity variant. It carries no secret material.
type Public struct {
	PersonEmail   string `json:"personEmail"`
	InstanceName  string `json:"instanceName"`
	BoxPublicKey  string `json:"boxPublicKey"`
	SignPublicKey string `json:"signPublicKey"`
	RelayURL      string `json:"url,omitempty"`
}

// Secret is the full identity including secret keys. It must never be
// transmitted; use PublicIdentity for anything that leaves the process.
type Secret struct {
	Public
	BoxSecretKey  string `json:"boxSecretKey"`
	SignSecretKey string `json:"signSecretKey"`
}

// Generate creates a fresh identity with random box and sign key pairs.
// relayURL may be empty when the relay endpoint is configured elsewhere.
func Generate(personEmail, instanceName, relayURL string) (*Secret, error) {
	if personEmail == "" {
		return nil, errors.New("identity: person email must not be empty")
	}
	if instanceName == "" {
		return nil, errors.New("identity: instance name must not be empty")
	}

	boxKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate box key pair: %w", err)
	}

	signPublic, signSecret, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate sign key pair: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Generate",
		"person_email":  personEmail,
		"instance_name": instanceName,
	}).Info("Generated new identity")

	return &Secret{
		Public: Public{
			PersonEmail:   personEmail,
			InstanceName:  instanceName,
			BoxPublicKey:  hex.EncodeToString(boxKeys.Public[:]),
			SignPublicKey: hex.EncodeToString(signPublic),
			RelayURL:      relayURL,
		},
		BoxSecretKey:  hex.EncodeToString(boxKeys.Private[:]),
		SignSecretKey: hex.EncodeToString(signSecret),
	}, nil
}

// PublicIdentity returns the shareable variant.
func (s *Secret) PublicIdentity() Public {
	return s.Public
}

// BoxKeyPair decodes the identity's box key material into a crypto.KeyPair.
func (s *Secret) BoxKeyPair() (*crypto.KeyPair, error) {
	secret, err := decodeKey32(s.BoxSecretKey)
	if err != nil {
		return nil, fmt.Errorf("decode box secret key: %w", err)
	}
	public, err := decodeKey32(s.BoxPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode box public key: %w", err)
	}
	return &crypto.KeyPair{Public: public, Private: secret}, nil
}

// SignKey decodes the Ed25519 private key.
func (s *Secret) SignKey() (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(s.SignSecretKey)
	if err != nil {
		return nil, fmt.Errorf("decode sign secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign secret key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// BoxPublic decodes the box public key of a public identity.
func (p Public) BoxPublic() ([32]byte, error) {
	key, err := decodeKey32(p.BoxPublicKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decode box public key: %w", err)
	}
	return key, nil
}

func decodeKey32(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key has %d bytes, want 32", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
