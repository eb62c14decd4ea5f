package identity

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Save writes the secret identity to path with owner-only permissions.
func (s *Secret) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"path":     path,
	}).Info("Saved identity file")
	return nil
}

// Load reads a secret identity from path.
func Load(path string) (*Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var id Secret
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}

	if _, err := id.BoxKeyPair(); err != nil {
		return nil, fmt.Errorf("identity file has invalid key material: %w", err)
	}
	return &id, nil
}

// SavePublic writes only the shareable variant of the identity to path.
func (s *Secret) SavePublic(path string) error {
	data, err := json.MarshalIndent(s.PublicIdentity(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal public identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write public identity file: %w", err)
	}
	return nil
}
