package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id, err := Generate("alice@example.com", "laptop", "wss://relay.example.com")
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", id.PersonEmail)
	assert.Equal(t, "laptop", id.InstanceName)
	assert.Len(t, id.BoxPublicKey, 64, "box public key must be 32 hex-encoded bytes")
	assert.Len(t, id.BoxSecretKey, 64)
	assert.Len(t, id.SignPublicKey, 64)
	assert.Len(t, id.SignSecretKey, 128, "ed25519 private key is 64 bytes")

	keys, err := id.BoxKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, keys.Public)

	_, err = id.SignKey()
	require.NoError(t, err)
}

func TestGenerateValidation(t *testing.T) {
	cases := []struct {
		name     string
		email    string
		instance string
	}{
		{name: "Empty email", email: "", instance: "laptop"},
		{name: "Empty instance", email: "alice@example.com", instance: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Generate(tc.email, tc.instance, "")
			require.Error(t, err)
		})
	}
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	a, err := Generate("a@example.com", "one", "")
	require.NoError(t, err)
	b, err := Generate("a@example.com", "one", "")
	require.NoError(t, err)

	assert.NotEqual(t, a.BoxPublicKey, b.BoxPublicKey)
	assert.NotEqual(t, a.SignPublicKey, b.SignPublicKey)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")

	id, err := Generate("bob@example.com", "phone", "wss://relay.example.com")
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "secret identity file must be owner-only")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id, loaded)
}

func TestLoadRejectsCorruptKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"personEmail":"x@example.com","instanceName":"i","boxPublicKey":"zz","boxSecretKey":"zz"}`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPublicIdentityCarriesNoSecrets(t *testing.T) {
	id, err := Generate("carol@example.com", "desktop", "")
	require.NoError(t, err)

	pub := id.PublicIdentity()
	data, err := json.Marshal(pub)
	require.NoError(t, err)

	serialized := string(data)
	assert.False(t, strings.Contains(serialized, id.BoxSecretKey), "public identity leaks box secret key")
	assert.False(t, strings.Contains(serialized, id.SignSecretKey), "public identity leaks sign secret key")
	assert.Contains(t, serialized, id.BoxPublicKey)
}
