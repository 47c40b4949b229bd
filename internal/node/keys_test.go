package node

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karstlabs/karst/internal/crypto"
)

func TestKeysRoundtrip(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, SaveKeys(path, keys))

	loaded, err := LoadKeys(path)
	require.NoError(t, err)
	assert.Equal(t, keys, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadKeysRejectsMismatchedPublic(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.yaml")
	content := "public: " + hex.EncodeToString(other.Public[:]) +
		"\nsecret: " + hex.EncodeToString(keys.Secret[:]) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err = LoadKeys(path)
	assert.ErrorContains(t, err, "does not match")
}

func TestLoadKeysRejectsBadHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte("public: xyz\nsecret: xyz\n"), 0o600))

	_, err := LoadKeys(path)
	assert.Error(t, err)
}

func TestLoadKeysMissingFile(t *testing.T) {
	_, err := LoadKeys(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
