package node

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/karstlabs/karst/internal/crypto"
)

// keyFile is the on-disk YAML form of a signing identity. The secret
// key embeds the public key per Ed25519 convention; the public field is
// kept for operator inspection and cross-checked on load.
type keyFile struct {
	Public string `yaml:"public"`
	Secret string `yaml:"secret"`
}

// LoadKeys reads a key pair from a YAML key file.
func LoadKeys(path string) (crypto.KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return crypto.KeyPair{}, fmt.Errorf("parse key file %s: %w", path, err)
	}

	secretBytes, err := hex.DecodeString(kf.Secret)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("decode secret key: %w", err)
	}
	secret, err := crypto.SecretKeyFromBytes(secretBytes)
	if err != nil {
		return crypto.KeyPair{}, err
	}

	publicBytes, err := hex.DecodeString(kf.Public)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("decode public key: %w", err)
	}
	public, err := crypto.PublicKeyFromBytes(publicBytes)
	if err != nil {
		return crypto.KeyPair{}, err
	}

	pair := crypto.KeyPair{Public: public, Secret: secret}
	var embedded crypto.PublicKey
	copy(embedded[:], secret[crypto.SecretKeySize-crypto.PublicKeySize:])
	if embedded != public {
		return crypto.KeyPair{}, fmt.Errorf("key file %s: public key does not match secret key", path)
	}
	return pair, nil
}

// SaveKeys writes a key pair to path with operator-only permissions.
func SaveKeys(path string, keys crypto.KeyPair) error {
	raw, err := yaml.Marshal(keyFile{
		Public: hex.EncodeToString(keys.Public[:]),
		Secret: hex.EncodeToString(keys.Secret[:]),
	})
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
