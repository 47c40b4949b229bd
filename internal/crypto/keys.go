package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Key sizes in bytes.
const (
	PublicKeySize = ed25519.PublicKeySize
	SecretKeySize = ed25519.PrivateKeySize
	SignatureSize = ed25519.SignatureSize
)

// PublicKey identifies a transaction author.
type PublicKey [PublicKeySize]byte

// SecretKey signs messages. It embeds the public key per Ed25519 convention.
type SecretKey [SecretKeySize]byte

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// ZeroPublicKey is a placeholder author for genesis-level contexts.
var ZeroPublicKey = PublicKey{}

// String returns the lowercase hex form of the public key.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// PublicKeyFromBytes converts a 32-byte slice into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("invalid public key length: got %d, want %d", len(b), PublicKeySize)
	}
	var p PublicKey
	copy(p[:], b)
	return p, nil
}

// SecretKeyFromBytes converts a 64-byte slice into a SecretKey.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	if len(b) != SecretKeySize {
		return SecretKey{}, fmt.Errorf("invalid secret key length: got %d, want %d", len(b), SecretKeySize)
	}
	var s SecretKey
	copy(s[:], b)
	return s, nil
}

// KeyPair holds a node's signing identity.
type KeyPair struct {
	Public PublicKey
	Secret SecretKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	var kp KeyPair
	copy(kp.Public[:], pub)
	copy(kp.Secret[:], priv)
	return kp, nil
}

// Sign signs data with the secret key.
func Sign(secret SecretKey, data []byte) Signature {
	sig := ed25519.Sign(ed25519.PrivateKey(secret[:]), data)
	var s Signature
	copy(s[:], sig)
	return s
}

// Verify reports whether sig is a valid signature of data by the holder
// of public.
func Verify(public PublicKey, data []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(public[:]), data, sig[:])
}
