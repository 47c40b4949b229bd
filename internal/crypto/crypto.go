// Package crypto provides the hash and signature primitives shared by the
// execution core.
//
// Hashes are SHA-256 with domain separation: every hashed structure is
// prefixed with a versioned domain string and a null byte so that byte
// streams from different contexts can never collide. The null separator
// prevents domain/data boundary ambiguity.
//
// Signatures are Ed25519. Keys are plain byte arrays; there is no key
// management here, only the primitive operations the message layer and
// runtimes need.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashing.
// Version suffix enables future algorithm migration.
const (
	DomainMessage   = "karst/message/v1"
	DomainStateHash = "karst/state/v1"
)

// HashSize is the byte length of a Hash.
const HashSize = sha256.Size

// Hash is a SHA-256 digest.
type Hash [HashSize]byte

// ZeroHash is the all-zero hash, used as a placeholder for genesis-level
// contexts that have no triggering message.
var ZeroHash = Hash{}

// String returns the lowercase hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// HashFromBytes converts a 32-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("invalid hash length: got %d, want %d", len(b), HashSize)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// HashBytes computes the plain SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain || 0x00 || data).
func HashWithDomain(domain string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
