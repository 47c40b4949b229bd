// Package messages defines the signed-message wire format consumed by the
// internal event scheduler.
//
// Wire layout of a signed message:
//
//	payload (N bytes) || author public key (32 bytes) || signature (64 bytes)
//
// The signature covers the domain-separated hash of payload||author, so a
// signature over a payload cannot be replayed under a different author.
// Verification is the only way to obtain a Message; consumers never see
// unverified content.
package messages

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/karstlabs/karst/internal/crypto"
)

// ErrBadSignature is returned when a signed message fails verification.
var ErrBadSignature = errors.New("invalid message signature")

// minMessageLen is the smallest decodable signed message: an empty
// payload plus author key and signature.
const minMessageLen = crypto.PublicKeySize + crypto.SignatureSize

// SignedMessage is an unverified message as read off the wire.
type SignedMessage struct {
	Payload   []byte
	Author    crypto.PublicKey
	Signature crypto.Signature
}

// Message is a verified message. It is produced only by successful
// verification and carries the hash under which the message is addressed.
type Message struct {
	Payload []byte
	Author  crypto.PublicKey
	Hash    crypto.Hash
}

// Sign builds a signed message over payload using the given key pair.
func Sign(payload []byte, keys crypto.KeyPair) SignedMessage {
	sm := SignedMessage{
		Payload: bytes.Clone(payload),
		Author:  keys.Public,
	}
	sm.Signature = crypto.Sign(keys.Secret, sm.signedData().Bytes())
	return sm
}

// Decode parses the wire form of a signed message. It performs no
// cryptographic checks; call Verify on the result.
func Decode(raw []byte) (*SignedMessage, error) {
	if len(raw) < minMessageLen {
		return nil, fmt.Errorf("signed message too short: %d bytes", len(raw))
	}
	payloadLen := len(raw) - minMessageLen
	author, err := crypto.PublicKeyFromBytes(raw[payloadLen : payloadLen+crypto.PublicKeySize])
	if err != nil {
		return nil, err
	}
	sm := &SignedMessage{
		Payload: bytes.Clone(raw[:payloadLen]),
		Author:  author,
	}
	copy(sm.Signature[:], raw[payloadLen+crypto.PublicKeySize:])
	return sm, nil
}

// Encode returns the wire form of the signed message.
func (sm *SignedMessage) Encode() []byte {
	out := make([]byte, 0, len(sm.Payload)+minMessageLen)
	out = append(out, sm.Payload...)
	out = append(out, sm.Author[:]...)
	out = append(out, sm.Signature[:]...)
	return out
}

// Hash returns the hash the message is addressed under. It does not
// imply the signature is valid.
func (sm *SignedMessage) Hash() crypto.Hash {
	return sm.signedData()
}

// Verify checks the signature and returns the verified message.
func (sm *SignedMessage) Verify() (*Message, error) {
	hash := sm.signedData()
	if !crypto.Verify(sm.Author, hash.Bytes(), sm.Signature) {
		return nil, ErrBadSignature
	}
	return &Message{
		Payload: sm.Payload,
		Author:  sm.Author,
		Hash:    hash,
	}, nil
}

// signedData is the domain-separated hash the signature covers. The same
// hash addresses the message once verified.
func (sm *SignedMessage) signedData() crypto.Hash {
	data := make([]byte, 0, len(sm.Payload)+crypto.PublicKeySize)
	data = append(data, sm.Payload...)
	data = append(data, sm.Author[:]...)
	return crypto.HashWithDomain(crypto.DomainMessage, data)
}
