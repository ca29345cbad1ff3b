package feed

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the size in bytes of public keys and discovery keys
const KeySize = 32

// discoveryNamespace is hashed under the public key to derive discovery keys.
// It matches the namespace used by the hypercore protocol.
var discoveryNamespace = []byte("hypercore")

var (
	// ErrInvalidKeyLength is returned when a key does not decode to KeySize bytes
	ErrInvalidKeyLength = errors.New("key must be 32 bytes")
)

// PublicKey is the stable identity of a feed
type PublicKey [KeySize]byte

// DiscoveryKey is the one-way identifier derived from a PublicKey
type DiscoveryKey [KeySize]byte

// Feed represents an append-only log with a stable public identity.
// Implementations must be safe for concurrent use once constructed.
type Feed interface {
	// PublicKey returns the identity of this feed.
	// It must be readable at any time after the feed is fully constructed.
	PublicKey() PublicKey
}

// DiscoveryKeyOf derives the discovery key for a public key.
// The derivation is keyed BLAKE2b-256 with the public key as the key.
func DiscoveryKeyOf(pk PublicKey) DiscoveryKey {
	h, err := blake2b.New256(pk[:])
	if err != nil {
		// blake2b only rejects keys longer than 64 bytes
		panic(fmt.Sprintf("feed: blake2b init: %v", err))
	}
	h.Write(discoveryNamespace)

	var dk DiscoveryKey
	copy(dk[:], h.Sum(nil))
	return dk
}

// DiscoveryKey returns the discovery key for this public key
func (k PublicKey) DiscoveryKey() DiscoveryKey {
	return DiscoveryKeyOf(k)
}

// String returns the hex encoding of the key
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is all zero bytes
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// String returns the hex encoding of the key
func (k DiscoveryKey) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for log lines
func (k DiscoveryKey) Short() string {
	return hex.EncodeToString(k[:4])
}

// ParsePublicKey decodes a hex encoded public key
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	if err := decodeKey(s, pk[:]); err != nil {
		return PublicKey{}, err
	}
	return pk, nil
}

// ParseDiscoveryKey decodes a hex encoded discovery key
func ParseDiscoveryKey(s string) (DiscoveryKey, error) {
	var dk DiscoveryKey
	if err := decodeKey(s, dk[:]); err != nil {
		return DiscoveryKey{}, err
	}
	return dk, nil
}

// PublicKeyFromBytes copies b into a PublicKey
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != KeySize {
		return pk, ErrInvalidKeyLength
	}
	copy(pk[:], b)
	return pk, nil
}

// DiscoveryKeyFromBytes copies b into a DiscoveryKey
func DiscoveryKeyFromBytes(b []byte) (DiscoveryKey, error) {
	var dk DiscoveryKey
	if len(b) != KeySize {
		return dk, ErrInvalidKeyLength
	}
	copy(dk[:], b)
	return dk, nil
}

func decodeKey(s string, dst []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(raw) != KeySize {
		return ErrInvalidKeyLength
	}
	copy(dst, raw)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *PublicKey) UnmarshalText(text []byte) error {
	return decodeKey(string(text), k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k DiscoveryKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *DiscoveryKey) UnmarshalText(text []byte) error {
	return decodeKey(string(text), k[:])
}
