// Package protocolcrypto holds the fixed-width identifiers and signing
// primitives shared by every other nodalync package: content hashes,
// peer ids, Ed25519 keys and signatures, and the keyed content hash used
// to address blobs.
//
// Everything here is pure and allocation-light on purpose: store, channel
// and ops all sit on top of these types and must be able to treat them as
// plain comparable values (map keys, struct fields) without an import
// cycle back into store or channel.
package protocolcrypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the width of a content address in bytes.
const HashSize = 32

// PeerIDSize is the width of a node's overlay-derived identifier.
const PeerIDSize = 20

// Hash is the content-address of a blob: a keyed hash of its bytes.
type Hash [HashSize]byte

// PeerID identifies a node, derived from its long-term public key.
type PeerID [PeerIDSize]byte

// PublicKey is an Ed25519 public key.
type PublicKey [ed25519.PublicKeySize]byte

// Signature is an Ed25519 signature.
type Signature [ed25519.SignatureSize]byte

// Amount denominates the smallest ledger unit.
type Amount uint64

// Timestamp is milliseconds since the Unix epoch.
type Timestamp uint64

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash (never a valid content address).
func (h Hash) IsZero() bool { return h == Hash{} }

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

func (p PeerID) IsZero() bool { return p == PeerID{} }

// ParseHash decodes a hex-encoded 32-byte hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("protocolcrypto: bad hash encoding: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("protocolcrypto: hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParsePeerID decodes a hex-encoded PeerID.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("protocolcrypto: bad peer id encoding: %w", err)
	}
	if len(b) != PeerIDSize {
		return p, fmt.Errorf("protocolcrypto: peer id must be %d bytes, got %d", PeerIDSize, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("protocolcrypto: bad public key encoding: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return pk, fmt.Errorf("protocolcrypto: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// ContentHash computes the content address of a blob. It is a keyed
// BLAKE3 hash (the domain key binds the address space to nodalync so it
// can never collide with an address computed by an unrelated protocol
// over the same bytes).
func ContentHash(data []byte) Hash {
	key := blake3.Sum256([]byte("nodalync/content/v1"))
	h := blake3.New(HashSize, key[:])
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyContentHash reports whether data hashes to want.
func VerifyContentHash(data []byte, want Hash) bool {
	return ContentHash(data) == want
}

// DerivePeerID derives a node's PeerID from its public key: a keyed hash
// of the public key bytes, truncated to PeerIDSize.
func DerivePeerID(pub PublicKey) PeerID {
	key := blake3.Sum256([]byte("nodalync/peerid/v1"))
	h := blake3.New(PeerIDSize, key[:])
	h.Write(pub[:])
	var out PeerID
	copy(out[:], h.Sum(nil))
	return out
}

// KeyedHash computes a generic 32-byte keyed hash over arbitrary parts,
// used wherever the protocol needs a deterministic digest over several
// concatenated fields (payment ids, channel ids, canonical message
// digests).
func KeyedHash(domain string, parts ...[]byte) Hash {
	key := blake3.Sum256([]byte(domain))
	h := blake3.New(HashSize, key[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
