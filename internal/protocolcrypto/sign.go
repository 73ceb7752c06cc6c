package protocolcrypto

import (
	"crypto/ed25519"
	"errors"
)

// ErrInvalidKeySize is returned when a caller hands in a key slice of the
// wrong length.
var ErrInvalidKeySize = errors.New("protocolcrypto: invalid key size")

// Sign signs msg with an Ed25519 private key.
func Sign(priv ed25519.PrivateKey, msg []byte) (Signature, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, ErrInvalidKeySize
	}
	var sig Signature
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig, nil
}

// Verify checks sig over msg against an Ed25519 public key.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

// GenerateKeyPair creates a new Ed25519 key pair.
func GenerateKeyPair() (PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return PublicKey{}, nil, err
	}
	var pk PublicKey
	copy(pk[:], pub)
	return pk, priv, nil
}
