// Package identity manages a node's single long-term Ed25519 key pair,
// stored at rest encrypted with a passphrase-derived key. The decrypted
// form lives only in process memory once unlocked.
//
// The keystore format and PBKDF2+AES-256-GCM scheme follow a BIP-39-style
// wallet keystore, swapped from a derived seed to a raw Ed25519 private
// key since a node holds exactly one key pair with no HD derivation.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// ErrNotInitialized is returned by Unlock when no key file exists yet.
var ErrNotInitialized = errors.New("identity: not initialized")

// ErrBadPassphrase is returned when decryption fails (wrong passphrase or
// corrupt key file).
var ErrBadPassphrase = errors.New("identity: bad passphrase")

const pbkdf2Iterations = 150_000

// keyFile is the on-disk encrypted representation of a node's identity.
type keyFile struct {
	Salt   string `json:"salt"`
	Nonce  string `json:"nonce"`
	Cipher string `json:"cipher"`
}

// Identity holds the decrypted key material for a node. It is immutable
// after Unlock and safe to share across goroutines.
type Identity struct {
	Public  protocolcrypto.PublicKey
	Private ed25519.PrivateKey
	PeerID  protocolcrypto.PeerID
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, 32, sha256.New)
}

func seal(seed []byte, passphrase string) (*keyFile, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, seed, nil)
	return &keyFile{
		Salt:   hex.EncodeToString(salt),
		Nonce:  hex.EncodeToString(nonce),
		Cipher: hex.EncodeToString(ct),
	}, nil
}

func open(kf *keyFile, passphrase string) ([]byte, error) {
	salt, err := hex.DecodeString(kf.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(kf.Nonce)
	if err != nil {
		return nil, err
	}
	ct, err := hex.DecodeString(kf.Cipher)
	if err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return seed, nil
}

func fromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: bad seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	var pk protocolcrypto.PublicKey
	copy(pk[:], pub)
	return &Identity{
		Public:  pk,
		Private: priv,
		PeerID:  protocolcrypto.DerivePeerID(pk),
	}, nil
}

// Init generates a new Ed25519 key pair, encrypts it with passphrase, and
// writes it to path. It fails if a key file already exists there.
func Init(path, passphrase string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("identity: key file already exists at %s", path)
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	id, err := fromSeed(seed)
	if err != nil {
		return nil, err
	}
	kf, err := seal(seed, passphrase)
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

// Unlock reads the encrypted key file at path and decrypts it with
// passphrase, returning the in-memory Identity.
func Unlock(path, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("identity: corrupt key file: %w", err)
	}
	seed, err := open(&kf, passphrase)
	if err != nil {
		return nil, err
	}
	return fromSeed(seed)
}

// Sign signs msg with the identity's private key.
func (id *Identity) Sign(msg []byte) protocolcrypto.Signature {
	sig, _ := protocolcrypto.Sign(id.Private, msg)
	return sig
}
