package identity

import (
	"path/filepath"
	"testing"
)

func TestInitThenUnlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")

	created, err := Init(path, "correct-horse")
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	unlocked, err := Unlock(path, "correct-horse")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.PeerID != created.PeerID {
		t.Fatalf("peer id mismatch: got %s want %s", unlocked.PeerID, created.PeerID)
	}
	if unlocked.Public != created.Public {
		t.Fatalf("public key mismatch after unlock")
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	if _, err := Init(path, "right"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := Unlock(path, "wrong"); err != ErrBadPassphrase {
		t.Fatalf("unlock: got %v want ErrBadPassphrase", err)
	}
}

func TestUnlockMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")
	if _, err := Unlock(path, "whatever"); err != ErrNotInitialized {
		t.Fatalf("unlock: got %v want ErrNotInitialized", err)
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	if _, err := Init(path, "pw"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := Init(path, "pw"); err == nil {
		t.Fatalf("init: expected error on second call")
	}
}
