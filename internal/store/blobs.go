package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// ContentTree is a content-addressed blob store sharded by the first two
// hex characters of the hash, used as the primary content store rather
// than just a cache, since blobs are addressed by hash everywhere.
type ContentTree struct {
	root string
	mu   sync.RWMutex
}

// NewContentTree prepares (creating if needed) the blob tree rooted at dir.
func NewContentTree(dir string) (*ContentTree, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ContentTree{root: dir}, nil
}

func (t *ContentTree) pathFor(h protocolcrypto.Hash) string {
	hex := h.String()
	return filepath.Join(t.root, hex[:2], hex)
}

// PutBlob stores data, keyed by its content hash. It is idempotent: a
// second Put of the same bytes is a no-op. The hash is recomputed from
// data rather than trusted from a caller-supplied value.
func (t *ContentTree) PutBlob(data []byte) (protocolcrypto.Hash, error) {
	h := protocolcrypto.ContentHash(data)
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pathFor(h)
	if _, err := os.Stat(p); err == nil {
		return h, nil // idempotent
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return h, err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return h, err
	}
	if err := os.Rename(tmp, p); err != nil {
		return h, err
	}
	return h, nil
}

// GetBlob returns the bytes for hash, or (nil, false) if absent.
func (t *ContentTree) GetBlob(h protocolcrypto.Hash) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	data, err := os.ReadFile(t.pathFor(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// DeleteBlob removes a blob from disk. It does not cascade to manifests,
// which may survive locally as an announcement pointer.
func (t *ContentTree) DeleteBlob(h protocolcrypto.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(t.pathFor(h))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PutBlob stores data in the store's content tree.
func (s *Store) PutBlob(data []byte) (protocolcrypto.Hash, error) {
	return s.content.PutBlob(data)
}

// GetBlob returns a blob's bytes, or nil and an nlerr CodeNotFound error
// if absent.
func (s *Store) GetBlob(h protocolcrypto.Hash) ([]byte, error) {
	data, ok, err := s.content.GetBlob(h)
	if err != nil {
		return nil, fmt.Errorf("store: get blob: %w", err)
	}
	if !ok {
		return nil, nlerr.New(nlerr.CodeNotFound, "blob %s not found", h)
	}
	return data, nil
}

// DeleteBlob removes a blob. Absent blobs are not an error.
func (s *Store) DeleteBlob(h protocolcrypto.Hash) error {
	return s.content.DeleteBlob(h)
}
