package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// UpsertPeer records or refreshes last-seen/reputation state for an
// overlay-level peer. Unlike manifests, peer records are mutable scratch
// state, so this is a plain upsert rather than an insert-then-update pair.
func (s *Store) UpsertPeer(p PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pubKeyHex interface{}
	if p.PublicKey != nil {
		pubKeyHex = hex.EncodeToString(p.PublicKey[:])
	}

	_, err := s.db.Exec(`INSERT INTO peers (overlay_peer_id, last_seen, public_key, reputation_good, reputation_bad, manually_added)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(overlay_peer_id) DO UPDATE SET
			last_seen=excluded.last_seen,
			public_key=COALESCE(excluded.public_key, peers.public_key),
			reputation_good=excluded.reputation_good,
			reputation_bad=excluded.reputation_bad,
			manually_added=excluded.manually_added`,
		p.OverlayPeerID, int64(p.LastSeen), pubKeyHex, p.ReputationGood, p.ReputationBad, p.ManuallyAdded)
	if err != nil {
		return fmt.Errorf("store: upsert peer: %w", err)
	}
	return nil
}

// GetPeer returns a peer record, or (nil, nil) if unknown.
func (s *Store) GetPeer(overlayPeerID string) (*PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT overlay_peer_id, last_seen, public_key, reputation_good, reputation_bad, manually_added
		FROM peers WHERE overlay_peer_id=?`, overlayPeerID)
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get peer: %w", err)
	}
	return p, nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT overlay_peer_id, last_seen, public_key, reputation_good, reputation_bad, manually_added
		FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPeer(row rowScanner) (*PeerRecord, error) {
	var (
		overlayID              string
		lastSeen               int64
		pubKeyHex              sql.NullString
		repGood, repBad        uint64
		manuallyAdded          bool
	)
	if err := row.Scan(&overlayID, &lastSeen, &pubKeyHex, &repGood, &repBad, &manuallyAdded); err != nil {
		return nil, err
	}
	p := &PeerRecord{
		OverlayPeerID:  overlayID,
		LastSeen:       protocolcrypto.Timestamp(lastSeen),
		ReputationGood: repGood,
		ReputationBad:  repBad,
		ManuallyAdded:  manuallyAdded,
	}
	if pubKeyHex.Valid && pubKeyHex.String != "" {
		pk, err := protocolcrypto.ParsePublicKey(pubKeyHex.String)
		if err != nil {
			return nil, err
		}
		p.PublicKey = &pk
	}
	return p, nil
}

// DeletePeer forgets a peer record entirely.
func (s *Store) DeletePeer(overlayPeerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM peers WHERE overlay_peer_id=?`, overlayPeerID)
	if err != nil {
		return fmt.Errorf("store: delete peer: %w", err)
	}
	return nil
}
