package store

import (
	"fmt"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// AddProvenanceEdge records that childHash derives from parentHash,
// attributed to contributor, in the flat provenance_edges table. This is
// kept alongside the denormalized provenance_json blob on the manifest row
// itself (written by PutManifest/UpdateManifest) so distribution can be
// recomputed by walking edges directly without deserializing every
// manifest.
func (s *Store) AddProvenanceEdge(childHash, parentHash protocolcrypto.Hash, contributor protocolcrypto.PeerID, vis Visibility, at protocolcrypto.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO provenance_edges (child_hash, parent_hash, contributor, visibility, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		childHash.String(), parentHash.String(), contributor.String(), string(vis), int64(at))
	if err != nil {
		return fmt.Errorf("store: add provenance edge: %w", err)
	}
	return nil
}

// ProvenanceEdgesFor returns every edge recorded for childHash, in
// insertion order.
func (s *Store) ProvenanceEdgesFor(childHash protocolcrypto.Hash) ([]ProvenanceEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT parent_hash, contributor, visibility FROM provenance_edges
		WHERE child_hash = ? ORDER BY id ASC`, childHash.String())
	if err != nil {
		return nil, fmt.Errorf("store: provenance edges: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEdge
	for rows.Next() {
		var sourceStr, contribStr, visStr string
		if err := rows.Scan(&sourceStr, &contribStr, &visStr); err != nil {
			return nil, err
		}
		h, err := protocolcrypto.ParseHash(sourceStr)
		if err != nil {
			return nil, err
		}
		p, err := protocolcrypto.ParsePeerID(contribStr)
		if err != nil {
			return nil, err
		}
		out = append(out, ProvenanceEdge{SourceHash: h, Contributor: p, Visibility: Visibility(visStr)})
	}
	return out, rows.Err()
}
