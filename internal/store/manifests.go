package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

type metadataRow struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
	Size        uint64   `json:"size"`
	MIME        string   `json:"mime,omitempty"`
}

type economicsRow struct {
	Price             uint64 `json:"price"`
	QueryCount        uint64 `json:"query_count"`
	CumulativeRevenue uint64 `json:"cumulative_revenue"`
}

type provenanceEdgeRow struct {
	SourceHash  string `json:"source_hash"`
	Contributor string `json:"contributor"`
	Visibility  string `json:"visibility"`
}

type provenanceRow struct {
	RootL0L1    []provenanceEdgeRow `json:"root_l0_l1"`
	DerivedFrom []provenanceEdgeRow `json:"derived_from"`
}

func edgeToRow(e ProvenanceEdge) provenanceEdgeRow {
	return provenanceEdgeRow{SourceHash: e.SourceHash.String(), Contributor: e.Contributor.String(), Visibility: string(e.Visibility)}
}

func rowToEdge(r provenanceEdgeRow) (ProvenanceEdge, error) {
	h, err := protocolcrypto.ParseHash(r.SourceHash)
	if err != nil {
		return ProvenanceEdge{}, err
	}
	p, err := protocolcrypto.ParsePeerID(r.Contributor)
	if err != nil {
		return ProvenanceEdge{}, err
	}
	return ProvenanceEdge{SourceHash: h, Contributor: p, Visibility: Visibility(r.Visibility)}, nil
}

// PutManifest inserts a manifest only if absent.
func (s *Store) PutManifest(m Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := metadataRow{Title: m.Metadata.Title, Description: m.Metadata.Description, Tags: m.Metadata.Tags, Size: m.Metadata.Size, MIME: m.Metadata.MIME}
	econ := economicsRow{Price: uint64(m.Economics.Price), QueryCount: m.Economics.QueryCount, CumulativeRevenue: uint64(m.Economics.CumulativeRevenue)}
	prov := provenanceRow{}
	for _, e := range m.Provenance.RootL0L1 {
		prov.RootL0L1 = append(prov.RootL0L1, edgeToRow(e))
	}
	for _, e := range m.Provenance.DerivedFrom {
		prov.DerivedFrom = append(prov.DerivedFrom, edgeToRow(e))
	}

	metaJSON, _ := json.Marshal(meta)
	econJSON, _ := json.Marshal(econ)
	provJSON, _ := json.Marshal(prov)

	var prevStr interface{}
	if m.Version.Previous != nil {
		prevStr = m.Version.Previous.String()
	}

	_, err := s.db.Exec(`INSERT INTO manifests
		(hash, owner, kind, visibility, version_number, version_previous, version_root,
		 metadata_json, economics_json, provenance_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Hash.String(), m.Owner.String(), string(m.Kind), string(m.Visibility),
		m.Version.Number, prevStr, m.Version.Root.String(),
		string(metaJSON), string(econJSON), string(provJSON),
		int64(m.CreatedAt), int64(m.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nlerr.New(nlerr.CodeManifestAlreadyExists, "manifest %s already exists", m.Hash)
		}
		return fmt.Errorf("store: put manifest: %w", err)
	}
	return nil
}

// UpdateManifest replaces an existing manifest's mutable fields. It fails
// with ManifestNotFound if the manifest is absent.
func (s *Store) UpdateManifest(m Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := metadataRow{Title: m.Metadata.Title, Description: m.Metadata.Description, Tags: m.Metadata.Tags, Size: m.Metadata.Size, MIME: m.Metadata.MIME}
	econ := economicsRow{Price: uint64(m.Economics.Price), QueryCount: m.Economics.QueryCount, CumulativeRevenue: uint64(m.Economics.CumulativeRevenue)}
	metaJSON, _ := json.Marshal(meta)
	econJSON, _ := json.Marshal(econ)

	res, err := s.db.Exec(`UPDATE manifests SET visibility=?, metadata_json=?, economics_json=?, updated_at=? WHERE hash=?`,
		string(m.Visibility), string(metaJSON), string(econJSON), int64(m.UpdatedAt), m.Hash.String())
	if err != nil {
		return fmt.Errorf("store: update manifest: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nlerr.New(nlerr.CodeManifestNotFound, "manifest %s not found", m.Hash)
	}
	return nil
}

// GetManifest returns a manifest by hash.
func (s *Store) GetManifest(h protocolcrypto.Hash) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getManifestLocked(h)
}

func (s *Store) getManifestLocked(h protocolcrypto.Hash) (*Manifest, error) {
	row := s.db.QueryRow(`SELECT hash, owner, kind, visibility, version_number, version_previous, version_root,
		metadata_json, economics_json, provenance_json, created_at, updated_at
		FROM manifests WHERE hash=?`, h.String())
	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return nil, nlerr.New(nlerr.CodeManifestNotFound, "manifest %s not found", h)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get manifest: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanManifest(row rowScanner) (*Manifest, error) {
	var (
		hashStr, ownerStr, kindStr, visStr, rootStr string
		prevStr                                     sql.NullString
		versionNumber                                uint64
		metaJSON, econJSON, provJSON                string
		createdAt, updatedAt                         int64
	)
	if err := row.Scan(&hashStr, &ownerStr, &kindStr, &visStr, &versionNumber, &prevStr, &rootStr,
		&metaJSON, &econJSON, &provJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	h, err := protocolcrypto.ParseHash(hashStr)
	if err != nil {
		return nil, err
	}
	owner, err := protocolcrypto.ParsePeerID(ownerStr)
	if err != nil {
		return nil, err
	}
	root, err := protocolcrypto.ParseHash(rootStr)
	if err != nil {
		return nil, err
	}

	var meta metadataRow
	_ = json.Unmarshal([]byte(metaJSON), &meta)
	var econ economicsRow
	_ = json.Unmarshal([]byte(econJSON), &econ)
	var prov provenanceRow
	_ = json.Unmarshal([]byte(provJSON), &prov)

	m := &Manifest{
		Hash:       h,
		Owner:      owner,
		Kind:       Kind(kindStr),
		Visibility: Visibility(visStr),
		Version:    VersionRecord{Number: versionNumber, Root: root, At: protocolcrypto.Timestamp(createdAt)},
		Metadata:   Metadata{Title: meta.Title, Description: meta.Description, Tags: meta.Tags, Size: meta.Size, MIME: meta.MIME},
		Economics:  Economics{Price: protocolcrypto.Amount(econ.Price), QueryCount: econ.QueryCount, CumulativeRevenue: protocolcrypto.Amount(econ.CumulativeRevenue)},
		CreatedAt:  protocolcrypto.Timestamp(createdAt),
		UpdatedAt:  protocolcrypto.Timestamp(updatedAt),
	}
	for _, e := range prov.RootL0L1 {
		edge, err := rowToEdge(e)
		if err != nil {
			return nil, err
		}
		m.Provenance.RootL0L1 = append(m.Provenance.RootL0L1, edge)
	}
	for _, e := range prov.DerivedFrom {
		edge, err := rowToEdge(e)
		if err != nil {
			return nil, err
		}
		m.Provenance.DerivedFrom = append(m.Provenance.DerivedFrom, edge)
	}
	if prevStr.Valid {
		prev, err := protocolcrypto.ParseHash(prevStr.String)
		if err != nil {
			return nil, err
		}
		m.Version.Previous = &prev
	}
	return m, nil
}

// ListManifests supports filtering by visibility, kind, owner, created-at
// range, a substring match over title/tags/description, limit/offset, and
// descending created-at ordering.
func (s *Store) ListManifests(f ManifestFilter) ([]Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var clauses []string
	var args []interface{}
	if f.Visibility != nil {
		clauses = append(clauses, "visibility = ?")
		args = append(args, string(*f.Visibility))
	}
	if f.Kind != nil {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(*f.Kind))
	}
	if f.Owner != nil {
		clauses = append(clauses, "owner = ?")
		args = append(args, f.Owner.String())
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, int64(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, int64(*f.CreatedBefore))
	}
	if f.Substring != "" {
		clauses = append(clauses, "(metadata_json LIKE ?)")
		args = append(args, "%"+f.Substring+"%")
	}

	query := `SELECT hash, owner, kind, visibility, version_number, version_previous, version_root,
		metadata_json, economics_json, provenance_json, created_at, updated_at FROM manifests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list manifests: %w", err)
	}
	defer rows.Close()

	var out []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan manifest: %w", err)
		}
		if f.Substring != "" && !manifestMatchesSubstring(m, f.Substring) {
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func manifestMatchesSubstring(m *Manifest, sub string) bool {
	sub = strings.ToLower(sub)
	if strings.Contains(strings.ToLower(m.Metadata.Title), sub) {
		return true
	}
	if strings.Contains(strings.ToLower(m.Metadata.Description), sub) {
		return true
	}
	for _, t := range m.Metadata.Tags {
		if strings.Contains(strings.ToLower(t), sub) {
			return true
		}
	}
	return false
}

// GetVersions returns all manifests sharing rootHash, ordered by version
// number ascending.
func (s *Store) GetVersions(rootHash protocolcrypto.Hash) ([]Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT hash, owner, kind, visibility, version_number, version_previous, version_root,
		metadata_json, economics_json, provenance_json, created_at, updated_at
		FROM manifests WHERE version_root = ? ORDER BY version_number ASC`, rootHash.String())
	if err != nil {
		return nil, fmt.Errorf("store: get versions: %w", err)
	}
	defer rows.Close()

	var out []Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
