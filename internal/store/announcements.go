package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// announcementCap bounds the locally cached announcement table to on
// the order of 10^4 entries. Once exceeded, PutAnnouncement evicts the
// least-recently-cached entries.
const announcementCap = 10_000

// PutAnnouncement upserts a remembered announcement for hash, refreshing
// its cached_at timestamp, then evicts down to announcementCap if the
// cache has grown past it.
func (s *Store) PutAnnouncement(a Announcement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topicsJSON, _ := json.Marshal(a.Topics)
	mentionsJSON, _ := json.Marshal(a.PreviewMentions)
	addrsJSON, _ := json.Marshal(a.ListenAddrs)

	_, err := s.db.Exec(`INSERT INTO announcements
		(hash, kind, title, price, mention_count, topics_json, preview_mentions_json, summary, publisher, listen_addrs_json, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			mention_count=announcements.mention_count+1,
			price=excluded.price,
			preview_mentions_json=excluded.preview_mentions_json,
			summary=excluded.summary,
			listen_addrs_json=excluded.listen_addrs_json,
			cached_at=excluded.cached_at`,
		a.Hash.String(), string(a.Kind), a.Title, uint64(a.Price), a.MentionCount,
		string(topicsJSON), string(mentionsJSON), a.Summary, a.Publisher.String(), string(addrsJSON), int64(a.CachedAt))
	if err != nil {
		return fmt.Errorf("store: put announcement: %w", err)
	}

	return s.evictAnnouncementsLocked()
}

func (s *Store) evictAnnouncementsLocked() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM announcements`).Scan(&count); err != nil {
		return fmt.Errorf("store: count announcements: %w", err)
	}
	if count <= announcementCap {
		return nil
	}
	excess := count - announcementCap
	_, err := s.db.Exec(`DELETE FROM announcements WHERE hash IN (
		SELECT hash FROM announcements ORDER BY cached_at ASC LIMIT ?)`, excess)
	if err != nil {
		return fmt.Errorf("store: evict announcements: %w", err)
	}
	return nil
}

// EvictAnnouncementsOlderThan removes cached announcements whose cached_at
// predates cutoff, enforcing the cache's TTL independently of its size cap.
func (s *Store) EvictAnnouncementsOlderThan(cutoff protocolcrypto.Timestamp) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM announcements WHERE cached_at < ?`, int64(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: evict stale announcements: %w", err)
	}
	return res.RowsAffected()
}

// GetAnnouncement returns a cached announcement, or (nil, nil) if unknown.
func (s *Store) GetAnnouncement(h protocolcrypto.Hash) (*Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT hash, kind, title, price, mention_count, topics_json, preview_mentions_json,
		summary, publisher, listen_addrs_json, cached_at FROM announcements WHERE hash=?`, h.String())
	a, err := scanAnnouncement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanAnnouncement(row rowScanner) (*Announcement, error) {
	var (
		hashStr, kindStr, title, topicsJSON, mentionsJSON, summary, publisherStr, addrsJSON string
		price                                                                               uint64
		mentionCount                                                                        int
		cachedAt                                                                            int64
	)
	if err := row.Scan(&hashStr, &kindStr, &title, &price, &mentionCount, &topicsJSON, &mentionsJSON,
		&summary, &publisherStr, &addrsJSON, &cachedAt); err != nil {
		return nil, err
	}
	h, err := protocolcrypto.ParseHash(hashStr)
	if err != nil {
		return nil, err
	}
	publisher, err := protocolcrypto.ParsePeerID(publisherStr)
	if err != nil {
		return nil, err
	}
	var topics, mentions, addrs []string
	_ = json.Unmarshal([]byte(topicsJSON), &topics)
	_ = json.Unmarshal([]byte(mentionsJSON), &mentions)
	_ = json.Unmarshal([]byte(addrsJSON), &addrs)

	return &Announcement{
		Hash:            h,
		Kind:            Kind(kindStr),
		Title:           title,
		Price:           protocolcrypto.Amount(price),
		MentionCount:    mentionCount,
		Topics:          topics,
		PreviewMentions: mentions,
		Summary:         summary,
		Publisher:       publisher,
		ListenAddrs:     addrs,
		CachedAt:        protocolcrypto.Timestamp(cachedAt),
	}, nil
}

// SearchAnnouncements returns cached announcements whose title or topics
// contain substr, most recently cached first, capped at limit.
func (s *Store) SearchAnnouncements(substr string, limit int) ([]Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT hash, kind, title, price, mention_count, topics_json, preview_mentions_json,
		summary, publisher, listen_addrs_json, cached_at FROM announcements
		WHERE title LIKE ? OR topics_json LIKE ? ORDER BY cached_at DESC LIMIT ?`,
		"%"+substr+"%", "%"+substr+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: search announcements: %w", err)
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
