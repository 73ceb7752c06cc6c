package store

import (
	"path/filepath"
	"testing"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{
		DBPath:     filepath.Join(dir, "nodalync.db"),
		ContentDir: filepath.Join(dir, "content"),
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlobPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	data := []byte("hello nodalync")

	h, err := s.PutBlob(data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if want := protocolcrypto.ContentHash(data); h != want {
		t.Fatalf("hash mismatch: got %s want %s", h, want)
	}

	// Idempotent.
	if h2, err := s.PutBlob(data); err != nil || h2 != h {
		t.Fatalf("second PutBlob: %v %s", err, h2)
	}

	got, err := s.GetBlob(h)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("blob contents mismatch")
	}

	if err := s.DeleteBlob(h); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if _, err := s.GetBlob(h); !nlerr.Is(err, nlerr.CodeNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	// Delete absent blob is not an error.
	var zero protocolcrypto.Hash
	if err := s.DeleteBlob(zero); err != nil {
		t.Fatalf("delete absent blob: %v", err)
	}
}

func testPeerID(b byte) protocolcrypto.PeerID {
	var p protocolcrypto.PeerID
	for i := range p {
		p[i] = b
	}
	return p
}

func testHash(b byte) protocolcrypto.Hash {
	var h protocolcrypto.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestManifestPutUpdateListVersions(t *testing.T) {
	s := openTestStore(t)
	owner := testPeerID(1)
	root := testHash(0xA1)

	m := Manifest{
		Hash:       testHash(0xA1),
		Owner:      owner,
		Kind:       KindL0,
		Visibility: VisibilityShared,
		Version:    VersionRecord{Number: 1, Root: root, At: 1000},
		Metadata:   Metadata{Title: "first light curve", Tags: []string{"astronomy"}},
		Economics:  Economics{Price: 10},
		CreatedAt:  1000,
		UpdatedAt:  1000,
	}
	if err := s.PutManifest(m); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	if err := s.PutManifest(m); err == nil {
		t.Fatalf("expected duplicate PutManifest to fail")
	}

	got, err := s.GetManifest(m.Hash)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Metadata.Title != m.Metadata.Title {
		t.Fatalf("title mismatch: %q", got.Metadata.Title)
	}

	m.Visibility = VisibilityUnlisted
	m.UpdatedAt = 2000
	if err := s.UpdateManifest(m); err != nil {
		t.Fatalf("UpdateManifest: %v", err)
	}

	missing := m
	missing.Hash = testHash(0xFF)
	if err := s.UpdateManifest(missing); !nlerr.Is(err, nlerr.CodeManifestNotFound) {
		t.Fatalf("expected ManifestNotFound, got %v", err)
	}

	prev := m.Hash
	v2 := m
	v2.Hash = testHash(0xA2)
	v2.Version = VersionRecord{Number: 2, Previous: &prev, Root: root, At: 3000}
	if err := s.PutManifest(v2); err != nil {
		t.Fatalf("PutManifest v2: %v", err)
	}

	versions, err := s.GetVersions(root)
	if err != nil {
		t.Fatalf("GetVersions: %v", err)
	}
	if len(versions) != 2 || versions[0].Version.Number != 1 || versions[1].Version.Number != 2 {
		t.Fatalf("unexpected versions: %+v", versions)
	}

	list, err := s.ListManifests(ManifestFilter{Substring: "light"})
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 manifests matching substring, got %d", len(list))
	}
}

func TestProvenanceEdges(t *testing.T) {
	s := openTestStore(t)
	child := testHash(1)
	parent := testHash(2)
	contributor := testPeerID(3)

	if err := s.AddProvenanceEdge(child, parent, contributor, VisibilityShared, 500); err != nil {
		t.Fatalf("AddProvenanceEdge: %v", err)
	}
	edges, err := s.ProvenanceEdgesFor(child)
	if err != nil {
		t.Fatalf("ProvenanceEdgesFor: %v", err)
	}
	if len(edges) != 1 || edges[0].SourceHash != parent || edges[0].Contributor != contributor {
		t.Fatalf("unexpected edges: %+v", edges)
	}
}

func TestChannelLifecycle(t *testing.T) {
	s := openTestStore(t)
	peer := testPeerID(9)
	id := testHash(0x42)

	c := Channel{
		ChannelID:  id,
		PeerID:     peer,
		State:      ChannelOpening,
		OurBalance: 100,
		Nonce:      0,
		LastUpdate: 10,
	}
	if err := s.PutChannel(c); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}
	if err := s.PutChannel(c); err == nil {
		t.Fatalf("expected duplicate channel to fail")
	}

	c.State = ChannelOpen
	c.Nonce = 1
	sig := protocolcrypto.Signature{}
	c.PendingClose = &PendingClose{Nonce: 1, InitiatorBalance: 90, ResponderBalance: 10, InitiatorSig: sig}
	if err := s.UpdateChannel(c); err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}

	got, err := s.GetChannelByPeer(peer)
	if err != nil {
		t.Fatalf("GetChannelByPeer: %v", err)
	}
	if got.State != ChannelOpen || got.Nonce != 1 || got.PendingClose == nil {
		t.Fatalf("unexpected channel after update: %+v", got)
	}

	missing := testHash(0xFE)
	bad := c
	bad.ChannelID = missing
	if err := s.UpdateChannel(bad); !nlerr.Is(err, nlerr.CodeChannelNotFound) {
		t.Fatalf("expected ChannelNotFound, got %v", err)
	}
}

func TestPaymentReplayRejected(t *testing.T) {
	s := openTestStore(t)
	channelID := testHash(0x10)
	p := Payment{
		PaymentID: testHash(0x11),
		ChannelID: channelID,
		Amount:    5,
		Recipient: testPeerID(2),
		QueryHash: testHash(0x12),
		Timestamp: 100,
		Nonce:     1,
	}
	if err := s.PutPayment(p); err != nil {
		t.Fatalf("PutPayment: %v", err)
	}
	if err := s.PutPayment(p); !nlerr.Is(err, nlerr.CodeNonceTooLow) {
		t.Fatalf("expected replay rejection, got %v", err)
	}

	payments, err := s.PaymentsForChannel(channelID)
	if err != nil {
		t.Fatalf("PaymentsForChannel: %v", err)
	}
	if len(payments) != 1 || payments[0].Amount != 5 {
		t.Fatalf("unexpected payments: %+v", payments)
	}
}

func TestAnnouncementCacheAndEviction(t *testing.T) {
	s := openTestStore(t)
	a := Announcement{
		Hash:      testHash(0x55),
		Kind:      KindL0,
		Title:     "gravitational lensing dataset",
		Price:     42,
		Topics:    []string{"astro"},
		Publisher: testPeerID(7),
		CachedAt:  1,
	}
	if err := s.PutAnnouncement(a); err != nil {
		t.Fatalf("PutAnnouncement: %v", err)
	}
	got, err := s.GetAnnouncement(a.Hash)
	if err != nil {
		t.Fatalf("GetAnnouncement: %v", err)
	}
	if got == nil || got.Title != a.Title {
		t.Fatalf("unexpected announcement: %+v", got)
	}

	results, err := s.SearchAnnouncements("lensing", 10)
	if err != nil {
		t.Fatalf("SearchAnnouncements: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 search result, got %d", len(results))
	}

	n, err := s.EvictAnnouncementsOlderThan(1000)
	if err != nil {
		t.Fatalf("EvictAnnouncementsOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 evicted, got %d", n)
	}
	if got, _ := s.GetAnnouncement(a.Hash); got != nil {
		t.Fatalf("expected announcement evicted")
	}
}

func TestSettlementQueue(t *testing.T) {
	s := openTestStore(t)
	entry := SettlementQueueEntry{
		PaymentID:  testHash(0x61),
		Recipient:  testPeerID(4),
		Amount:     7,
		SourceHash: testHash(0x62),
		EnqueuedAt: 50,
	}
	if err := s.EnqueueSettlement(entry); err != nil {
		t.Fatalf("EnqueueSettlement: %v", err)
	}
	list, err := s.ListSettlementQueue()
	if err != nil {
		t.Fatalf("ListSettlementQueue: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 queued entry, got %d", len(list))
	}
	if err := s.DequeueSettlement(entry.PaymentID); err != nil {
		t.Fatalf("DequeueSettlement: %v", err)
	}
	list, err = s.ListSettlementQueue()
	if err != nil {
		t.Fatalf("ListSettlementQueue after dequeue: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty queue, got %d", len(list))
	}
}

func TestPeerUpsert(t *testing.T) {
	s := openTestStore(t)
	rec := PeerRecord{OverlayPeerID: "12D3KooWabc", LastSeen: 5, ReputationGood: 1}
	if err := s.UpsertPeer(rec); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	rec.LastSeen = 10
	rec.ReputationGood = 2
	if err := s.UpsertPeer(rec); err != nil {
		t.Fatalf("UpsertPeer update: %v", err)
	}
	got, err := s.GetPeer(rec.OverlayPeerID)
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got == nil || got.LastSeen != 10 || got.ReputationGood != 2 {
		t.Fatalf("unexpected peer record: %+v", got)
	}
	if err := s.DeletePeer(rec.OverlayPeerID); err != nil {
		t.Fatalf("DeletePeer: %v", err)
	}
	if got, _ := s.GetPeer(rec.OverlayPeerID); got != nil {
		t.Fatalf("expected peer deleted")
	}
}
