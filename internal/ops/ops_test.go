package ops

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodalync/nodalync/internal/channel"
	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/overlay"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/ratelimit"
	"github.com/nodalync/nodalync/internal/settlement"
	"github.com/nodalync/nodalync/internal/store"
	"github.com/nodalync/nodalync/internal/wire"
)

// node bundles one participant's full stack (store, channel engine,
// peer map, handlers) the way channel_test.go's node type does for the
// channel package alone, extended here with an overlay leg so Handlers
// can be exercised end-to-end over a Mock network.
type node struct {
	overlayID string
	mock      *overlay.Mock
	peer      protocolcrypto.PeerID
	pub       protocolcrypto.PublicKey
	store     *store.Store
	chans     *channel.Engine
	settle    *settlement.MockSettlement
	peers     *PeerMap
	handlers  *Handlers
}

func newTestNode(t *testing.T, net *overlay.Network, overlayID string, cfg Config) *node {
	t.Helper()
	pub, priv, err := protocolcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	peer := protocolcrypto.DerivePeerID(pub)

	dir := t.TempDir()
	st, err := store.Open(store.Config{DBPath: filepath.Join(dir, "n.db"), ContentDir: filepath.Join(dir, "content")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	peers := NewPeerMap()
	peers.Register(overlayID, pub)

	settle := settlement.NewMockSettlement()

	signFn := func(msg []byte) protocolcrypto.Signature {
		sig, err := protocolcrypto.Sign(priv, msg)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return sig
	}

	chCfg := channel.Config{MinDeposit: 10, MaxAcceptDeposit: 100000, MaxSettlementAttempts: 3}
	chans := channel.New(st, settle, chCfg, peer, signFn, peers.Key, nil)

	mock := overlay.NewMock(net, overlayID)

	h := New(st, chans, settle, mock, peers, nil, peer, signFn, cfg, nil)

	return &node{
		overlayID: overlayID, mock: mock, peer: peer, pub: pub,
		store: st, chans: chans, settle: settle, peers: peers, handlers: h,
	}
}

// link registers each node's public key with the other's peer map, as
// if both sides had already completed a handshake exchanging keys.
func link(a, b *node) {
	a.peers.Register(b.overlayID, b.pub)
	b.peers.Register(a.overlayID, a.pub)
}

// runLoop drives h.Run in the background until the test ends.
func runLoop(t *testing.T, h *Handlers) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
}

func putManifest(t *testing.T, st *store.Store, owner protocolcrypto.PeerID, content []byte, price protocolcrypto.Amount, vis store.Visibility, provenance []store.ProvenanceEdge) store.Manifest {
	t.Helper()
	hash, err := st.PutBlob(content)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	m := store.Manifest{
		Hash: hash, Owner: owner, Kind: store.KindL0, Visibility: vis,
		Metadata:  store.Metadata{Title: string(content)},
		Economics: store.Economics{Price: price},
		Provenance: store.Provenance{RootL0L1: provenance},
	}
	if err := st.PutManifest(m); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	return m
}

func openChannelBetween(t *testing.T, consumer, producer *node, deposit protocolcrypto.Amount) protocolcrypto.Hash {
	t.Helper()
	_, openPayload, err := consumer.chans.Open(context.Background(), producer.peer, deposit)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pc, err := producer.chans.Accept(*openPayload, deposit)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := consumer.chans.FinalizeOpen(openPayload.ChannelID, pc.OurBalance); err != nil {
		t.Fatalf("FinalizeOpen: %v", err)
	}
	return openPayload.ChannelID
}

func TestHandleQueryFreeContent(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("free content"), 0, store.VisibilityUnlisted, nil)

	res, err := producer.handlers.HandleQuery(context.Background(), m.Hash, nil, 0, consumer.peer)
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if string(res.Content) != "free content" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.Receipt.Signature != (protocolcrypto.Signature{}) {
		t.Fatalf("expected zero-value receipt for free content")
	}
}

func TestHandleQueryPaidWithOpenChannel(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("paid content"), 50, store.VisibilityUnlisted, nil)
	if err := producer.settle.RegisterPeerAccount(context.Background(), producer.peer, "acct-producer"); err != nil {
		t.Fatalf("RegisterPeerAccount: %v", err)
	}

	channelID := openChannelBetween(t, consumer, producer, 1000)

	payment, err := consumer.chans.Pay(channelID, producer.peer, 50, m.Hash, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	res, err := producer.handlers.HandleQuery(context.Background(), m.Hash, payment, payment.Nonce, consumer.peer)
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if string(res.Content) != "paid content" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.Receipt.Signature == (protocolcrypto.Signature{}) {
		t.Fatalf("expected a signed receipt for a paid query")
	}
	if res.Manifest.Economics.QueryCount != 1 {
		t.Fatalf("expected query count 1, got %d", res.Manifest.Economics.QueryCount)
	}

	if err := consumer.chans.CommitPayment(*payment); err != nil {
		t.Fatalf("CommitPayment: %v", err)
	}
}

func TestHandleQueryInsufficientPayment(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("paid content"), 50, store.VisibilityUnlisted, nil)
	channelID := openChannelBetween(t, consumer, producer, 1000)
	payment, err := consumer.chans.Pay(channelID, producer.peer, 10, m.Hash, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	_, err = producer.handlers.HandleQuery(context.Background(), m.Hash, payment, payment.Nonce, consumer.peer)
	if !nlerr.Is(err, nlerr.CodeInsufficientPayment) {
		t.Fatalf("expected CodeInsufficientPayment, got %v", err)
	}
}

func TestHandleQueryChannelRequired(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("paid content"), 50, store.VisibilityUnlisted, nil)

	fakePayment := &store.Payment{Amount: 50, Recipient: producer.peer, QueryHash: m.Hash}
	_, err := producer.handlers.HandleQuery(context.Background(), m.Hash, fakePayment, 1, consumer.peer)
	if err == nil {
		t.Fatalf("expected an error with no open channel")
	}
	if _, ok := err.(*ErrChannelRequired); !ok {
		t.Fatalf("expected *ErrChannelRequired, got %T: %v", err, err)
	}
}

func TestHandleQueryChannelNotOpen(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("paid content"), 50, store.VisibilityUnlisted, nil)

	// A channel record exists on the producer's side but is still in the
	// Opening state (the counterparty accept never arrived).
	channelID := protocolcrypto.KeyedHash("nodalync/channel/v1", consumer.peer[:], producer.peer[:], []byte("test"))
	if err := producer.store.PutChannel(store.Channel{ChannelID: channelID, PeerID: consumer.peer, State: store.ChannelOpening}); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}

	payment := &store.Payment{ChannelID: channelID, Amount: 50, Recipient: producer.peer, QueryHash: m.Hash, Nonce: 1}
	_, err := producer.handlers.HandleQuery(context.Background(), m.Hash, payment, 1, consumer.peer)
	if !nlerr.Is(err, nlerr.CodeChannelNotOpen) {
		t.Fatalf("expected CodeChannelNotOpen, got %v", err)
	}
}

func TestHandleQueryReplayNonceTooLow(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("paid content"), 50, store.VisibilityUnlisted, nil)
	if err := producer.settle.RegisterPeerAccount(context.Background(), producer.peer, "acct-producer"); err != nil {
		t.Fatalf("RegisterPeerAccount: %v", err)
	}
	channelID := openChannelBetween(t, consumer, producer, 1000)

	payment, err := consumer.chans.Pay(channelID, producer.peer, 50, m.Hash, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if _, err := producer.handlers.HandleQuery(context.Background(), m.Hash, payment, payment.Nonce, consumer.peer); err != nil {
		t.Fatalf("first HandleQuery: %v", err)
	}
	if err := consumer.chans.CommitPayment(*payment); err != nil {
		t.Fatalf("CommitPayment: %v", err)
	}

	// Retry the exact same payment (a consumer resending after a timed-out
	// reply): the channel nonce already advanced, so this must be rejected
	// rather than double-spent.
	_, err = producer.handlers.HandleQuery(context.Background(), m.Hash, payment, payment.Nonce, consumer.peer)
	if !nlerr.Is(err, nlerr.CodeNonceTooLow) {
		t.Fatalf("expected CodeNonceTooLow on replay, got %v", err)
	}
}

func TestHandleQueryProvenanceMismatch(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	contributor, _, err := protocolcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	contributorID := protocolcrypto.DerivePeerID(contributor)
	sourceHash := protocolcrypto.ContentHash([]byte("ancestor"))
	realProvenance := []store.ProvenanceEdge{{SourceHash: sourceHash, Contributor: contributorID, Visibility: store.VisibilityShared}}

	m := putManifest(t, producer.store, producer.peer, []byte("derived content"), 50, store.VisibilityUnlisted, realProvenance)
	channelID := openChannelBetween(t, consumer, producer, 1000)

	// Consumer signs a payment claiming no provenance, which does not
	// match the manifest's actual root contributors.
	payment, err := consumer.chans.Pay(channelID, producer.peer, 50, m.Hash, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	_, err = producer.handlers.HandleQuery(context.Background(), m.Hash, payment, payment.Nonce, consumer.peer)
	if !nlerr.Is(err, nlerr.CodeProvenanceMismatch) {
		t.Fatalf("expected CodeProvenanceMismatch, got %v", err)
	}
}

func TestHandleQuerySettlementFailure(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("paid content"), 50, store.VisibilityUnlisted, nil)
	if err := producer.settle.RegisterPeerAccount(context.Background(), producer.peer, "acct-producer"); err != nil {
		t.Fatalf("RegisterPeerAccount: %v", err)
	}
	channelID := openChannelBetween(t, consumer, producer, 1000)
	payment, err := consumer.chans.Pay(channelID, producer.peer, 50, m.Hash, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	producer.settle.FailNext = &settlement.Error{Class: settlement.FailurePermanent, Err: errPermanent}

	_, err = producer.handlers.HandleQuery(context.Background(), m.Hash, payment, payment.Nonce, consumer.peer)
	if !nlerr.Is(err, nlerr.CodeSettlementFailed) {
		t.Fatalf("expected CodeSettlementFailed, got %v", err)
	}

	// The channel credit and nonce advance before settlement is attempted,
	// so a failed settlement still leaves the nonce at payment.Nonce and
	// the balance credited — replay safety requires the nonce never goes
	// backwards, settlement outcome notwithstanding. The payment itself
	// stays queued for a later settlement retry.
	c, err := producer.store.GetChannelByPeer(consumer.peer)
	if err != nil {
		t.Fatalf("GetChannelByPeer: %v", err)
	}
	if c.Nonce != payment.Nonce {
		t.Fatalf("expected channel nonce %d after failed settlement, got %d", payment.Nonce, c.Nonce)
	}
	// The producer's own deposit of 1000 plus the credited payment.
	if c.OurBalance != 1000+payment.Amount {
		t.Fatalf("expected credited balance %d after failed settlement, got %d", 1000+payment.Amount, c.OurBalance)
	}

	queue, err := producer.store.ListSettlementQueue()
	if err != nil {
		t.Fatalf("ListSettlementQueue: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("expected 1 queued settlement entry after failure, got %d", len(queue))
	}
}

func TestPreviewLocalPrivateAccessDenied(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	m := putManifest(t, producer.store, producer.peer, []byte("secret"), 0, store.VisibilityPrivate, nil)

	if _, err := producer.handlers.Preview(context.Background(), m.Hash, consumer.peer); !nlerr.Is(err, nlerr.CodeAccessDenied) {
		t.Fatalf("expected CodeAccessDenied for a stranger, got %v", err)
	}
	if _, err := producer.handlers.Preview(context.Background(), m.Hash, producer.peer); err != nil {
		t.Fatalf("owner should see own private manifest: %v", err)
	}
}

func TestPreviewAnnouncementCacheFallback(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	hash := protocolcrypto.ContentHash([]byte("remote content"))
	ann := store.Announcement{Hash: hash, Kind: store.KindL0, Title: "cached", Price: 5, Publisher: producer.peer}
	if err := producer.store.PutAnnouncement(ann); err != nil {
		t.Fatalf("PutAnnouncement: %v", err)
	}

	res, err := producer.handlers.Preview(context.Background(), hash, protocolcrypto.PeerID{})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if res.Source != "cache" || res.Title != "cached" {
		t.Fatalf("expected cache-sourced preview, got %+v", res)
	}
}

func TestSearchLocalAndCache(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())

	putManifest(t, producer.store, producer.peer, []byte("alpha widget"), 0, store.VisibilityShared, nil)

	cacheHash := protocolcrypto.ContentHash([]byte("alpha gizmo"))
	if err := producer.store.PutAnnouncement(store.Announcement{Hash: cacheHash, Kind: store.KindL0, Title: "alpha gizmo", Publisher: producer.peer}); err != nil {
		t.Fatalf("PutAnnouncement: %v", err)
	}

	results, err := producer.handlers.Search(context.Background(), SearchRequest{Query: "alpha", Limit: 10, HopCount: DefaultConfig().MaxHops})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (local+cache), got %d: %+v", len(results), results)
	}
}

func TestSearchFanOutAcrossPeers(t *testing.T) {
	net := overlay.NewNetwork()
	seeker := newTestNode(t, net, "seeker", DefaultConfig())
	holder := newTestNode(t, net, "holder", DefaultConfig())
	link(seeker, holder)
	runLoop(t, holder.handlers)

	putManifest(t, holder.store, holder.peer, []byte("alpha widget"), 0, store.VisibilityShared, nil)

	if _, err := seeker.mock.Dial(context.Background(), holder.overlayID); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	results, err := seeker.handlers.Search(context.Background(), SearchRequest{Query: "alpha", Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Source != "peer" {
		t.Fatalf("expected 1 peer-sourced result, got %+v", results)
	}
}

func TestRetrieveFreeEndToEnd(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)
	runLoop(t, producer.handlers)

	m := putManifest(t, producer.store, producer.peer, []byte("free payload"), 0, store.VisibilityUnlisted, nil)

	res, err := consumer.handlers.Retrieve(context.Background(), m.Hash, producer.overlayID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(res.Content) != "free payload" {
		t.Fatalf("unexpected content %q", res.Content)
	}
}

func TestRetrievePaidEndToEndOpensChannel(t *testing.T) {
	net := overlay.NewNetwork()
	cfg := DefaultConfig()
	producer := newTestNode(t, net, "producer", cfg)
	consumer := newTestNode(t, net, "consumer", cfg)
	link(producer, consumer)
	runLoop(t, producer.handlers)

	m := putManifest(t, producer.store, producer.peer, []byte("paid payload"), 20, store.VisibilityUnlisted, nil)
	if err := producer.settle.RegisterPeerAccount(context.Background(), producer.peer, "acct-producer"); err != nil {
		t.Fatalf("RegisterPeerAccount: %v", err)
	}

	if _, err := consumer.store.GetChannelByPeer(producer.peer); !nlerr.Is(err, nlerr.CodeChannelNotFound) {
		t.Fatalf("expected no channel before Retrieve, got %v", err)
	}

	res, err := consumer.handlers.Retrieve(context.Background(), m.Hash, producer.overlayID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(res.Content) != "paid payload" {
		t.Fatalf("unexpected content %q", res.Content)
	}
	if res.Receipt.Signature == (protocolcrypto.Signature{}) {
		t.Fatalf("expected a signed receipt for paid retrieval")
	}

	c, err := consumer.store.GetChannelByPeer(producer.peer)
	if err != nil {
		t.Fatalf("GetChannelByPeer after Retrieve: %v", err)
	}
	if c.State != store.ChannelOpen {
		t.Fatalf("expected channel to be open after Retrieve, got %s", c.State)
	}
	// The deposit is max(20*ChannelDepositMultiplier, MinDeposit) = 200.
	if c.OurBalance != protocolcrypto.Amount(20*cfg.ChannelDepositMultiplier)-20 {
		t.Fatalf("expected balance debited by 20, got %d", c.OurBalance)
	}
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	net := overlay.NewNetwork()
	producer := newTestNode(t, net, "producer", DefaultConfig())
	consumer := newTestNode(t, net, "consumer", DefaultConfig())
	link(producer, consumer)

	// Shrink the burst so the test does not need hundreds of round trips
	// to observe the limiter kick in.
	producer.handlers.limiter = ratelimit.New(2, 10*time.Second)

	m := putManifest(t, producer.store, producer.peer, []byte("burst target"), 0, store.VisibilityUnlisted, nil)

	replies := 0
	for i := 0; i < 5; i++ {
		env := consumer.handlers.signedEnvelope(wire.MsgPreviewRequest, wire.PreviewRequestPayload{Hash: m.Hash})
		in := overlay.InboundEnvelope{
			From:     consumer.overlayID,
			Envelope: env,
			Reply: func(*wire.Envelope) error {
				replies++
				return nil
			},
		}
		producer.handlers.dispatch(context.Background(), in)
	}
	if replies != 2 {
		t.Fatalf("expected exactly 2 of 5 rapid requests to be served, got %d", replies)
	}
}

var errPermanent = &mockFailure{}

type mockFailure struct{}

func (*mockFailure) Error() string { return "mock settlement failure" }
