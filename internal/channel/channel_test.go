package channel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/settlement"
	"github.com/nodalync/nodalync/internal/store"
)

type node struct {
	peer   protocolcrypto.PeerID
	pub    protocolcrypto.PublicKey
	engine *Engine
	store  *store.Store
}

func newNode(t *testing.T, settle settlement.Settlement, keys map[protocolcrypto.PeerID]protocolcrypto.PublicKey) *node {
	t.Helper()
	pub, priv, err := protocolcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	peer := protocolcrypto.DerivePeerID(pub)
	keys[peer] = pub

	dir := t.TempDir()
	st, err := store.Open(store.Config{DBPath: filepath.Join(dir, "n.db"), ContentDir: filepath.Join(dir, "content")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := Config{
		MinDeposit:            10,
		MaxAcceptDeposit:      1000,
		MaxSettlementAttempts: 3,
	}
	resolve := func(p protocolcrypto.PeerID) (protocolcrypto.PublicKey, bool, error) {
		pk, ok := keys[p]
		return pk, ok, nil
	}
	eng := New(st, settle, cfg, peer, func(msg []byte) protocolcrypto.Signature {
		sig, err := protocolcrypto.Sign(priv, msg)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		return sig
	}, resolve, nil)

	return &node{peer: peer, pub: pub, engine: eng, store: st}
}

func TestChannelLifecycleOpenPayCloseCooperative(t *testing.T) {
	keys := make(map[protocolcrypto.PeerID]protocolcrypto.PublicKey)
	a := newNode(t, nil, keys)
	b := newNode(t, nil, keys)
	ctx := context.Background()

	_, openPayload, err := a.engine.Open(ctx, b.peer, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cb, err := b.engine.Accept(*openPayload, 50)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if cb.ChannelID != openPayload.ChannelID {
		t.Fatalf("channel id mismatch")
	}
	if _, err := a.engine.FinalizeOpen(openPayload.ChannelID, cb.OurBalance); err != nil {
		t.Fatalf("FinalizeOpen: %v", err)
	}

	queryHash := protocolcrypto.ContentHash([]byte("some query"))
	payment, err := a.engine.Pay(openPayload.ChannelID, b.peer, 10, queryHash, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if payment.Nonce != 1 {
		t.Fatalf("expected nonce 1, got %d", payment.Nonce)
	}

	if err := b.engine.Receive(*payment, a.peer); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := a.engine.CommitPayment(*payment); err != nil {
		t.Fatalf("CommitPayment: %v", err)
	}

	aChan, err := a.store.GetChannel(openPayload.ChannelID)
	if err != nil {
		t.Fatalf("GetChannel a: %v", err)
	}
	if aChan.OurBalance != 90 || aChan.Nonce != 1 {
		t.Fatalf("unexpected payer channel state: %+v", aChan)
	}

	bChan, err := b.store.GetChannel(openPayload.ChannelID)
	if err != nil {
		t.Fatalf("GetChannel b: %v", err)
	}
	if bChan.OurBalance != 60 || bChan.Nonce != 1 {
		t.Fatalf("unexpected payee channel state: %+v", bChan)
	}

	// Replay of the same payment must be rejected (nonce no longer advances).
	if err := b.engine.Receive(*payment, a.peer); !nlerr.Is(err, nlerr.CodeNonceTooLow) {
		t.Fatalf("expected replay rejection, got %v", err)
	}

	closePayload, err := a.engine.InitiateClose(openPayload.ChannelID)
	if err != nil {
		t.Fatalf("InitiateClose: %v", err)
	}

	ack, err := b.engine.AcceptClose(*closePayload, a.peer)
	if err != nil {
		t.Fatalf("AcceptClose: %v", err)
	}

	if err := a.engine.CompleteClose(ctx, *ack, b.peer); err != nil {
		t.Fatalf("CompleteClose: %v", err)
	}

	aChan, err = a.store.GetChannel(openPayload.ChannelID)
	if err != nil {
		t.Fatalf("GetChannel a after close: %v", err)
	}
	if aChan.State != store.ChannelClosed {
		t.Fatalf("expected channel closed, got %s", aChan.State)
	}
}

func TestChannelCloseRejectsLowerNonce(t *testing.T) {
	keys := make(map[protocolcrypto.PeerID]protocolcrypto.PublicKey)
	a := newNode(t, nil, keys)
	b := newNode(t, nil, keys)
	ctx := context.Background()

	_, openPayload, err := a.engine.Open(ctx, b.peer, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.engine.Accept(*openPayload, 50); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := a.engine.FinalizeOpen(openPayload.ChannelID, 50); err != nil {
		t.Fatalf("FinalizeOpen: %v", err)
	}

	// A pays and B records it, but A never commits locally — so A's
	// channel record is stale (nonce 0) while B's has already advanced.
	queryHash := protocolcrypto.ContentHash([]byte("x"))
	payment, err := a.engine.Pay(openPayload.ChannelID, b.peer, 5, queryHash, nil)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if err := b.engine.Receive(*payment, a.peer); err != nil {
		t.Fatalf("Receive on b: %v", err)
	}

	closePayload, err := a.engine.InitiateClose(openPayload.ChannelID)
	if err != nil {
		t.Fatalf("InitiateClose: %v", err)
	}
	if _, err := b.engine.AcceptClose(*closePayload, a.peer); !nlerr.Is(err, nlerr.CodeNonceTooLow) {
		t.Fatalf("expected NonceTooLow rejection, got %v", err)
	}
}

func TestChannelDisputeAndResolve(t *testing.T) {
	keys := make(map[protocolcrypto.PeerID]protocolcrypto.PublicKey)
	mock := settlement.NewMockSettlement()
	a := newNode(t, mock, keys)
	b := newNode(t, mock, keys)
	ctx := context.Background()

	_, openPayload, err := a.engine.Open(ctx, b.peer, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.engine.Accept(*openPayload, 50); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := a.engine.FinalizeOpen(openPayload.ChannelID, 50); err != nil {
		t.Fatalf("FinalizeOpen: %v", err)
	}

	if err := a.engine.Dispute(ctx, openPayload.ChannelID); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	c, err := a.store.GetChannel(openPayload.ChannelID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if c.State != store.ChannelDisputed || c.PendingDispute == nil {
		t.Fatalf("expected disputed state, got %+v", c)
	}

	if err := a.engine.Resolve(ctx, openPayload.ChannelID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	c, err = a.store.GetChannel(openPayload.ChannelID)
	if err != nil {
		t.Fatalf("GetChannel after resolve: %v", err)
	}
	if c.State != store.ChannelClosed {
		t.Fatalf("expected closed after resolve, got %s", c.State)
	}
}

func TestOpenRejectsBelowMinDeposit(t *testing.T) {
	keys := make(map[protocolcrypto.PeerID]protocolcrypto.PublicKey)
	a := newNode(t, nil, keys)
	b := newNode(t, nil, keys)
	ctx := context.Background()

	if _, _, err := a.engine.Open(ctx, b.peer, 1); !nlerr.Is(err, nlerr.CodeDepositBelowMinimum) {
		t.Fatalf("expected DepositBelowMinimum, got %v", err)
	}
}

func TestOpenRejectsDuplicateChannel(t *testing.T) {
	keys := make(map[protocolcrypto.PeerID]protocolcrypto.PublicKey)
	a := newNode(t, nil, keys)
	b := newNode(t, nil, keys)
	ctx := context.Background()

	if _, _, err := a.engine.Open(ctx, b.peer, 100); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, _, err := a.engine.Open(ctx, b.peer, 100); !nlerr.Is(err, nlerr.CodeChannelAlreadyExists) {
		t.Fatalf("expected ChannelAlreadyExists, got %v", err)
	}
}
