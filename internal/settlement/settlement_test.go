package settlement

import (
	"context"
	"testing"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

func peerFor(b byte) protocolcrypto.PeerID {
	var p protocolcrypto.PeerID
	for i := range p {
		p[i] = b
	}
	return p
}

func TestDistributeNoContributorsOwnerTakesAll(t *testing.T) {
	owner := peerFor(1)
	entries := Distribute(100, owner, nil)
	if len(entries) != 1 || entries[0].Recipient != owner || entries[0].Amount != 100 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestDistributeSumsToAmount(t *testing.T) {
	owner := peerFor(1)
	contributors := []protocolcrypto.PeerID{peerFor(2), peerFor(3), peerFor(4)}
	amount := protocolcrypto.Amount(101)

	entries := Distribute(amount, owner, contributors)
	var sum protocolcrypto.Amount
	for _, e := range entries {
		sum += e.Amount
	}
	if sum != amount {
		t.Fatalf("distribution does not sum to amount: got %d want %d", sum, amount)
	}
	if entries[0].Recipient != owner {
		t.Fatalf("expected owner first, got %+v", entries[0])
	}
}

func TestDistributeDedupesContributors(t *testing.T) {
	owner := peerFor(1)
	dup := peerFor(2)
	entries := Distribute(100, owner, []protocolcrypto.PeerID{dup, dup, dup})
	// owner + 1 distinct contributor
	if len(entries) != 2 {
		t.Fatalf("expected deduped to 1 contributor entry, got %d entries: %+v", len(entries), entries)
	}
}

func TestMockSettlementDepositWithdraw(t *testing.T) {
	m := NewMockSettlement()
	ctx := context.Background()

	if _, err := m.Deposit(ctx, 100); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	bal, err := m.GetBalance(ctx)
	if err != nil || bal != 100 {
		t.Fatalf("GetBalance: %v %d", err, bal)
	}
	if _, err := m.Withdraw(ctx, 150); err == nil {
		t.Fatalf("expected overdraw to fail")
	}
	if _, err := m.Withdraw(ctx, 40); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	bal, _ = m.GetBalance(ctx)
	if bal != 60 {
		t.Fatalf("expected balance 60, got %d", bal)
	}
}

func TestMockSettlementFailNext(t *testing.T) {
	m := NewMockSettlement()
	ctx := context.Background()
	m.FailNext = &Error{Class: FailureTransient, Err: context.DeadlineExceeded}

	if _, err := m.Deposit(ctx, 10); !Transient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	// cleared after firing
	if _, err := m.Deposit(ctx, 10); err != nil {
		t.Fatalf("expected success after FailNext cleared: %v", err)
	}
}
