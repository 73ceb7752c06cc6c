package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// MockSettlement is an in-memory Settlement used by tests, exercising
// the channel engine's full settlement path without a live chain.
type MockSettlement struct {
	mu sync.Mutex

	balance      protocolcrypto.Amount
	accounts     map[protocolcrypto.PeerID]string
	attestations map[protocolcrypto.Hash]Attestation
	txCounter    int

	// FailNext, when set, makes the next call fail with this error
	// (cleared after firing). Lets tests exercise retry/backoff paths.
	FailNext error
}

// NewMockSettlement returns a ready MockSettlement with an empty ledger.
func NewMockSettlement() *MockSettlement {
	return &MockSettlement{
		accounts:     make(map[protocolcrypto.PeerID]string),
		attestations: make(map[protocolcrypto.Hash]Attestation),
	}
}

func (m *MockSettlement) nextTxID() string {
	m.txCounter++
	return fmt.Sprintf("mocktx-%d", m.txCounter)
}

func (m *MockSettlement) takeFailure() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

func (m *MockSettlement) Deposit(_ context.Context, amount protocolcrypto.Amount) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	m.balance += amount
	return m.nextTxID(), nil
}

func (m *MockSettlement) Withdraw(_ context.Context, amount protocolcrypto.Amount) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	if amount > m.balance {
		return "", &Error{Class: FailurePermanent, Err: fmt.Errorf("settlement: insufficient balance")}
	}
	m.balance -= amount
	return m.nextTxID(), nil
}

func (m *MockSettlement) GetBalance(_ context.Context) (protocolcrypto.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *MockSettlement) GetAccountBalance(_ context.Context, _ string) (protocolcrypto.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *MockSettlement) Attest(_ context.Context, contentHash, provenanceRoot protocolcrypto.Hash) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	txID := m.nextTxID()
	m.attestations[contentHash] = Attestation{ContentHash: contentHash, ProvenanceRoot: provenanceRoot, TxID: txID}
	return txID, nil
}

func (m *MockSettlement) GetAttestation(_ context.Context, contentHash protocolcrypto.Hash) (*Attestation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attestations[contentHash]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MockSettlement) OpenChannel(_ context.Context, _ protocolcrypto.PeerID, _ protocolcrypto.Amount) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	return m.nextTxID(), nil
}

func (m *MockSettlement) CloseChannel(_ context.Context, _ protocolcrypto.Hash, _, _ protocolcrypto.Amount, _, _ protocolcrypto.Signature) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	return m.nextTxID(), nil
}

func (m *MockSettlement) DisputeChannel(_ context.Context, _ protocolcrypto.Hash, _ uint64, _ protocolcrypto.Signature) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	return m.nextTxID(), nil
}

func (m *MockSettlement) CounterDispute(_ context.Context, _ protocolcrypto.Hash, _ uint64, _ protocolcrypto.Signature) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	return m.nextTxID(), nil
}

func (m *MockSettlement) ResolveDispute(_ context.Context, _ protocolcrypto.Hash) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	return m.nextTxID(), nil
}

func (m *MockSettlement) SettleBatch(_ context.Context, _ Batch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	return m.nextTxID(), nil
}

func (m *MockSettlement) VerifySettlement(_ context.Context, _ string) (TxStatus, error) {
	return TxConfirmed, nil
}

func (m *MockSettlement) GetOwnAccount(_ context.Context) (string, error) {
	return "mock-own-account", nil
}

func (m *MockSettlement) GetAccountForPeer(_ context.Context, peer protocolcrypto.PeerID) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[peer]
	return acct, ok, nil
}

func (m *MockSettlement) RegisterPeerAccount(_ context.Context, peer protocolcrypto.PeerID, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[peer] = account
	return nil
}

var _ Settlement = (*MockSettlement)(nil)
