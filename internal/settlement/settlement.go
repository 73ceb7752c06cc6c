// Package settlement defines the ledger-adapter capability consumed by
// channel and ops, and the pure 95/5 revenue distribution rule. The
// adapter itself is an interface, not a concrete chain client, so it can
// be driven by MockSettlement in tests and by a real adapter in
// production.
package settlement

import (
	"context"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// TxStatus classifies the outcome of a settlement-adapter call.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// FailureClass distinguishes retryable from permanent adapter failures.
type FailureClass int

const (
	FailurePermanent FailureClass = iota
	FailureTransient
)

// Error wraps a settlement-adapter failure with its retry classification.
type Error struct {
	Class FailureClass
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether err is a settlement.Error classified as
// transient (safe to retry with backoff).
func Transient(err error) bool {
	se, ok := err.(*Error)
	return ok && se.Class == FailureTransient
}

// BatchEntry is one line item of a settlement batch.
type BatchEntry struct {
	RecipientAccount string
	Amount           protocolcrypto.Amount
	ProvenanceHashes []protocolcrypto.Hash
}

// Batch groups settlement entries under a single merkle-rooted
// commitment.
type Batch struct {
	BatchID    string
	MerkleRoot protocolcrypto.Hash
	Entries    []BatchEntry
}

// Attestation anchors a content hash to its provenance root on-chain.
type Attestation struct {
	ContentHash    protocolcrypto.Hash
	ProvenanceRoot protocolcrypto.Hash
	TxID           string
}

// Settlement is the external ledger-adapter capability. Every method may
// return a *settlement.Error classifying the failure as transient or
// permanent; callers retry transient failures with bounded exponential
// backoff.
type Settlement interface {
	Deposit(ctx context.Context, amount protocolcrypto.Amount) (txID string, err error)
	Withdraw(ctx context.Context, amount protocolcrypto.Amount) (txID string, err error)
	GetBalance(ctx context.Context) (protocolcrypto.Amount, error)
	GetAccountBalance(ctx context.Context, account string) (protocolcrypto.Amount, error)

	Attest(ctx context.Context, contentHash, provenanceRoot protocolcrypto.Hash) (txID string, err error)
	GetAttestation(ctx context.Context, contentHash protocolcrypto.Hash) (*Attestation, error)

	OpenChannel(ctx context.Context, peer protocolcrypto.PeerID, deposit protocolcrypto.Amount) (txID string, err error)
	CloseChannel(ctx context.Context, channelID protocolcrypto.Hash, ourBalance, theirBalance protocolcrypto.Amount, ourSig, theirSig protocolcrypto.Signature) (txID string, err error)
	DisputeChannel(ctx context.Context, channelID protocolcrypto.Hash, nonce uint64, sig protocolcrypto.Signature) (txID string, err error)
	CounterDispute(ctx context.Context, channelID protocolcrypto.Hash, nonce uint64, sig protocolcrypto.Signature) (txID string, err error)
	ResolveDispute(ctx context.Context, channelID protocolcrypto.Hash) (txID string, err error)

	SettleBatch(ctx context.Context, batch Batch) (txID string, err error)
	VerifySettlement(ctx context.Context, txID string) (TxStatus, error)

	GetOwnAccount(ctx context.Context) (string, error)
	GetAccountForPeer(ctx context.Context, peer protocolcrypto.PeerID) (string, bool, error)
	RegisterPeerAccount(ctx context.Context, peer protocolcrypto.PeerID, account string) error
}

// DistributionEntry is one recipient's share of a settled payment.
type DistributionEntry struct {
	Recipient protocolcrypto.PeerID
	Amount    protocolcrypto.Amount
}

// Distribute computes the 95/5 split for a payment of amount against
// owner and the manifest's root_l0_l1 contributors: 5% to owner, 95%
// split with equal weight across distinct root contributors, ties
// broken by list order. Floor division is used throughout; any residue
// left by rounding is folded into the owner's share so the entries
// always sum to exactly amount. When contributors is empty, the owner
// receives the full amount.
func Distribute(amount protocolcrypto.Amount, owner protocolcrypto.PeerID, contributors []protocolcrypto.PeerID) []DistributionEntry {
	if len(contributors) == 0 {
		return []DistributionEntry{{Recipient: owner, Amount: amount}}
	}

	distinct := dedupePeers(contributors)
	ownerShare := protocolcrypto.Amount(uint64(amount) * 5 / 100)
	pool := protocolcrypto.Amount(uint64(amount) - uint64(ownerShare))

	perContributor := protocolcrypto.Amount(uint64(pool) / uint64(len(distinct)))
	distributed := protocolcrypto.Amount(uint64(perContributor) * uint64(len(distinct)))
	residue := pool - distributed

	entries := make([]DistributionEntry, 0, len(distinct)+1)
	ownerShare += residue
	entries = append(entries, DistributionEntry{Recipient: owner, Amount: ownerShare})
	for _, c := range distinct {
		entries = append(entries, DistributionEntry{Recipient: c, Amount: perContributor})
	}
	return entries
}

func dedupePeers(peers []protocolcrypto.PeerID) []protocolcrypto.PeerID {
	seen := make(map[protocolcrypto.PeerID]bool, len(peers))
	out := make([]protocolcrypto.PeerID, 0, len(peers))
	for _, p := range peers {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
