// Package store implements the content/manifest/provenance/channel/
// payment/peer/settlement-queue/announcement storage layer on top of a
// single embedded relational database (modernc.org/sqlite) plus a
// sharded-by-hash-prefix content-addressed blob tree on disk.
package store

import "github.com/nodalync/nodalync/internal/protocolcrypto"

// Kind is an artifact's level in the derivation hierarchy.
type Kind string

const (
	KindL0 Kind = "L0"
	KindL1 Kind = "L1"
	KindL2 Kind = "L2"
	KindL3 Kind = "L3"
)

// Visibility controls who may retrieve an artifact.
type Visibility string

const (
	VisibilityPrivate  Visibility = "private"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityShared   Visibility = "shared"
	VisibilityOffline  Visibility = "offline"
)

// ProvenanceEdge names one ancestor contributor.
type ProvenanceEdge struct {
	SourceHash  protocolcrypto.Hash
	Contributor protocolcrypto.PeerID
	Visibility  Visibility
}

// Provenance holds an artifact's ancestry. Revenue distribution uses only
// RootL0L1; DerivedFrom is informational. Both are set at creation and
// never mutated.
type Provenance struct {
	RootL0L1    []ProvenanceEdge
	DerivedFrom []ProvenanceEdge
}

// VersionRecord places a manifest within its version chain.
type VersionRecord struct {
	Number   uint64
	Previous *protocolcrypto.Hash // nil when this is the chain root
	Root     protocolcrypto.Hash
	At       protocolcrypto.Timestamp
}

// Metadata is the descriptive payload of a manifest.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
	Size        uint64
	MIME        string
}

// Economics tracks a manifest's pricing and accrued revenue.
type Economics struct {
	Price          protocolcrypto.Amount
	QueryCount     uint64
	CumulativeRevenue protocolcrypto.Amount
}

// Manifest is the metadata record for one version of an artifact.
type Manifest struct {
	Hash       protocolcrypto.Hash
	Owner      protocolcrypto.PeerID
	Kind       Kind
	Visibility Visibility
	Version    VersionRecord
	Metadata   Metadata
	Economics  Economics
	Provenance Provenance
	CreatedAt  protocolcrypto.Timestamp
	UpdatedAt  protocolcrypto.Timestamp
}

// ChannelState is a payment channel's position in its lifecycle FSM.
type ChannelState string

const (
	ChannelOpening   ChannelState = "opening"
	ChannelOpen      ChannelState = "open"
	ChannelClosing   ChannelState = "closing"
	ChannelClosed    ChannelState = "closed"
	ChannelDisputed  ChannelState = "disputed"
)

// PendingClose records an in-flight cooperative close proposal.
type PendingClose struct {
	Nonce            uint64
	InitiatorBalance protocolcrypto.Amount
	ResponderBalance protocolcrypto.Amount
	InitiatorSig     protocolcrypto.Signature
	ResponderSig     *protocolcrypto.Signature
}

// PendingDispute records an in-flight on-chain dispute.
type PendingDispute struct {
	Nonce     uint64
	SubmittedAt protocolcrypto.Timestamp
	TxID      string
}

// Channel is a bilateral off-chain ledger with a peer.
type Channel struct {
	ChannelID      protocolcrypto.Hash
	PeerID         protocolcrypto.PeerID
	State          ChannelState
	OurBalance     protocolcrypto.Amount
	TheirBalance   protocolcrypto.Amount
	Nonce          uint64
	LastUpdate     protocolcrypto.Timestamp
	Pending        []Payment
	FundingTxID    string
	PendingClose   *PendingClose
	PendingDispute *PendingDispute
}

// Payment is one signed off-chain transfer on a channel.
type Payment struct {
	PaymentID  protocolcrypto.Hash
	ChannelID  protocolcrypto.Hash
	Amount     protocolcrypto.Amount
	Recipient  protocolcrypto.PeerID
	QueryHash  protocolcrypto.Hash
	Provenance []ProvenanceEdge
	Timestamp  protocolcrypto.Timestamp
	Nonce      uint64
	Signature  protocolcrypto.Signature
}

// Announcement is a cached copy of a remote publisher's offer.
type Announcement struct {
	Hash            protocolcrypto.Hash
	Kind            Kind
	Title           string
	Price           protocolcrypto.Amount
	MentionCount    int
	Topics          []string
	PreviewMentions []string
	Summary         string
	Publisher       protocolcrypto.PeerID
	ListenAddrs     []string
	CachedAt        protocolcrypto.Timestamp
}

// SettlementQueueEntry tracks a payment awaiting batch settlement.
type SettlementQueueEntry struct {
	PaymentID  protocolcrypto.Hash
	Recipient  protocolcrypto.PeerID
	Amount     protocolcrypto.Amount
	SourceHash protocolcrypto.Hash
	EnqueuedAt protocolcrypto.Timestamp
}

// PeerRecord is locally-known information about a remote peer.
type PeerRecord struct {
	OverlayPeerID   string
	LastSeen        protocolcrypto.Timestamp
	PublicKey       *protocolcrypto.PublicKey
	ReputationGood  uint64
	ReputationBad   uint64
	ManuallyAdded   bool
}

// ManifestFilter narrows list_manifests results.
type ManifestFilter struct {
	Visibility    *Visibility
	Kind          *Kind
	Owner         *protocolcrypto.PeerID
	CreatedAfter  *protocolcrypto.Timestamp
	CreatedBefore *protocolcrypto.Timestamp
	Substring     string
	Limit         int
	Offset        int
}
