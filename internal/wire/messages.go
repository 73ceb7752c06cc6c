package wire

import (
	"encoding/json"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// Payload bodies are JSON inside the envelope's length-prefixed,
// binary-framed Payload field. JSON gives each payload independent
// forward/backward compatibility (new optional fields round-trip through
// old decoders without truncation) while the envelope itself keeps a
// strict self-describing binary frame.

// ProvenanceEdgeWire is the wire form of a provenance edge.
type ProvenanceEdgeWire struct {
	SourceHash  protocolcrypto.Hash  `json:"source_hash"`
	Contributor protocolcrypto.PeerID `json:"contributor"`
	Visibility  string               `json:"visibility"`
}

// PreviewRequestPayload asks a producer for a preview of a hash.
type PreviewRequestPayload struct {
	Hash protocolcrypto.Hash `json:"hash"`
}

// PreviewResponsePayload answers a PreviewRequest. Provenance is only
// populated when the preview was served from the producer's own
// manifest (Source "local" in internal/ops): it is what a paid Query
// must echo back for the producer's provenance-match check to pass.
type PreviewResponsePayload struct {
	Hash            protocolcrypto.Hash `json:"hash"`
	Kind            string              `json:"kind"`
	Title           string              `json:"title"`
	Price           protocolcrypto.Amount `json:"price"`
	MentionCount    int                 `json:"mention_count"`
	Topics          []string            `json:"topics"`
	PreviewMentions []string            `json:"preview_mentions"`
	Summary         string              `json:"summary"`
	ProviderPeer    protocolcrypto.PeerID `json:"provider_peer"`
	Provenance      []ProvenanceEdgeWire `json:"provenance,omitempty"`
	Found           bool                `json:"found"`
}

// PaymentWire is the wire form of a payment.
type PaymentWire struct {
	PaymentID   protocolcrypto.Hash    `json:"payment_id"`
	ChannelID   protocolcrypto.Hash    `json:"channel_id"`
	Amount      protocolcrypto.Amount  `json:"amount"`
	Recipient   protocolcrypto.PeerID  `json:"recipient"`
	QueryHash   protocolcrypto.Hash    `json:"query_hash"`
	Provenance  []ProvenanceEdgeWire   `json:"provenance"`
	Timestamp   protocolcrypto.Timestamp `json:"timestamp"`
	Nonce       uint64                 `json:"nonce"`
	Signature   protocolcrypto.Signature `json:"signature"`
}

// QueryRequestPayload asks a producer for content, optionally paying.
type QueryRequestPayload struct {
	Hash          protocolcrypto.Hash `json:"hash"`
	Payment       *PaymentWire        `json:"payment,omitempty"`
	PaymentNonce  uint64              `json:"payment_nonce"`
}

// QueryResponsePayload carries the delivered content plus a settlement
// receipt. Content is only ever populated after trustless delivery is
// confirmed.
type QueryResponsePayload struct {
	Hash      protocolcrypto.Hash `json:"hash"`
	Content   []byte              `json:"content"`
	ReceiptID protocolcrypto.Hash `json:"receipt_id"`
	Amount    protocolcrypto.Amount `json:"amount"`
	ChannelNonce uint64           `json:"channel_nonce"`
	Timestamp protocolcrypto.Timestamp `json:"timestamp"`
	DistributorSignature protocolcrypto.Signature `json:"distributor_signature"`
}

// QueryErrorPayload reports a typed failure to the consumer.
// OverlayPeerHint and NodalyncPeerHint are populated for ChannelRequired so the consumer can open a channel and
// retry once.
type QueryErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	OverlayPeerHint  string               `json:"overlay_peer_hint,omitempty"`
	NodalyncPeerHint protocolcrypto.PeerID `json:"nodalync_peer_hint,omitempty"`
}

// SearchRequestPayload propagates a search query across hops.
type SearchRequestPayload struct {
	Query       string                 `json:"query"`
	Kind        string                 `json:"kind,omitempty"`
	Limit       int                    `json:"limit"`
	MaxHops     int                    `json:"max_hops"`
	HopCount    int                    `json:"hop_count"`
	VisitedPeers []protocolcrypto.PeerID `json:"visited_peers"`
}

// SearchResultWire is one entry in a SearchResponsePayload.
type SearchResultWire struct {
	Hash     protocolcrypto.Hash   `json:"hash"`
	Title    string                `json:"title"`
	Kind     string                `json:"kind"`
	Price    protocolcrypto.Amount `json:"price"`
	Provider protocolcrypto.PeerID `json:"provider"`
	Source   string                `json:"source"` // "local" | "cache" | "peer"
}

// SearchResponsePayload answers a SearchRequest.
type SearchResponsePayload struct {
	Results []SearchResultWire `json:"results"`
	Total   int                `json:"total"`
}

// ChannelOpenPayload requests opening a channel.
type ChannelOpenPayload struct {
	ChannelID protocolcrypto.Hash    `json:"channel_id"`
	Deposit   protocolcrypto.Amount  `json:"deposit"`
	Initiator protocolcrypto.PeerID  `json:"initiator"`
}

// ChannelAcceptPayload accepts a channel open request.
type ChannelAcceptPayload struct {
	ChannelID     protocolcrypto.Hash   `json:"channel_id"`
	TheirDeposit  protocolcrypto.Amount `json:"their_deposit"`
	OurDeposit    protocolcrypto.Amount `json:"our_deposit"`
}

// ChannelClosePayload proposes a cooperative close at (channel_id, nonce,
// initiator_balance, responder_balance).
type ChannelClosePayload struct {
	ChannelID        protocolcrypto.Hash      `json:"channel_id"`
	Nonce            uint64                   `json:"nonce"`
	InitiatorBalance protocolcrypto.Amount    `json:"initiator_balance"`
	ResponderBalance protocolcrypto.Amount    `json:"responder_balance"`
	Signature        protocolcrypto.Signature `json:"signature"`
}

// ChannelCloseAckPayload is the counterparty's signature over the same
// close tuple.
type ChannelCloseAckPayload struct {
	ChannelID protocolcrypto.Hash      `json:"channel_id"`
	Nonce     uint64                   `json:"nonce"`
	Signature protocolcrypto.Signature `json:"signature"`
}

// AnnouncePayload is the DHT value / broadcast payload advertising an
// artifact offer.
type AnnouncePayload struct {
	Hash            protocolcrypto.Hash   `json:"hash"`
	Kind            string                `json:"kind"`
	Title           string                `json:"title"`
	Price           protocolcrypto.Amount `json:"price"`
	MentionCount    int                   `json:"mention_count"`
	Topics          []string              `json:"topics"`
	PreviewMentions []string              `json:"preview_mentions"`
	Summary         string                `json:"summary"`
	Publisher       protocolcrypto.PeerID `json:"publisher"`
	ListenAddrs     []string              `json:"listen_addrs"`
}

// SettleConfirmPayload notifies a peer that a settlement batch containing
// their payment has confirmed.
type SettleConfirmPayload struct {
	BatchID   string                `json:"batch_id"`
	PaymentID protocolcrypto.Hash   `json:"payment_id"`
	TxID      string                `json:"tx_id"`
}

// Marshal encodes v as the JSON payload body for an envelope.
func Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes an envelope payload body into v.
func Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
