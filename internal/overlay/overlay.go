// Package overlay defines the libp2p-style networking capability the
// core consumes: DHT-backed discovery, gossip broadcast, direct
// request/response transport, mDNS and NAT traversal. The core talks
// only to the Overlay interface; LibP2P and Mock are the two
// collaborators, so the core never depends on a concrete transport.
package overlay

import (
	"context"
	"errors"

	"github.com/nodalync/nodalync/internal/wire"
)

// ErrNotConnected is returned by Send when no route to the peer exists.
var ErrNotConnected = errors.New("overlay: peer not connected")

// PeerInfo describes one overlay-level peer, keyed by its transport
// identity (a libp2p peer id string), independent of the protocol-level
// PeerID derived from a node's Ed25519 key — the two are bridged by the
// `peers` table in internal/store.
type PeerInfo struct {
	OverlayPeerID string
	Addrs         []string
}

// InboundEnvelope is one request or gossip message delivered from the
// overlay, tagged with the sender's overlay-level identity.
type InboundEnvelope struct {
	From     string
	Envelope *wire.Envelope
	// Reply, if non-nil, sends a response back over the same
	// request/response stream. It is nil for gossip deliveries.
	Reply func(*wire.Envelope) error
}

// Overlay is the networking capability consumed by internal/ops. Start
// and Close bracket the collaborator's lifetime; any request/response,
// broadcast or discovery call is a cooperative-scheduling suspension
// point for the caller.
type Overlay interface {
	// Start begins background discovery (mDNS, DHT bootstrap) and
	// begins delivering inbound envelopes on Inbox.
	Start(ctx context.Context) error
	Close() error

	// Dial connects to a peer at a raw multiaddr/addr string, e.g. a
	// configured seed node.
	Dial(ctx context.Context, addr string) (PeerInfo, error)

	// Send performs a request/response round trip with a connected
	// peer and returns its reply envelope.
	Send(ctx context.Context, overlayPeerID string, env *wire.Envelope) (*wire.Envelope, error)

	// Broadcast publishes env to every subscriber of topic (gossip).
	Broadcast(ctx context.Context, topic string, env *wire.Envelope) error

	// Inbox delivers every inbound request and gossip message not
	// otherwise consumed by Send's synchronous round trip.
	Inbox() <-chan InboundEnvelope

	// Peers lists currently known overlay peers.
	Peers() []PeerInfo

	// LocalPeerID returns this node's overlay-transport identity.
	LocalPeerID() string

	// DHTPut stores payload under key in the overlay's best-effort
	// key/value store. The key is a raw 32-byte content hash.
	DHTPut(ctx context.Context, key [32]byte, payload []byte) error

	// DHTGet retrieves a previously-put value, or (nil, false) if unknown
	// to this node.
	DHTGet(ctx context.Context, key [32]byte) ([]byte, bool, error)

	// DHTRemove withdraws a key from the DHT.
	DHTRemove(ctx context.Context, key [32]byte) error
}
