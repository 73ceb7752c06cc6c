package overlay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nodalync/nodalync/internal/wire"
)

// Network is a shared in-memory switchboard connecting Mock overlays,
// playing the role a libp2p test-net would play for a real transport.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Mock
	dht   map[[32]byte][]byte
}

// NewNetwork returns an empty in-memory overlay network.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Mock), dht: make(map[[32]byte][]byte)}
}

func (n *Network) register(m *Mock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[m.id] = m
}

func (n *Network) unregister(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

func (n *Network) lookup(id string) (*Mock, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.nodes[id]
	return m, ok
}

func (n *Network) all(except string) []*Mock {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Mock, 0, len(n.nodes))
	for id, m := range n.nodes {
		if id != except {
			out = append(out, m)
		}
	}
	return out
}

// Mock is an in-memory Overlay implementation for tests: Send performs
// a synchronous round trip against another Mock registered on the same
// Network, and Broadcast fans out to every other node's inbox.
type Mock struct {
	net   *Network
	id    string
	addrs []string

	inbox chan InboundEnvelope

	mu    sync.Mutex
	peers map[string]PeerInfo
}

// NewMock creates a Mock overlay identified by id and joins net.
func NewMock(net *Network, id string, addrs ...string) *Mock {
	m := &Mock{
		net:   net,
		id:    id,
		addrs: addrs,
		inbox: make(chan InboundEnvelope, 64),
		peers: make(map[string]PeerInfo),
	}
	net.register(m)
	return m
}

func (m *Mock) Start(_ context.Context) error { return nil }

func (m *Mock) Close() error {
	m.net.unregister(m.id)
	close(m.inbox)
	return nil
}

func (m *Mock) Dial(_ context.Context, addr string) (PeerInfo, error) {
	target, ok := m.net.lookup(addr)
	if !ok {
		return PeerInfo{}, fmt.Errorf("overlay: mock peer %q not found", addr)
	}
	info := PeerInfo{OverlayPeerID: target.id, Addrs: target.addrs}
	m.mu.Lock()
	m.peers[target.id] = info
	m.mu.Unlock()
	return info, nil
}

func (m *Mock) Send(ctx context.Context, overlayPeerID string, env *wire.Envelope) (*wire.Envelope, error) {
	target, ok := m.net.lookup(overlayPeerID)
	if !ok {
		return nil, ErrNotConnected
	}

	replyCh := make(chan *wire.Envelope, 1)
	delivery := InboundEnvelope{
		From:     m.id,
		Envelope: env,
		Reply: func(resp *wire.Envelope) error {
			replyCh <- resp
			return nil
		},
	}

	select {
	case target.inbox <- delivery:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mock) Broadcast(ctx context.Context, _ string, env *wire.Envelope) error {
	for _, peer := range m.net.all(m.id) {
		delivery := InboundEnvelope{From: m.id, Envelope: env}
		select {
		case peer.inbox <- delivery:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow subscriber; gossip is best-effort, drop rather than block.
		}
	}
	return nil
}

func (m *Mock) Inbox() <-chan InboundEnvelope { return m.inbox }

func (m *Mock) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Mock) LocalPeerID() string { return m.id }

// DHTPut stores payload in the shared Network's map, visible to every
// Mock joined to it -- the in-memory stand-in for a real DHT's
// eventually-consistent replication.
func (m *Mock) DHTPut(_ context.Context, key [32]byte, payload []byte) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.net.dht[key] = cp
	return nil
}

func (m *Mock) DHTGet(_ context.Context, key [32]byte) ([]byte, bool, error) {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	v, ok := m.net.dht[key]
	return v, ok, nil
}

func (m *Mock) DHTRemove(_ context.Context, key [32]byte) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	delete(m.net.dht, key)
	return nil
}

var _ Overlay = (*Mock)(nil)
