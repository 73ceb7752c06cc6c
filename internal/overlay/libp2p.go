package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/nodalync/nodalync/internal/wire"
)

// streamProtocol is the libp2p protocol id used for the synchronous
// request/response path (preview/query); gossip/announce traffic rides
// go-libp2p-pubsub topics instead, keeping Broadcast/Subscribe (pubsub)
// separate from direct per-connection streams.
const streamProtocol = "/nodalync/1.0.0"

// LibP2PConfig configures a LibP2P overlay.
type LibP2PConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	RequestTimeout time.Duration
}

// LibP2P is the production Overlay: a libp2p host plus gossipsub and
// mDNS discovery, peer bookkeeping, and NAT mapping, carrying a framed
// wire.Envelope over both its direct streams and its pubsub topics.
type LibP2P struct {
	cfg  LibP2PConfig
	host host.Host
	ps   *pubsub.PubSub
	log  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription

	peersMu sync.RWMutex
	peers   map[string]PeerInfo

	inbox chan InboundEnvelope

	nat *natManager

	dhtMu sync.RWMutex
	dht   map[[32]byte][]byte
}

// dhtTopic carries DHT put replication to every peer subscribed to it,
// the closest this local-first DHT fallback gets to real Kademlia
// replication without pulling in go-libp2p-kad-dht: a local routing
// table replicated over gossip rather than a full DHT implementation.
const dhtTopic = "nodalync-dht-put"

type dhtPutMsg struct {
	Key     [32]byte `json:"key"`
	Payload []byte   `json:"payload"`
}

// NewLibP2P constructs (but does not Start) a LibP2P overlay.
func NewLibP2P(cfg LibP2PConfig, log *logrus.Logger) (*LibP2P, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("overlay: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("overlay: create pubsub: %w", err)
	}

	l := &LibP2P{
		cfg:    cfg,
		host:   h,
		ps:     ps,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[string]PeerInfo),
		inbox:  make(chan InboundEnvelope, 256),
		dht:    make(map[[32]byte][]byte),
	}
	h.SetStreamHandler(streamProtocol, l.handleStream)
	return l, nil
}

func (l *LibP2P) Start(_ context.Context) error {
	if nat, err := newNATManager(); err == nil {
		if port, err := parsePort(l.cfg.ListenAddr); err == nil {
			if err := nat.Map(port); err != nil {
				l.log.WithError(err).Warn("NAT map failed")
			}
		}
		l.nat = nat
	} else {
		l.log.WithError(err).Warn("NAT discovery unavailable")
	}

	for _, addr := range l.cfg.BootstrapPeers {
		if _, err := l.Dial(l.ctx, addr); err != nil {
			l.log.WithError(err).WithField("addr", addr).Warn("bootstrap dial failed")
		}
	}

	if _, err := mdns.NewMdnsService(l.host, l.cfg.DiscoveryTag, &mdnsNotifee{l: l}); err != nil {
		l.log.WithError(err).Warn("mDNS discovery unavailable")
	}

	if err := l.subscribeDHT(); err != nil {
		l.log.WithError(err).Warn("dht replication topic unavailable")
	}
	return nil
}

func (l *LibP2P) Close() error {
	l.cancel()
	if l.nat != nil {
		_ = l.nat.Unmap()
	}
	close(l.inbox)
	return l.host.Close()
}

func (l *LibP2P) Dial(ctx context.Context, addr string) (PeerInfo, error) {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("overlay: bad peer address %q: %w", addr, err)
	}
	if err := l.host.Connect(ctx, *pi); err != nil {
		return PeerInfo{}, fmt.Errorf("overlay: connect %s: %w", addr, err)
	}
	info := PeerInfo{OverlayPeerID: pi.ID.String(), Addrs: []string{addr}}
	l.peersMu.Lock()
	l.peers[info.OverlayPeerID] = info
	l.peersMu.Unlock()
	return info, nil
}

func (l *LibP2P) Send(ctx context.Context, overlayPeerID string, env *wire.Envelope) (*wire.Envelope, error) {
	pid, err := peer.Decode(overlayPeerID)
	if err != nil {
		return nil, fmt.Errorf("overlay: bad peer id %q: %w", overlayPeerID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
	defer cancel()

	s, err := l.host.NewStream(callCtx, pid, streamProtocol)
	if err != nil {
		return nil, fmt.Errorf("overlay: new stream to %s: %w", overlayPeerID, err)
	}
	defer s.Close()

	if _, err := s.Write(env.Encode()); err != nil {
		return nil, fmt.Errorf("overlay: write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("overlay: close write side: %w", err)
	}

	resp, err := readEnvelope(s)
	if err != nil {
		return nil, fmt.Errorf("overlay: read response: %w", err)
	}
	return resp, nil
}

func (l *LibP2P) handleStream(s network.Stream) {
	defer s.Close()
	env, err := readEnvelope(s)
	if err != nil {
		l.log.WithError(err).Warn("overlay: malformed inbound stream")
		return
	}

	replyCh := make(chan *wire.Envelope, 1)
	delivery := InboundEnvelope{
		From:     s.Conn().RemotePeer().String(),
		Envelope: env,
		Reply: func(resp *wire.Envelope) error {
			replyCh <- resp
			return nil
		},
	}

	select {
	case l.inbox <- delivery:
	case <-l.ctx.Done():
		return
	}

	select {
	case resp := <-replyCh:
		_, _ = s.Write(resp.Encode())
	case <-l.ctx.Done():
	case <-time.After(l.cfg.RequestTimeout):
		l.log.Warn("overlay: handler did not reply before timeout")
	}
}

func readEnvelope(s network.Stream) (*wire.Envelope, error) {
	r := bufio.NewReader(s)
	data, err := readAllBounded(r, 16<<20)
	if err != nil {
		return nil, err
	}
	return wire.DecodeEnvelope(data)
}

func readAllBounded(r *bufio.Reader, max int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > max {
				return nil, fmt.Errorf("overlay: inbound message exceeds %d bytes", max)
			}
		}
		if err != nil {
			return buf, nil
		}
	}
}

func (l *LibP2P) Broadcast(ctx context.Context, topic string, env *wire.Envelope) error {
	l.topicsMu.Lock()
	t, ok := l.topics[topic]
	if !ok {
		var err error
		t, err = l.ps.Join(topic)
		if err != nil {
			l.topicsMu.Unlock()
			return fmt.Errorf("overlay: join topic %s: %w", topic, err)
		}
		l.topics[topic] = t
	}
	l.topicsMu.Unlock()
	if err := t.Publish(ctx, env.Encode()); err != nil {
		return fmt.Errorf("overlay: publish topic %s: %w", topic, err)
	}
	return nil
}

// SubscribeTopic joins topic and feeds decoded envelopes into Inbox,
// tagged with the publisher's overlay peer id. It is a LibP2P method
// outside the Overlay interface, called once per topic of interest;
// nothing in internal/ops or cmd/ calls it.
func (l *LibP2P) SubscribeTopic(topic string) error {
	l.topicsMu.Lock()
	if _, ok := l.subs[topic]; ok {
		l.topicsMu.Unlock()
		return nil
	}
	t, ok := l.topics[topic]
	if !ok {
		var err error
		t, err = l.ps.Join(topic)
		if err != nil {
			l.topicsMu.Unlock()
			return fmt.Errorf("overlay: join topic %s: %w", topic, err)
		}
		l.topics[topic] = t
	}
	sub, err := t.Subscribe()
	if err != nil {
		l.topicsMu.Unlock()
		return fmt.Errorf("overlay: subscribe topic %s: %w", topic, err)
	}
	l.subs[topic] = sub
	l.topicsMu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(l.ctx)
			if err != nil {
				return
			}
			env, err := wire.DecodeEnvelope(msg.Data)
			if err != nil {
				l.log.WithError(err).Warn("overlay: malformed gossip payload")
				continue
			}
			select {
			case l.inbox <- InboundEnvelope{From: msg.GetFrom().String(), Envelope: env}:
			case <-l.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (l *LibP2P) Inbox() <-chan InboundEnvelope { return l.inbox }

func (l *LibP2P) Peers() []PeerInfo {
	l.peersMu.RLock()
	defer l.peersMu.RUnlock()
	out := make([]PeerInfo, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, p)
	}
	return out
}

func (l *LibP2P) LocalPeerID() string { return l.host.ID().String() }

// subscribeDHT joins the replication topic used to gossip DHTPut values to
// every peer, so DHTGet can serve a value this node never itself put.
func (l *LibP2P) subscribeDHT() error {
	l.topicsMu.Lock()
	t, err := l.ps.Join(dhtTopic)
	if err != nil {
		l.topicsMu.Unlock()
		return err
	}
	l.topics[dhtTopic] = t
	sub, err := t.Subscribe()
	if err != nil {
		l.topicsMu.Unlock()
		return err
	}
	l.subs[dhtTopic] = sub
	l.topicsMu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(l.ctx)
			if err != nil {
				return
			}
			var put dhtPutMsg
			if err := json.Unmarshal(msg.Data, &put); err != nil {
				continue
			}
			l.dhtMu.Lock()
			l.dht[put.Key] = put.Payload
			l.dhtMu.Unlock()
		}
	}()
	return nil
}

// DHTPut records payload locally and gossips it to the replication
// topic so other peers can serve it via their own DHTGet.
func (l *LibP2P) DHTPut(ctx context.Context, key [32]byte, payload []byte) error {
	l.dhtMu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.dht[key] = cp
	l.dhtMu.Unlock()

	data, err := json.Marshal(dhtPutMsg{Key: key, Payload: payload})
	if err != nil {
		return fmt.Errorf("overlay: encode dht put: %w", err)
	}
	l.topicsMu.Lock()
	t, ok := l.topics[dhtTopic]
	l.topicsMu.Unlock()
	if !ok {
		return nil // not yet subscribed (Start not called); local-only put still recorded
	}
	return t.Publish(ctx, data)
}

func (l *LibP2P) DHTGet(_ context.Context, key [32]byte) ([]byte, bool, error) {
	l.dhtMu.RLock()
	defer l.dhtMu.RUnlock()
	v, ok := l.dht[key]
	return v, ok, nil
}

func (l *LibP2P) DHTRemove(_ context.Context, key [32]byte) error {
	l.dhtMu.Lock()
	defer l.dhtMu.Unlock()
	delete(l.dht, key)
	return nil
}

type mdnsNotifee struct{ l *LibP2P }

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	l := n.l
	if info.ID == l.host.ID() {
		return
	}
	l.peersMu.RLock()
	_, known := l.peers[info.ID.String()]
	l.peersMu.RUnlock()
	if known {
		return
	}
	if err := l.host.Connect(l.ctx, info); err != nil {
		l.log.WithError(err).WithField("peer", info.ID.String()).Warn("mDNS connect failed")
		return
	}
	l.peersMu.Lock()
	l.peers[info.ID.String()] = PeerInfo{OverlayPeerID: info.ID.String(), Addrs: []string{info.String()}}
	l.peersMu.Unlock()
	l.log.WithField("peer", info.ID.String()).Info("connected via mDNS")
}

var _ mdns.Notifee = (*mdnsNotifee)(nil)
var _ Overlay = (*LibP2P)(nil)
