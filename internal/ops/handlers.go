// Package ops implements the preview/query/search request handlers and
// the consumer-side retriever — the core's request/response surface:
// typed errors, structured logrus fields, no panics on
// caller-reachable paths.
//
// Handlers holds a node-operations exclusive lock for the duration of a
// single request, serializing channel-state mutations the way a single
// dispatch loop processes one inbound event at a time against one
// store.
package ops

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodalync/nodalync/internal/channel"
	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/overlay"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/ratelimit"
	"github.com/nodalync/nodalync/internal/settlement"
	"github.com/nodalync/nodalync/internal/store"
	"github.com/nodalync/nodalync/internal/wire"
)

// Handlers is the request/response surface bound to one local identity.
// mu is the node-operations exclusive lock: every exported entry point
// acquires it for its full duration before touching the store or
// channel engine.
type Handlers struct {
	mu sync.Mutex

	store     *store.Store
	chans     *channel.Engine
	settle    settlement.Settlement
	overlay   overlay.Overlay
	peers     *PeerMap
	extractor Extractor
	limiter   *ratelimit.PerPeer

	self   protocolcrypto.PeerID
	signFn func([]byte) protocolcrypto.Signature

	cfg Config
	log *logrus.Logger
}

// New constructs a Handlers bound to the given storage, channel engine,
// settlement adapter (nil is valid: free-only deployment), overlay
// collaborator, and peer mapper.
func New(st *store.Store, chans *channel.Engine, settle settlement.Settlement, ov overlay.Overlay, peers *PeerMap, extractor Extractor, self protocolcrypto.PeerID, signFn func([]byte) protocolcrypto.Signature, cfg Config, log *logrus.Logger) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if extractor == nil {
		extractor = NoExtractor{}
	}
	return &Handlers{
		store:     st,
		chans:     chans,
		settle:    settle,
		overlay:   ov,
		peers:     peers,
		extractor: extractor,
		limiter:   ratelimit.New(ratelimit.DefaultBurst, ratelimit.DefaultWindow),
		self:      self,
		signFn:    signFn,
		cfg:       cfg,
		log:       log,
	}
}

// Run pulls inbound envelopes from the overlay one at a time and
// dispatches them: the single event-loop task that owns the overlay
// collaborator and pulls inbound events. It returns when ctx is
// cancelled or the inbox closes.
func (h *Handlers) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-h.overlay.Inbox():
			if !ok {
				return
			}
			h.dispatch(ctx, in)
		}
	}
}

func (h *Handlers) dispatch(ctx context.Context, in overlay.InboundEnvelope) {
	if !h.limiter.Allow(h.limiterKey(in.From)) {
		h.log.WithField("from", in.From).Warn("ops: rate limit exceeded, dropping message")
		return
	}

	env := in.Envelope
	log := h.log.WithFields(logrus.Fields{"from": in.From, "type": env.Type})

	if !env.Sender.IsZero() {
		h.peers.Bind(in.From, env.Sender)
	}

	reply := func(resp *wire.Envelope) {
		if in.Reply == nil || resp == nil {
			return
		}
		resp.Sender = h.self
		resp.Timestamp = protocolcrypto.Timestamp(time.Now().UnixMilli())
		resp.Sign(h.signFn)
		if err := in.Reply(resp); err != nil {
			log.WithError(err).Warn("ops: reply failed")
		}
	}

	switch env.Type {
	case wire.MsgPreviewRequest:
		reply(h.dispatchPreview(ctx, env, in.From))
	case wire.MsgQueryRequest:
		reply(h.dispatchQuery(ctx, env, in.From))
	case wire.MsgSearch:
		reply(h.dispatchSearch(ctx, env, in.From))
	case wire.MsgChannelOpen:
		reply(h.dispatchChannelOpen(env, in.From))
	case wire.MsgChannelClose:
		reply(h.dispatchChannelClose(env, in.From))
	case wire.MsgChannelCloseAck:
		h.dispatchChannelCloseAck(ctx, env, in.From)
	case wire.MsgAnnounce, wire.MsgAnnounceUpdate:
		h.handleAnnounce(env)
	default:
		log.Debug("ops: unhandled message type")
	}
}

// limiterKey derives a stable per-source rate-limit bucket key. Known
// peers use their protocol PeerID; unregistered (pre-handshake) senders
// get a deterministic pseudo-id from their overlay string so distinct
// unknown senders do not share a bucket.
func (h *Handlers) limiterKey(overlayID string) protocolcrypto.PeerID {
	if id, ok := h.peers.NodalyncPeerID(overlayID); ok {
		return id
	}
	digest := protocolcrypto.KeyedHash("nodalync/ratelimit-pseudo-id/v1", []byte(overlayID))
	var id protocolcrypto.PeerID
	copy(id[:], digest[:])
	return id
}

func errorEnvelope(code nlerr.Code, msg string, hint *ErrChannelRequired) *wire.Envelope {
	payload := wire.QueryErrorPayload{Code: string(code), Message: msg}
	if hint != nil {
		payload.OverlayPeerHint = hint.OverlayPeer
		payload.NodalyncPeerHint = hint.NodalyncPeer
	}
	body, _ := wire.Marshal(payload)
	return &wire.Envelope{Type: wire.MsgQueryError, Payload: body}
}

// classify converts a handler error into the code/message pair carried
// back to a remote consumer over the wire: a stable error-code enum
// plus a human message.
func classify(err error) (nlerr.Code, string) {
	if e, ok := err.(*nlerr.Error); ok {
		return e.Code, e.Message
	}
	if cr, ok := err.(*ErrChannelRequired); ok {
		return nlerr.CodeChannelRequired, cr.Error()
	}
	return nlerr.CodeNetworkGeneric, err.Error()
}

