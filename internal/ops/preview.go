package ops

import (
	"context"

	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/store"
	"github.com/nodalync/nodalync/internal/wire"
)

// PreviewResult answers a preview request from any of three sources:
// the local manifest table, the announcement cache, or a DHT lookup.
type PreviewResult struct {
	Hash         protocolcrypto.Hash
	Kind         store.Kind
	Title        string
	Price        protocolcrypto.Amount
	Summary      L1Summary
	ProviderPeer protocolcrypto.PeerID
	Provenance   []store.ProvenanceEdge
	Source       string // "local" | "cache" | "dht"
}

// Preview resolves a hash to its preview: a local manifest the
// requester may see, falling back to the announcement cache, falling
// back to a DHT lookup. requester is the protocol PeerID asking, used
// only to authorize a local Private or Offline manifest for its owner.
func (h *Handlers) Preview(ctx context.Context, hash protocolcrypto.Hash, requester protocolcrypto.PeerID) (*PreviewResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.previewLocked(ctx, hash, requester)
}

func (h *Handlers) previewLocked(ctx context.Context, hash protocolcrypto.Hash, requester protocolcrypto.PeerID) (*PreviewResult, error) {
	m, err := h.store.GetManifest(hash)
	if err != nil && !nlerr.Is(err, nlerr.CodeManifestNotFound) {
		return nil, err
	}
	if m != nil {
		if m.Visibility == store.VisibilityPrivate && requester != m.Owner {
			return nil, nlerr.New(nlerr.CodeAccessDenied, "manifest %s is private", hash)
		}
		if m.Visibility == store.VisibilityOffline && requester != m.Owner {
			return nil, nlerr.New(nlerr.CodeAccessDenied, "manifest %s is offline", hash)
		}
		summary, err := h.summarizeLocal(ctx, m)
		if err != nil {
			return nil, err
		}
		return &PreviewResult{
			Hash: hash, Kind: m.Kind, Title: m.Metadata.Title, Price: m.Economics.Price,
			Summary: summary, ProviderPeer: m.Owner, Provenance: m.Provenance.RootL0L1, Source: "local",
		}, nil
	}

	if ann, err := h.store.GetAnnouncement(hash); err != nil {
		return nil, err
	} else if ann != nil {
		return announcementPreview(ann, "cache"), nil
	}

	var key [32]byte
	copy(key[:], hash[:])
	payload, ok, err := h.overlay.DHTGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nlerr.New(nlerr.CodeNotFound, "no preview available for %s", hash)
	}
	var wa wire.AnnouncePayload
	if err := wire.Unmarshal(payload, &wa); err != nil {
		return nil, nlerr.New(nlerr.CodeEncodingError, "decode dht announce: %v", err)
	}
	ann := &store.Announcement{
		Hash: wa.Hash, Kind: store.Kind(wa.Kind), Title: wa.Title, Price: wa.Price,
		MentionCount: wa.MentionCount, Topics: wa.Topics, PreviewMentions: wa.PreviewMentions,
		Summary: wa.Summary, Publisher: wa.Publisher, ListenAddrs: wa.ListenAddrs,
		CachedAt: protocolcrypto.Timestamp(0),
	}
	_ = h.store.PutAnnouncement(*ann)
	return announcementPreview(ann, "dht"), nil
}

func announcementPreview(a *store.Announcement, source string) *PreviewResult {
	return &PreviewResult{
		Hash: a.Hash, Kind: a.Kind, Title: a.Title, Price: a.Price,
		Summary: L1Summary{MentionCount: a.MentionCount, Topics: a.Topics, PreviewMentions: a.PreviewMentions, Summary: a.Summary},
		ProviderPeer: a.Publisher, Source: source,
	}
}

// summarizeLocal builds an L1Summary for a locally-held manifest: L0
// content is handed to the extractor collaborator; anything already at
// L1 or above carries its own description through untouched.
func (h *Handlers) summarizeLocal(ctx context.Context, m *store.Manifest) (L1Summary, error) {
	if m.Kind != store.KindL0 {
		return L1Summary{Summary: m.Metadata.Description}, nil
	}
	content, err := h.store.GetBlob(m.Hash)
	if err != nil {
		if nlerr.Is(err, nlerr.CodeNotFound) {
			return L1Summary{}, nil
		}
		return L1Summary{}, err
	}
	return h.extractor.Summarize(ctx, content, m)
}

func (h *Handlers) dispatchPreview(ctx context.Context, env *wire.Envelope, from string) *wire.Envelope {
	var req wire.PreviewRequestPayload
	if err := wire.Unmarshal(env.Payload, &req); err != nil {
		return nil
	}
	requester, _ := h.peers.NodalyncPeerID(from)

	res, err := h.Preview(ctx, req.Hash, requester)
	if err != nil {
		code, msg := classify(err)
		return errorEnvelope(code, msg, nil)
	}
	provWire := make([]wire.ProvenanceEdgeWire, 0, len(res.Provenance))
	for _, e := range res.Provenance {
		provWire = append(provWire, wire.ProvenanceEdgeWire{SourceHash: e.SourceHash, Contributor: e.Contributor, Visibility: string(e.Visibility)})
	}
	resp := wire.PreviewResponsePayload{
		Hash: res.Hash, Kind: string(res.Kind), Title: res.Title, Price: res.Price,
		MentionCount: res.Summary.MentionCount, Topics: res.Summary.Topics,
		PreviewMentions: res.Summary.PreviewMentions, Summary: res.Summary.Summary,
		ProviderPeer: res.ProviderPeer, Provenance: provWire, Found: true,
	}
	body, _ := wire.Marshal(resp)
	return &wire.Envelope{Type: wire.MsgPreviewResponse, Payload: body}
}
