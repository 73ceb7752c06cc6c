package ops

import (
	"context"
	"sync"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/store"
	"github.com/nodalync/nodalync/internal/wire"
)

// SearchRequest is a keyword/kind search, fanned out across the
// announcement cache, the local manifest table, and a bounded number of
// connected peers.
type SearchRequest struct {
	Query        string
	Kind         store.Kind
	Limit        int
	MaxHops      int
	HopCount     int
	VisitedPeers []protocolcrypto.PeerID
}

// SearchResult is one matched artifact, tagged with where it was found.
type SearchResult struct {
	Hash     protocolcrypto.Hash
	Title    string
	Kind     store.Kind
	Price    protocolcrypto.Amount
	Provider protocolcrypto.PeerID
	Source   string // "local" | "cache" | "peer"
}

// Search answers req from local manifests and the announcement cache,
// then forwards to up to cfg.SearchFanout connected peers not already
// visited, provided req.HopCount has not reached the hop ceiling.
// Results are deduplicated by hash, local and cache hits taking priority
// over a peer's answer for the same hash.
func (h *Handlers) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.searchLocked(ctx, req)
}

func (h *Handlers) searchLocked(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	seen := make(map[protocolcrypto.Hash]bool)
	var results []SearchResult

	var kindFilter *store.Kind
	if req.Kind != "" {
		kindFilter = &req.Kind
	}
	shared := store.VisibilityShared
	manifests, err := h.store.ListManifests(store.ManifestFilter{Visibility: &shared, Kind: kindFilter, Substring: req.Query, Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if seen[m.Hash] || len(results) >= limit {
			continue
		}
		seen[m.Hash] = true
		results = append(results, SearchResult{Hash: m.Hash, Title: m.Metadata.Title, Kind: m.Kind, Price: m.Economics.Price, Provider: m.Owner, Source: "local"})
	}

	if len(results) < limit {
		anns, err := h.store.SearchAnnouncements(req.Query, limit-len(results))
		if err != nil {
			return nil, err
		}
		for _, a := range anns {
			if seen[a.Hash] || len(results) >= limit {
				continue
			}
			if kindFilter != nil && a.Kind != *kindFilter {
				continue
			}
			seen[a.Hash] = true
			results = append(results, SearchResult{Hash: a.Hash, Title: a.Title, Kind: a.Kind, Price: a.Price, Provider: a.Publisher, Source: "cache"})
		}
	}

	maxHops := h.cfg.MaxHops
	if req.MaxHops > 0 && req.MaxHops < maxHops {
		maxHops = req.MaxHops
	}
	if len(results) >= limit || req.HopCount >= maxHops {
		return results, nil
	}

	peerResults := h.fanOutSearch(ctx, req, maxHops, limit-len(results))
	for _, r := range peerResults {
		if seen[r.Hash] || len(results) >= limit {
			continue
		}
		seen[r.Hash] = true
		results = append(results, r)
	}
	return results, nil
}

// fanOutSearch forwards req to up to cfg.SearchFanout connected peers
// not already in req.VisitedPeers, each bounded by cfg.SearchHopTimeout,
// concurrently.
func (h *Handlers) fanOutSearch(ctx context.Context, req SearchRequest, maxHops, remaining int) []SearchResult {
	visited := make(map[protocolcrypto.PeerID]bool, len(req.VisitedPeers)+1)
	for _, p := range req.VisitedPeers {
		visited[p] = true
	}
	visited[h.self] = true

	var targets []string
	for _, p := range h.overlay.Peers() {
		if len(targets) >= h.cfg.SearchFanout {
			break
		}
		id, ok := h.peers.NodalyncPeerID(p.OverlayPeerID)
		if ok && visited[id] {
			continue
		}
		targets = append(targets, p.OverlayPeerID)
	}
	if len(targets) == 0 {
		return nil
	}

	visitedPeers := append(append([]protocolcrypto.PeerID{}, req.VisitedPeers...), h.self)
	payload := wire.SearchRequestPayload{
		Query: req.Query, Kind: string(req.Kind), Limit: remaining,
		MaxHops: maxHops, HopCount: req.HopCount + 1, VisitedPeers: visitedPeers,
	}
	body, _ := wire.Marshal(payload)

	var mu sync.Mutex
	var out []SearchResult
	var wg sync.WaitGroup
	for _, target := range targets {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			hopCtx, cancel := context.WithTimeout(ctx, h.cfg.SearchHopTimeout)
			defer cancel()
			env := &wire.Envelope{Type: wire.MsgSearch, Payload: body}
			resp, err := h.overlay.Send(hopCtx, target, env)
			if err != nil || resp == nil || resp.Type != wire.MsgSearchResponse {
				return
			}
			var sr wire.SearchResponsePayload
			if err := wire.Unmarshal(resp.Payload, &sr); err != nil {
				return
			}
			mu.Lock()
			for _, r := range sr.Results {
				out = append(out, SearchResult{Hash: r.Hash, Title: r.Title, Kind: store.Kind(r.Kind), Price: r.Price, Provider: r.Provider, Source: "peer"})
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (h *Handlers) dispatchSearch(ctx context.Context, env *wire.Envelope, _ string) *wire.Envelope {
	var req wire.SearchRequestPayload
	if err := wire.Unmarshal(env.Payload, &req); err != nil {
		return nil
	}
	visited := make([]protocolcrypto.PeerID, len(req.VisitedPeers))
	copy(visited, req.VisitedPeers)

	results, err := h.Search(ctx, SearchRequest{
		Query: req.Query, Kind: store.Kind(req.Kind), Limit: req.Limit,
		MaxHops: req.MaxHops, HopCount: req.HopCount, VisitedPeers: visited,
	})
	if err != nil {
		return errorEnvelope("", err.Error(), nil)
	}

	wireResults := make([]wire.SearchResultWire, 0, len(results))
	for _, r := range results {
		wireResults = append(wireResults, wire.SearchResultWire{Hash: r.Hash, Title: r.Title, Kind: string(r.Kind), Price: r.Price, Provider: r.Provider, Source: r.Source})
	}
	resp := wire.SearchResponsePayload{Results: wireResults, Total: len(wireResults)}
	body, _ := wire.Marshal(resp)
	return &wire.Envelope{Type: wire.MsgSearchResponse, Payload: body}
}
