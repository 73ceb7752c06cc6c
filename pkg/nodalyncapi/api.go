// Package nodalyncapi is a small facade over the core engine, exposed
// as a reusable package consumed by multiple cmd/ binaries rather than
// having each command reach into internal/* directly. It exists so
// future collaborators — a desktop UI/IPC layer, a tool-calling server,
// CLI wrappers beyond cmd/nodalync — have one stable entry point.
//
// Everything here is a thin re-export: no protocol logic lives in this
// package.
package nodalyncapi

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nodalync/nodalync/internal/channel"
	"github.com/nodalync/nodalync/internal/config"
	"github.com/nodalync/nodalync/internal/identity"
	"github.com/nodalync/nodalync/internal/ops"
	"github.com/nodalync/nodalync/internal/overlay"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/settlement"
	"github.com/nodalync/nodalync/internal/store"
)

// Node bundles one running node's full stack behind the operations
// a collaborator needs: preview/query/search, publishing, and channel
// and settlement status. It does not own the overlay's lifetime; the
// caller supplies a started overlay.Overlay (cmd/nodalyncd's LibP2P
// instance, or a test/embedding Mock).
type Node struct {
	Identity *identity.Identity
	Store    *store.Store
	Channels *channel.Engine
	Settle   settlement.Settlement
	Handlers *ops.Handlers
	Peers    *ops.PeerMap
}

// Open wires a Node from configuration, an unlocked identity, and a
// started overlay collaborator. It does not start or stop ov; the
// caller owns that lifecycle (cmd/nodalyncd's event loop, or a test
// harness driving overlay.Mock).
func Open(cfg *config.Config, id *identity.Identity, ov overlay.Overlay, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	st, err := store.Open(store.Config{
		DBPath:     cfg.Storage.DBPath,
		ContentDir: cfg.Storage.ContentDir,
		CacheDir:   cfg.Storage.CacheDir,
		CacheCap:   cfg.Storage.CacheCap,
	}, log)
	if err != nil {
		return nil, err
	}

	var settle settlement.Settlement
	if cfg.Settlement.Enabled && cfg.Settlement.Mock {
		settle = settlement.NewMockSettlement()
	}

	peers := ops.NewPeerMap()
	signFn := func(msg []byte) protocolcrypto.Signature { return id.Sign(msg) }
	chCfg := channel.Config{
		MinDeposit:            protocolcrypto.Amount(cfg.Channel.MinDeposit),
		DepositMultiplier:     cfg.Channel.DepositMultiplier,
		MaxAcceptDeposit:      protocolcrypto.Amount(cfg.Channel.MaxAcceptDeposit),
		AutoDepositEnabled:    cfg.Channel.AutoDepositEnabled,
		AutoDepositMinBalance: protocolcrypto.Amount(cfg.Channel.AutoDepositMinBalance),
		AutoDepositAmount:     protocolcrypto.Amount(cfg.Channel.AutoDepositAmount),
		AutoDepositCooldown:   cfg.Channel.AutoDepositCooldown,
		SettlementTimeout:     cfg.Channel.SettlementTimeout,
		MaxSettlementAttempts: cfg.Channel.MaxSettlementAttempts,
		SettlementBackoffBase: cfg.Channel.SettlementBackoffBase,
	}
	chans := channel.New(st, settle, chCfg, id.PeerID, signFn, peers.Key, log)

	opsCfg := ops.Config{
		ChannelDepositMultiplier:    cfg.Channel.DepositMultiplier,
		MinDeposit:                  cfg.Channel.MinDeposit,
		MaxHops:                     cfg.Ops.MaxHops,
		SearchFanout:                cfg.Ops.SearchFanout,
		SearchHopTimeout:            cfg.Ops.SearchHopTimeout,
		StrictSignatureVerification: cfg.Ops.StrictSignatureVerification,
		RequestTimeout:              cfg.Ops.RequestTimeout,
	}
	handlers := ops.New(st, chans, settle, ov, peers, nil, id.PeerID, signFn, opsCfg, log)

	return &Node{Identity: id, Store: st, Channels: chans, Settle: settle, Handlers: handlers, Peers: peers}, nil
}

// Close releases the node's storage handle. It does not touch the
// overlay, which the caller owns.
func (n *Node) Close() error { return n.Store.Close() }

// Preview re-exports ops.Handlers.Preview for external callers.
func (n *Node) Preview(ctx context.Context, hash protocolcrypto.Hash) (*ops.PreviewResult, error) {
	return n.Handlers.Preview(ctx, hash, n.Identity.PeerID)
}

// Retrieve re-exports ops.Handlers.Retrieve for external callers.
func (n *Node) Retrieve(ctx context.Context, hash protocolcrypto.Hash, providerOverlayID string) (*ops.QueryResult, error) {
	return n.Handlers.Retrieve(ctx, hash, providerOverlayID)
}

// Search re-exports ops.Handlers.Search for external callers.
func (n *Node) Search(ctx context.Context, req ops.SearchRequest) ([]ops.SearchResult, error) {
	return n.Handlers.Search(ctx, req)
}

// Publish stores data as a new L0 blob and its manifest in one call,
// the common case for collaborators that do not need the CLI's finer
// control over kind/version chains.
func (n *Node) Publish(data []byte, meta store.Metadata, visibility store.Visibility, price protocolcrypto.Amount, nowMillis uint64) (protocolcrypto.Hash, error) {
	hash, err := n.Store.PutBlob(data)
	if err != nil {
		return protocolcrypto.Hash{}, err
	}
	meta.Size = uint64(len(data))
	now := protocolcrypto.Timestamp(nowMillis)
	m := store.Manifest{
		Hash:       hash,
		Owner:      n.Identity.PeerID,
		Kind:       store.KindL0,
		Visibility: visibility,
		Version:    store.VersionRecord{Number: 1, Root: hash, At: now},
		Metadata:   meta,
		Economics:  store.Economics{Price: price},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := n.Store.PutManifest(m); err != nil {
		return protocolcrypto.Hash{}, err
	}
	return hash, nil
}

// ListManifests re-exports store.Store.ListManifests.
func (n *Node) ListManifests(f store.ManifestFilter) ([]store.Manifest, error) {
	return n.Store.ListManifests(f)
}
