// Command nodalyncd is the node daemon: it wires storage, identity, the
// payment-channel engine, the settlement adapter, the overlay
// collaborator and the query/preview/search handlers together and runs
// a single event-loop task that owns the overlay collaborator and pulls
// inbound events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
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

func main() {
	var configPath, passphrase string
	flag.StringVar(&configPath, "config", "", "path to nodalyncd.yaml")
	flag.StringVar(&passphrase, "passphrase", "", "identity keystore passphrase (falls back to NODALYNC_PASSPHRASE)")
	flag.Parse()

	_ = godotenv.Load()
	if passphrase == "" {
		passphrase = os.Getenv("NODALYNC_PASSPHRASE")
	}

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(configPath, passphrase, log); err != nil {
		log.WithError(err).Error("nodalyncd: fatal")
		os.Exit(2)
	}
}

func run(configPath, passphrase string, log *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	id, err := identity.Unlock(cfg.Identity.KeyFile, passphrase)
	if err == identity.ErrNotInitialized {
		log.WithField("key_file", cfg.Identity.KeyFile).Info("no identity found, initializing")
		id, err = identity.Init(cfg.Identity.KeyFile, passphrase)
	}
	if err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}
	log.WithField("peer_id", id.PeerID.String()).Info("identity unlocked")

	st, err := store.Open(store.Config{
		DBPath:     cfg.Storage.DBPath,
		ContentDir: cfg.Storage.ContentDir,
		CacheDir:   cfg.Storage.CacheDir,
		CacheCap:   cfg.Storage.CacheCap,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var settle settlement.Settlement
	if cfg.Settlement.Enabled {
		if cfg.Settlement.Mock {
			settle = settlement.NewMockSettlement()
		}
		// A real settlement adapter (on-chain ledger client) is supplied
		// by deployment configuration; none ships in this module.
	}

	signFn := func(msg []byte) protocolcrypto.Signature { return id.Sign(msg) }
	peers := ops.NewPeerMap()

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

	ov, err := overlay.NewLibP2P(overlay.LibP2PConfig{
		ListenAddr:     cfg.Overlay.ListenAddr,
		BootstrapPeers: cfg.Overlay.BootstrapPeers,
		DiscoveryTag:   cfg.Overlay.DiscoveryTag,
		RequestTimeout: cfg.Overlay.RequestTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("construct overlay: %w", err)
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ov.Start(ctx); err != nil {
		return fmt.Errorf("start overlay: %w", err)
	}
	defer ov.Close()

	dialSeeds(ctx, ov, cfg.Overlay.SeedStoreFile, log)

	done := make(chan struct{})
	go func() {
		handlers.Run(ctx)
		close(done)
	}()

	log.WithFields(logrus.Fields{
		"peer_id":      id.PeerID.String(),
		"overlay_peer": ov.LocalPeerID(),
	}).Info("nodalyncd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("nodalyncd: shutdown signal received")
	case <-done:
	}

	cancel()
	savePeerStore(ov, cfg.Overlay.PeerStoreFile, log)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("nodalyncd: event loop did not stop within grace period")
	}
	return nil
}

// peerStoreEntry is the thin on-disk record used to reconnect to
// previously-seen overlay peers across restarts. It is deliberately
// distinct from internal/store's protocol-level PeerRecord table.
type peerStoreEntry struct {
	OverlayPeerID string   `json:"overlay_peer_id"`
	Addrs         []string `json:"addrs"`
}

func savePeerStore(ov overlay.Overlay, path string, log *logrus.Logger) {
	if path == "" {
		return
	}
	peers := ov.Peers()
	entries := make([]peerStoreEntry, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, peerStoreEntry{OverlayPeerID: p.OverlayPeerID, Addrs: p.Addrs})
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		log.WithError(err).Warn("nodalyncd: marshal peer store")
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		log.WithError(err).Warn("nodalyncd: write peer store")
	}
}

// dialSeeds reads the seed-store JSON file (a fixed bootstrap list
// distinct from the recency-based peer store) and dials each address,
// logging but not failing startup on individual dial errors.
func dialSeeds(ctx context.Context, ov overlay.Overlay, path string, log *logrus.Logger) {
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var seeds []string
	if err := json.Unmarshal(raw, &seeds); err != nil {
		log.WithError(err).Warn("nodalyncd: parse seed store")
		return
	}
	for _, addr := range seeds {
		if _, err := ov.Dial(ctx, addr); err != nil {
			log.WithError(err).WithField("addr", addr).Warn("nodalyncd: seed dial failed")
		}
	}
}
