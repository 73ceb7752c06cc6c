// Command nodalync is the CLI: a thin wrapper over the core library
// interfaces (identity, storage, channel, ops), never a second
// implementation of protocol logic. Cobra command tree, godotenv +
// LOG_LEVEL bootstrap in PersistentPreRunE, exit code discipline (0 success, 1 user error, 2 internal failure).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nodalync/nodalync/internal/channel"
	"github.com/nodalync/nodalync/internal/config"
	"github.com/nodalync/nodalync/internal/identity"
	"github.com/nodalync/nodalync/internal/nlerr"
	"github.com/nodalync/nodalync/internal/ops"
	"github.com/nodalync/nodalync/internal/overlay"
	"github.com/nodalync/nodalync/internal/protocolcrypto"
	"github.com/nodalync/nodalync/internal/settlement"
	"github.com/nodalync/nodalync/internal/store"
)

var (
	logger     = logrus.StandardLogger()
	configPath string
)

func initMiddleware(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		lvl = "warn" // CLI invocations stay quiet by default; users want command output, not logs.
	}
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		return err
	}
	logger.SetLevel(l)
	return nil
}

// userErr is returned by command handlers for caller mistakes (exit
// code 1), as distinct from an internal failure (exit code 2).
type userErr struct{ error }

func main() {
	root := &cobra.Command{
		Use:               "nodalync",
		Short:             "Nodalync node CLI",
		PersistentPreRunE: initMiddleware,
		SilenceUsage:      true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to nodalyncd.yaml")

	root.AddCommand(
		identityCmd(),
		publishCmd(),
		addCmd(),
		listCmd(),
		statusCmd(),
		peersCmd(),
		dialCmd(),
		searchCmd(),
		queryCmd(),
		channelCmd(),
		depositCmd(),
		withdrawCmd(),
	)

	if err := root.Execute(); err != nil {
		if _, ok := err.(userErr); ok {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		if e, ok := err.(*nlerr.Error); ok {
			fmt.Fprintf(os.Stderr, "error: %s\n", e.Error())
			if s := nlerr.Suggestion(e.Code); s != "" {
				fmt.Fprintf(os.Stderr, "hint: %s\n", s)
			}
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
}

// node bundles the local-process wiring a single CLI invocation needs:
// the same store/identity/channel stack the daemon runs, opened
// against the configured data directory. Network commands additionally
// stand up a short-lived overlay for the duration of the call.
type node struct {
	cfg    *config.Config
	id     *identity.Identity
	store  *store.Store
	chans  *channel.Engine
	settle settlement.Settlement
	peers  *ops.PeerMap
}

func openNode(passphrase string) (*node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	id, err := identity.Unlock(cfg.Identity.KeyFile, passphrase)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		DBPath:     cfg.Storage.DBPath,
		ContentDir: cfg.Storage.ContentDir,
		CacheDir:   cfg.Storage.CacheDir,
		CacheCap:   cfg.Storage.CacheCap,
	}, logger)
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
	chans := channel.New(st, settle, chCfg, id.PeerID, signFn, peers.Key, logger)

	return &node{cfg: cfg, id: id, store: st, chans: chans, settle: settle, peers: peers}, nil
}

func (n *node) close() { n.store.Close() }

// withOverlay stands up a short-lived libp2p overlay and ops.Handlers
// for the duration of fn, for commands that need to talk to the
// network (query, search, channel open/close, dial). The daemon
// process is the long-running owner of the real event loop; a CLI
// invocation gets its own transient instance.
func (n *node) withOverlay(ctx context.Context, fn func(*ops.Handlers, overlay.Overlay) error) error {
	ov, err := overlay.NewLibP2P(overlay.LibP2PConfig{
		ListenAddr:     "/ip4/0.0.0.0/tcp/0",
		DiscoveryTag:   n.cfg.Overlay.DiscoveryTag,
		RequestTimeout: n.cfg.Overlay.RequestTimeout,
	}, logger)
	if err != nil {
		return err
	}
	if err := ov.Start(ctx); err != nil {
		return err
	}
	defer ov.Close()

	opsCfg := ops.Config{
		ChannelDepositMultiplier: n.cfg.Channel.DepositMultiplier,
		MinDeposit:               n.cfg.Channel.MinDeposit,
		MaxHops:                  n.cfg.Ops.MaxHops,
		SearchFanout:             n.cfg.Ops.SearchFanout,
		SearchHopTimeout:         n.cfg.Ops.SearchHopTimeout,
		RequestTimeout:           n.cfg.Ops.RequestTimeout,
	}
	signFn := func(msg []byte) protocolcrypto.Signature { return n.id.Sign(msg) }
	h := ops.New(n.store, n.chans, n.settle, ov, n.peers, nil, n.id.PeerID, signFn, opsCfg, logger)
	return fn(h, ov)
}

func identityCmd() *cobra.Command {
	var pwd string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Initialize or unlock this node's identity",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a new Ed25519 identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if pwd == "" {
				return userErr{fmt.Errorf("--password required")}
			}
			id, err := identity.Init(cfg.Identity.KeyFile, pwd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.PeerID.String())
			return nil
		},
	}
	initCmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")

	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Verify the keystore passphrase and print the peer id",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			fmt.Fprintln(cmd.OutOrStdout(), n.id.PeerID.String())
			return nil
		},
	}
	unlockCmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")

	cmd.AddCommand(initCmd, unlockCmd)
	return cmd
}

func publishCmd() *cobra.Command {
	var (
		pwd, file, title, description, mime string
		tags                                []string
		price                                uint64
		visibility                           string
		kind                                 string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Store a blob and publish its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()

			data, err := os.ReadFile(file)
			if err != nil {
				return userErr{err}
			}
			hash, err := n.store.PutBlob(data)
			if err != nil {
				return err
			}

			now := protocolcrypto.Timestamp(time.Now().UnixMilli())
			m := store.Manifest{
				Hash:       hash,
				Owner:      n.id.PeerID,
				Kind:       store.Kind(kind),
				Visibility: store.Visibility(visibility),
				Version:    store.VersionRecord{Number: 1, Root: hash, At: now},
				Metadata:   store.Metadata{Title: title, Description: description, Tags: tags, Size: uint64(len(data)), MIME: mime},
				Economics:  store.Economics{Price: protocolcrypto.Amount(price)},
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := n.store.PutManifest(m); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	cmd.Flags().StringVar(&file, "file", "", "path to the content file")
	cmd.Flags().StringVar(&title, "title", "", "manifest title")
	cmd.Flags().StringVar(&description, "description", "", "manifest description")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "manifest tags")
	cmd.Flags().StringVar(&mime, "mime", "", "content MIME type")
	cmd.Flags().Uint64Var(&price, "price", 0, "price per query")
	cmd.Flags().StringVar(&visibility, "visibility", string(store.VisibilityShared), "private|unlisted|shared|offline")
	cmd.Flags().StringVar(&kind, "kind", string(store.KindL0), "L0|L1|L2|L3")
	cmd.MarkFlagRequired("file")
	return cmd
}

func addCmd() *cobra.Command {
	var pwd, file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a blob without publishing a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			data, err := os.ReadFile(file)
			if err != nil {
				return userErr{err}
			}
			hash, err := n.store.PutBlob(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	cmd.Flags().StringVar(&file, "file", "", "path to the content file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func listCmd() *cobra.Command {
	var pwd, substr, visibility, kind string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()

			f := store.ManifestFilter{Substring: substr, Limit: limit, Offset: offset}
			if visibility != "" {
				v := store.Visibility(visibility)
				f.Visibility = &v
			}
			if kind != "" {
				k := store.Kind(kind)
				f.Kind = &k
			}
			manifests, err := n.store.ListManifests(f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(manifests)
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	cmd.Flags().StringVar(&substr, "search", "", "substring match over title/description/tags")
	cmd.Flags().StringVar(&visibility, "visibility", "", "filter by visibility")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "result offset")
	return cmd
}

func statusCmd() *cobra.Command {
	var pwd string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print identity and channel summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			chans, err := n.store.ListChannels()
			if err != nil {
				return err
			}
			out := struct {
				PeerID   string          `json:"peer_id"`
				Channels []store.Channel `json:"channels"`
			}{PeerID: n.id.PeerID.String(), Channels: chans}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	return cmd
}

func peersCmd() *cobra.Command {
	var pwd string
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List known peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			ps, err := n.store.ListPeers()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ps)
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	return cmd
}

func dialCmd() *cobra.Command {
	var pwd string
	cmd := &cobra.Command{
		Use:   "dial [multiaddr]",
		Short: "Dial a peer at a raw multiaddr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return n.withOverlay(ctx, func(h *ops.Handlers, ov overlay.Overlay) error {
				info, err := ov.Dial(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), info.OverlayPeerID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	return cmd
}

func searchCmd() *cobra.Command {
	var pwd, kindFilter string
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the network for an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Ops.RequestTimeout)
			defer cancel()
			return n.withOverlay(ctx, func(h *ops.Handlers, ov overlay.Overlay) error {
				req := ops.SearchRequest{Query: args[0], Kind: store.Kind(kindFilter), Limit: limit, MaxHops: n.cfg.Ops.MaxHops}
				results, err := h.Search(ctx, req)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			})
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	cmd.Flags().StringVar(&kindFilter, "kind", "", "restrict to a kind")
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func queryCmd() *cobra.Command {
	var pwd, providerOverlayID, out string
	cmd := &cobra.Command{
		Use:   "query [hash]",
		Short: "Query a hash from its provider, paying if required",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := protocolcrypto.ParseHash(args[0])
			if err != nil {
				return userErr{err}
			}
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Ops.RequestTimeout)
			defer cancel()
			return n.withOverlay(ctx, func(h *ops.Handlers, ov overlay.Overlay) error {
				res, err := h.Retrieve(ctx, hash, providerOverlayID)
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, res.Content, 0o644)
				}
				_, err = cmd.OutOrStdout().Write(res.Content)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	cmd.Flags().StringVar(&providerOverlayID, "provider", "", "provider's overlay peer id")
	cmd.Flags().StringVar(&out, "out", "", "write content to this file instead of stdout")
	cmd.MarkFlagRequired("provider")
	return cmd
}

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "channel", Short: "Manage payment channels"}

	var pwd, peerHex string
	var deposit uint64
	openCmd := &cobra.Command{
		Use:   "open",
		Short: "Open a payment channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := protocolcrypto.ParsePeerID(peerHex)
			if err != nil {
				return userErr{err}
			}
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Channel.SettlementTimeout+5*time.Second)
			defer cancel()
			c, _, err := n.chans.Open(ctx, peer, protocolcrypto.Amount(deposit))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ChannelID.String())
			return nil
		},
	}
	openCmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	openCmd.Flags().StringVar(&peerHex, "peer", "", "counterparty peer id (hex)")
	openCmd.Flags().Uint64Var(&deposit, "deposit", 0, "deposit amount")
	openCmd.MarkFlagRequired("peer")
	openCmd.MarkFlagRequired("deposit")

	var channelHex string
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Initiate a cooperative close",
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, err := protocolcrypto.ParseHash(channelHex)
			if err != nil {
				return userErr{err}
			}
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			payload, err := n.chans.InitiateClose(channelID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}
	closeCmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	closeCmd.Flags().StringVar(&channelHex, "channel", "", "channel id (hex)")
	closeCmd.MarkFlagRequired("channel")

	cmd.AddCommand(openCmd, closeCmd)
	return cmd
}

func depositCmd() *cobra.Command {
	var pwd string
	var amount uint64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit funds with the settlement adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			if n.settle == nil {
				return nlerr.New(nlerr.CodeSettlementRequired, "no settlement adapter configured")
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Channel.SettlementTimeout)
			defer cancel()
			txID, err := n.settle.Deposit(ctx, protocolcrypto.Amount(amount))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), txID)
			return nil
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to deposit")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func withdrawCmd() *cobra.Command {
	var pwd string
	var amount uint64
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw funds from the settlement adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(pwd)
			if err != nil {
				return err
			}
			defer n.close()
			if n.settle == nil {
				return nlerr.New(nlerr.CodeSettlementRequired, "no settlement adapter configured")
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Channel.SettlementTimeout)
			defer cancel()
			txID, err := n.settle.Withdraw(ctx, protocolcrypto.Amount(amount))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), txID)
			return nil
		},
	}
	cmd.Flags().StringVar(&pwd, "password", "", "keystore passphrase")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to withdraw")
	cmd.MarkFlagRequired("amount")
	return cmd
}
