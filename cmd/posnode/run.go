package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/poschain/chain"
	"github.com/tolelom/poschain/config"
	"github.com/tolelom/poschain/crypto"
	"github.com/tolelom/poschain/events"
	"github.com/tolelom/poschain/indexer"
	"github.com/tolelom/poschain/logging"
	"github.com/tolelom/poschain/metrics"
	"github.com/tolelom/poschain/network"
	"github.com/tolelom/poschain/rpc"
	"github.com/tolelom/poschain/storage"
	"github.com/tolelom/poschain/wallet"
)

func newRunCmd() *cobra.Command {
	var follower bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var key crypto.PrivateKey
			if !follower {
				if key, err = wallet.LoadKey(keyPath, password(cmd)); err != nil {
					return fmt.Errorf("load key: %w", err)
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, key)
		},
	}
	cmd.Flags().BoolVar(&follower, "follower", false, "run without a producer key")
	return cmd
}

func runNode(ctx context.Context, cfg *config.Config, key crypto.PrivateKey) error {
	log := logging.New(cfg.Log)
	slog.SetDefault(log)

	hasher, err := crypto.NewHasher(cfg.Hasher)
	if err != nil {
		return err
	}
	crypto.SetHasher(hasher)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	emitter := events.NewEmitter(log)

	ccfg := chain.FromConfig(cfg)
	ccfg.Key = key
	ccfg.Logger = log
	ccfg.Metrics = m
	ccfg.Emitter = emitter
	ccfg.Index = indexer.New(db, emitter)
	node, err := chain.New(ccfg, db, storage.NewLevelBlockStore(db))
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	head := node.Head()
	log.Info("chain opened",
		"chain_id", node.ChainID(),
		"head", head.Hash(),
		"height", head.Header.Height,
		"finalized", node.Finalized().Header.Height)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	p2p := network.NewNode(cfg.NodeID, fmt.Sprintf(":%d", cfg.P2PPort), node, tlsCfg, log)
	syncer := network.NewSyncer(p2p)
	node.SetBroadcaster(p2p)
	if err := p2p.Start(); err != nil {
		return fmt.Errorf("p2p start: %w", err)
	}
	defer p2p.Stop()
	log.Info("p2p listening", "addr", p2p.Addr().String(), "mtls", tlsCfg != nil)

	for _, sp := range cfg.SeedPeers {
		peer, err := p2p.AddPeer(sp.ID, sp.Addr)
		if err != nil {
			log.Warn("seed peer unreachable", "peer", sp.ID, "addr", sp.Addr, "err", err)
			continue
		}
		syncer.SyncWithPeer(peer)
		log.Info("connected to seed peer", "peer", sp.ID, "addr", sp.Addr)
	}

	srv := rpc.NewServer(fmt.Sprintf(":%d", cfg.RPCPort), rpc.NewHandler(node), cfg.RPCAuthToken, m.Handler(), log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	log.Info("rpc listening", "addr", srv.Addr().String(), "auth", cfg.RPCAuthToken != "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if key == nil {
			<-gctx.Done()
			return nil
		}
		log.Info("producing blocks", "validator", key.Public().Address())
		return node.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return srv.Stop()
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
