package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/alexandrecolauto/lodestone/server/pkg/api"
	"github.com/alexandrecolauto/lodestone/server/pkg/config"
	"github.com/alexandrecolauto/lodestone/server/pkg/controller/node"
	"github.com/alexandrecolauto/lodestone/server/pkg/dns"
	"github.com/alexandrecolauto/lodestone/server/pkg/registry"
	"github.com/alexandrecolauto/lodestone/server/pkg/storage"
	"github.com/alexandrecolauto/lodestone/server/pkg/transport"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Application failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	path := os.Getenv("LODESTONE_CONFIG_PATH")
	if path == "" {
		path = "lodestone.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "lodestone",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
	}).With("node", cfg.Server.NodeID)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	raftLog, err := storage.Open(filepath.Join(cfg.Server.DataDir, "raft"), storage.Options{SegmentBytes: cfg.Raft.SegmentBytes}, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer raftLog.Close()

	store, err := registry.OpenStore(filepath.Join(cfg.Server.DataDir, "registry.db"), logger.Named("registry"))
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := transport.New(transport.Config{
		QueueSize:      cfg.Transport.QueueSize,
		SendTimeout:    cfg.Transport.SendTimeout,
		InitialBackoff: cfg.Transport.InitialBackoff,
		MaxBackoff:     cfg.Transport.MaxBackoff,
	}, cfg.Server.NodeID, cfg.Cluster.RaftAddresses(), logger.Named("transport"))
	if err != nil {
		return err
	}
	defer tr.Stop()

	peers := make([]string, 0, len(cfg.Cluster.Peers))
	for id := range cfg.Cluster.Peers {
		peers = append(peers, id)
	}
	slices.Sort(peers)

	n, err := node.New(node.Config{
		ID:                cfg.Server.NodeID,
		Peers:             peers,
		TickInterval:      cfg.Raft.HeartbeatInterval,
		ElectionTick:      cfg.Raft.ElectionTick(),
		HeartbeatTick:     1,
		MaxEntriesPerMsg:  cfg.Raft.MaxEntriesPerMsg,
		SnapshotThreshold: cfg.Raft.SnapshotThreshold,
		Snapshotter:       store,
		RecvBuffer:        cfg.Transport.QueueSize * len(peers),
		Bootstrap:         cfg.Raft.Bootstrap,
	}, raftLog, tr, logger)
	if err != nil {
		return err
	}

	health := registry.NewHealthTable()
	applier, err := registry.NewApplier(registry.ApplierConfig{
		Store:     store,
		Log:       raftLog,
		Commits:   n,
		Health:    health,
		OnApplied: n.ReportApplied,
		Logger:    logger.Named("applier"),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	transport.Register(grpcServer, n, logger.Named("transport"))
	defer grpcServer.Stop()

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.NewServer(api.Config{
			Node:            n,
			Store:           store,
			Applier:         applier,
			Health:          health,
			PeerHTTPAddress: cfg.Cluster.HTTPAddress,
			Logger:          logger.Named("api"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if cfg.DNS.Enabled {
		dnsServer := dns.NewServer(dns.Config{Address: cfg.DNS.Address, Domain: cfg.DNS.Domain, TTL: cfg.DNS.TTL}, store, logger.Named("dns"))
		if err := dnsServer.Start(); err != nil {
			return err
		}
		defer dnsServer.Shutdown()
	}

	errCh := make(chan error, 4)
	go func() {
		logger.Info("serving raft transport", "port", cfg.Server.Port)
		errCh <- grpcServer.Serve(listener)
	}()
	go func() {
		logger.Info("serving http api", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	tr.Start()
	applier.Start()
	defer applier.Stop()
	go func() {
		<-applier.Done()
		if err := applier.Err(); err != nil {
			errCh <- fmt.Errorf("applier halted: %w", err)
		}
	}()
	go func() {
		if err := n.Run(ctx); err != nil {
			errCh <- fmt.Errorf("consensus node halted: %w", err)
		}
	}()
	defer n.Stop()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
