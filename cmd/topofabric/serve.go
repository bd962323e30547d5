package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/cuemby/topofabric/pkg/api"
	"github.com/cuemby/topofabric/pkg/config"
	"github.com/cuemby/topofabric/pkg/engine"
	"github.com/cuemby/topofabric/pkg/events"
	"github.com/cuemby/topofabric/pkg/fabric"
	"github.com/cuemby/topofabric/pkg/log"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/cuemby/topofabric/pkg/metrics"
	"github.com/cuemby/topofabric/pkg/reconciler"
	"github.com/cuemby/topofabric/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a topofabric node",
	Long: `Run a topofabric node with this process as the single Raft voter.

The node opens the topology store and the fabric database in the data
directory, replays its Raft log through the engine, starts the periodic
reconciler and serves the HTTP API and the gRPC health service.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Configuration file (YAML)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("node-id", "", "Raft node ID (overrides config)")
	serveCmd.Flags().String("http-addr", "", "HTTP API address (overrides config)")
	serveCmd.Flags().String("grpc-addr", "", "gRPC health address (overrides config)")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.Raft.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
		cfg.API.HTTPAddr = v
	}
	if v, _ := cmd.Flags().GetString("grpc-addr"); v != "" {
		cfg.API.GRPCAddr = v
	}
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-json") {
		log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON, Output: os.Stderr})
	}
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.CommonTenant = cfg.Fabric.CommonTenant
	opts.TenantPrefix = cfg.Fabric.TenantPrefix
	opts.RouterIDPool = cfg.Fabric.RouterIDPool
	opts.MaxRetries = cfg.Engine.MaxRetries
	opts.RetryBackoff = cfg.Engine.RetryBackoff
	opts.AllowOverlap = cfg.Engine.AllowOverlappingSubnets
	return opts
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(criticalComponents()...)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	fc, err := fabric.NewBoltClient(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("fabric", false, err.Error())
		return err
	}
	defer fc.Close()
	metrics.RegisterComponent("fabric", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	eng, err := engine.New(store, fc, events.NewNotifier(broker), engineOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.Raft.NodeID,
		BindAddr: cfg.Raft.BindAddr,
		DataDir:  cfg.DataDir,
	}, eng)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	if err := mgr.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap raft: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Manager shutdown failed")
		}
	}()
	metrics.RegisterComponent("raft", false, "waiting for leadership")
	if err := mgr.WaitForLeader(10 * time.Second); err != nil {
		return err
	}
	metrics.UpdateComponent("raft", true, "leader")

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	rec := reconciler.NewReconciler(eng, broker, reconciler.Options{
		Interval: cfg.Reconciler.Interval,
		Repair:   cfg.Reconciler.Repair,
	})
	// The fabric is outside the Raft log, so a restarted node validates it
	// before taking traffic.
	metrics.RegisterComponent("reconciler", false, "startup pass pending")
	if _, err := rec.Reconcile(context.Background(), cfg.Reconciler.Repair); err != nil {
		logger.Error().Err(err).Msg("Startup reconciliation failed")
		metrics.UpdateComponent("reconciler", false, err.Error())
	} else {
		metrics.UpdateComponent("reconciler", true, "")
	}
	rec.Start()
	defer rec.Stop()

	srv := api.NewServer(mgr, rec)
	srv.SetVersion(Version)
	grpcSrv := api.NewGRPCServer(mgr)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(cfg.API.HTTPAddr); err != nil {
			errCh <- fmt.Errorf("HTTP API error: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Start(cfg.API.GRPCAddr); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	logger.Info().
		Str("node_id", cfg.Raft.NodeID).
		Str("data_dir", cfg.DataDir).
		Str("http", cfg.API.HTTPAddr).
		Str("grpc", cfg.API.GRPCAddr).
		Dur("reconcile_interval", cfg.Reconciler.Interval).
		Msg("Node is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP API shutdown failed")
	}
	grpcSrv.Stop()
	return runErr
}

// criticalComponents lists what readiness waits for: the stores, Raft
// leadership and the startup reconciliation pass
func criticalComponents() []string {
	return append(slices.Clone(metrics.DefaultCriticalComponents), "reconciler")
}
