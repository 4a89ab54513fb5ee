// Command node runs one DistriSearch cluster member: it loads a YAML
// cluster config, wires up the coordinator, serves the transport grpc
// service, and blocks until told to shut down.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/distrisearch/distrisearch/internal/config"
	"github.com/distrisearch/distrisearch/internal/coordinator"
	"github.com/distrisearch/distrisearch/internal/persistence"
	"github.com/distrisearch/distrisearch/internal/query"
	"github.com/distrisearch/distrisearch/internal/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "distrisearch-node",
	Short: "Run one node of a DistriSearch cluster",
	RunE:  runNode,
}

func init() {
	rootCmd.Flags().String("config", "./node.yaml", "path to the cluster config file")
	rootCmd.Flags().String("log-level", "", "override the config file's log_level")
}

func runNode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevelOverride, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	configureLogging(level)

	log.Info().Str("node_id", cfg.NodeID).Str("data_dir", cfg.DataDir).Msg("starting node")

	snap, err := persistence.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open data directory: %w", err)
	}
	raftPersist := persistence.NewRaftPersister(snap)

	bindAddr := cfg.Members[cfg.NodeID]
	bus := transport.NewGRPCBus(cfg.Self(), cfg.MemberAddrs())

	coord := coordinator.New(coordinator.Config{
		Self:              cfg.Self(),
		Members:           cfg.MemberIDs(),
		ConsensusCfg:      cfg.ConsensusConfig(),
		ReplicationCfg:    cfg.ReplicationConfig(),
		QueryCfg:          query.DefaultConfig(),
		DirectoryTTL:      cfg.DirectoryCacheTTL(),
		DirectoryCap:      cfg.DirectoryCacheCapacity,
		RPCTimeout:        cfg.RPCTimeout(),
		LeaderlessTimeout: cfg.LeaderlessTimeout(),
	}, bus, snap, raftPersist, cfg.ExtraStopwords)

	if err := coord.Restore(); err != nil {
		return fmt.Errorf("restore from snapshot: %w", err)
	}

	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bindAddr, err)
	}
	grpcServer := grpc.NewServer()
	transport.RegisterServer(grpcServer, coord)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go coord.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", bindAddr).Msg("transport server listening")
		serveErr <- grpcServer.Serve(lis)
	}()

	snapshotTicker := time.NewTicker(30 * time.Second)
	defer snapshotTicker.Stop()

	pingTicker := time.NewTicker(cfg.ConsensusConfig().HeartbeatInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			grpcServer.GracefulStop()
			bus.Close()
			if err := coord.Snapshot(); err != nil {
				log.Error().Err(err).Msg("final snapshot failed")
			}
			return nil
		case err := <-serveErr:
			return fmt.Errorf("transport server: %w", err)
		case <-snapshotTicker.C:
			if err := coord.Snapshot(); err != nil {
				log.Error().Err(err).Msg("periodic snapshot failed")
			}
		case <-pingTicker.C:
			bus.Ping(ctx, cfg.RPCTimeout())
		}
	}
}

func configureLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}
