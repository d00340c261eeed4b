package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"kvlite/internal/http"
	"kvlite/pkg/clock"
	"kvlite/pkg/command"
	"kvlite/pkg/config"
	"kvlite/pkg/db"
	"kvlite/pkg/kv"
	"kvlite/pkg/metrics"
	"kvlite/pkg/repl"
	"kvlite/pkg/server"
	"kvlite/pkg/wal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfgPath := flag.String("config", "kvlite.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := initConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	clk := clock.NewMonotonic()

	database, err := db.Open(clk, db.Options{
		DataDir: cfg.Storage.DataDir,
		Store: kv.Options{
			Shards:         cfg.Storage.Shards,
			MaxMemoryBytes: cfg.Storage.MaxMemoryMB << 20,
			EvictionPolicy: cfg.Storage.EvictionPolicy,
			EvictionScope:  cfg.Storage.EvictionScope,
		},
		WAL: wal.Options{
			Policy:        wal.Policy(cfg.Storage.FsyncPolicy),
			FsyncInterval: cfg.Storage.FsyncInterval,
			BatchSize:     cfg.Storage.FlushBatchSize,
		},
	})
	if err != nil {
		return err
	}

	// Recovery runs before any listener is up: snapshot first, then the
	// WAL tail.
	res, err := database.Recover()
	if err != nil {
		return err
	}

	m := metrics.New()
	m.RegisterStore(database.Store())

	var (
		master   *repl.Master
		replica  *repl.Replica
		replInfo command.InfoProvider
		replID   func() string
		offsetFn func() uint64
	)
	switch cfg.Replication.Role {
	case "replica":
		database.SetReadOnly(true)
		replica = repl.NewReplica(database, cfg.Replication.MasterHost, cfg.Replication.MasterPort)
		replica.Seed(res.Meta.ReplID, res.Meta.ReplOffset)
		go replica.Run(ctx)
		replInfo = replica
		replID = replica.ReplID
		offsetFn = replica.Offset
		m.RegisterReplicationOffset("replica", replica.Offset)

	case "master", "":
		master = repl.NewMaster(database, repl.MasterOptions{
			BacklogBytes: cfg.Replication.BacklogSizeMB << 20,
			SessionQueue: cfg.Replication.SessionQueue,
		})
		master.SetOffset(res.Meta.ReplOffset)
		database.SetPropagator(master)
		replInfo = master
		replID = master.ReplID
		offsetFn = master.Offset
		m.RegisterReplicationOffset("master", master.Offset)

	default:
		return fmt.Errorf("unknown replication role %q", cfg.Replication.Role)
	}

	saveFn := func() error {
		return database.Snapshot(replID(), offsetFn)
	}

	exec := command.NewExecutor(database, command.Options{
		Repl:    replInfo,
		Metrics: m,
		Save:    saveFn,
	})

	go database.Store().RunSweeper(ctx, cfg.Storage.TTLSweepInterval)
	go database.WAL().RunFlusher(ctx)
	if cfg.Storage.SnapshotInterval > 0 {
		go database.RunSnapshotter(ctx, cfg.Storage.SnapshotInterval, replID, offsetFn)
	}

	admin := http.NewServer(database, m, replInfo, strconv.Itoa(cfg.HTTP.Port))
	if err := admin.Start(); err != nil {
		return err
	}

	srv := server.New(exec, master, m, server.Options{
		Addr:       net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		MaxClients: cfg.Server.MaxClients,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	slog.Info("kvlite started",
		"role", cfg.Replication.Role,
		"addr", srv.Addr(),
		"data_dir", cfg.Storage.DataDir,
		"recovered_keys", res.SnapshotKeys,
		"replayed", res.Replayed)

	// Blocks until ctx is cancelled and the listener drains.
	if err := srv.Serve(ctx); err != nil {
		return err
	}

	if err := admin.Stop(); err != nil {
		slog.Warn("admin server stop failed", "error", err)
	}
	if err := saveFn(); err != nil {
		slog.Warn("final snapshot failed", "error", err)
	}
	if err := database.Close(); err != nil {
		return err
	}

	slog.Info("kvlite stopped")
	return nil
}
