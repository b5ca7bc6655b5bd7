// Command healthsyncd runs the offline-first multi-source sync engine as a
// local daemon. It exposes no network listener of its own; sync passes are
// driven by the internal scheduler or one-shot subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalstream/healthsync/internal/cache"
	"github.com/vitalstream/healthsync/internal/config"
	"github.com/vitalstream/healthsync/internal/conflict"
	"github.com/vitalstream/healthsync/internal/db"
	"github.com/vitalstream/healthsync/internal/logging"
	"github.com/vitalstream/healthsync/internal/models"
	"github.com/vitalstream/healthsync/internal/orchestrator"
	"github.com/vitalstream/healthsync/internal/provider"
	"github.com/vitalstream/healthsync/internal/queue"
	"github.com/vitalstream/healthsync/internal/registry"
	"github.com/vitalstream/healthsync/internal/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "healthsyncd",
		Short: "Offline-first multi-source health data sync engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")

	root.AddCommand(runCmd(), syncCmd(), statusCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine bundles the wired components.
type engine struct {
	cfg       *config.Config
	database  *db.DB
	repo      *db.Repository
	store     *cache.Store
	queue     *queue.Queue
	reg       *registry.Registry
	adapters  *provider.Registry
	orch      *orchestrator.Orchestrator
	scheduler *scheduler.Scheduler
}

func (e *engine) close() {
	e.repo.Close()
	e.database.Close()
}

// buildEngine loads config, opens storage, runs migrations and wires the
// engine components together.
func buildEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		database.Close()
		return nil, err
	}

	repo := db.NewRepository(database.DB)
	store := cache.NewStore(cfg.Cache.DefaultTTL)
	adapters := provider.NewRegistry()
	reg := registry.NewRegistry(repo)
	resolver := conflict.NewResolver(repo)

	executors := queue.NewExecutorRegistry()
	q := queue.NewQueue(repo, repo, executors, queue.Config{
		Capacity: cfg.Queue.Capacity,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BaseDelay,
			MaxDelay:    cfg.Queue.MaxDelay,
		},
	})
	if err := q.Load(); err != nil {
		repo.Close()
		database.Close()
		return nil, err
	}

	orch := orchestrator.NewOrchestrator(repo, reg, adapters, resolver, store, q, orchestrator.Config{
		ProviderTimeout: cfg.Sync.ProviderTimeout,
		Workers:         cfg.Sync.Workers,
	})

	// The data_sync executor is the queue's only coupling to provider
	// transports.
	if err := executors.Register(models.OperationKindDataSync,
		orchestrator.PushExecutor(adapters, repo, cfg.Sync.ProviderTimeout)); err != nil {
		repo.Close()
		database.Close()
		return nil, err
	}

	sched := scheduler.NewScheduler(cfg.UserID, reg, repo, orch, q, scheduler.Config{
		SyncInterval:  cfg.Sync.Interval,
		QueueInterval: cfg.Sync.QueueInterval,
		SyncTimeout:   cfg.Sync.Timeout,
	})

	return &engine{
		cfg:       cfg,
		database:  database,
		repo:      repo,
		store:     store,
		queue:     q,
		reg:       reg,
		adapters:  adapters,
		orch:      orch,
		scheduler: sched,
	}, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			eng.scheduler.Start(ctx)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logging.Info("Shutting down", nil)
			cancel()
			eng.scheduler.Stop()
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for all due connections and drain the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			results := eng.orch.SyncAll(ctx, eng.cfg.UserID)
			delivered := eng.queue.DrainDue(ctx)

			failed := 0
			for id, err := range results {
				if err != nil {
					failed++
					fmt.Printf("connection %s: %v\n", id, err)
				}
			}
			fmt.Printf("synced %d connections (%d failed), delivered %d queued operations\n",
				len(results), failed, delivered)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall sync budget")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connections, queue depth and unresolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			conns, err := eng.reg.List(eng.cfg.UserID)
			if err != nil {
				return err
			}
			fmt.Printf("connections: %d\n", len(conns))
			for _, c := range conns {
				circuit := "closed"
				if registry.IsCircuitOpen(c) {
					circuit = "open"
				}
				fmt.Printf("  %s provider=%s active=%t auto_sync=%t errors=%d circuit=%s\n",
					c.ID, c.Provider, c.IsActive, c.AutoSyncEnabled, c.ErrorCount, circuit)
			}

			stats := eng.queue.Stats()
			fmt.Printf("queue: %d pending (%d high, %d medium, %d low)\n",
				stats["total"], stats["high"], stats["medium"], stats["low"])

			unresolved, err := eng.repo.ListUnresolvedConflicts()
			if err != nil {
				return err
			}
			fmt.Printf("unresolved conflicts: %d\n", len(unresolved))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("healthsyncd v%s\n", Version)
		},
	}
}
