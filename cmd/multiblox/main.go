package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"multiblox/internal/auth"
	"multiblox/internal/clone"
	"multiblox/internal/config"
	"multiblox/internal/deeplink"
	"multiblox/internal/executor"
	"multiblox/internal/history"
	"multiblox/internal/metrics"
	"multiblox/internal/procwatch"
	"multiblox/internal/tools"
)

// processMatch is the substring identifying the reference application
// family in process snapshots.
const processMatch = "RobloxPlayer"

// app wires together the engine components for the CLI commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sqlx.DB

	runner     tools.Runner
	fabricator *clone.Fabricator
	executors  *executor.Manager
	monitor    *procwatch.Monitor
	tickets    auth.TicketSource
	links      *deeplink.Builder
	historyDB  *history.Store
	collector  *metrics.Collector
}

func newApp(configPath string) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.StateDB), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	for _, dir := range []string{cfg.Paths.ClonesDir, cfg.Paths.ExecutorInstallDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	db, err := sqlx.Connect("sqlite3", cfg.Paths.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	runner := tools.NewExecRunner(logger)
	flavors := clone.DefaultFlavors()

	resolver := clone.NewSourceResolver(
		cfg.Paths.ReferenceApp, cfg.Paths.BaseDir, cfg.Paths.ClonesDir,
		clone.MarkersOf(flavors))
	patcher := clone.NewPatcher(clone.BaseBundleIdentifier, runner, logger)

	fabricator, err := clone.NewFabricator(clone.FabricatorConfig{
		ClonesDir:         cfg.Paths.ClonesDir,
		Resolver:          resolver,
		Patcher:           patcher,
		Runner:            runner,
		Flavors:           flavors,
		PayloadSearchDirs: []string{cfg.Paths.ExecutorInstallDir, cfg.Paths.BaseDir},
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	executors, err := executor.NewManager(db, cfg.Paths.ExecutorInstallDir, cfg.Paths.ClonesDir, runner, logger)
	if err != nil {
		return nil, err
	}

	historyDB, err := history.NewStore(db, logger)
	if err != nil {
		return nil, err
	}

	snapshotter := procwatch.NewPSSnapshotter(runner, processMatch)
	monitor := procwatch.NewMonitor(snapshotter, nil, cfg.Detection.PollInterval, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		runner:     runner,
		fabricator: fabricator,
		executors:  executors,
		monitor:    monitor,
		tickets:    auth.NewClient(cfg.Auth.TicketURL, cfg.Auth.Timeout, logger),
		links:      deeplink.NewBuilder(),
		historyDB:  historyDB,
		collector:  metrics.NewCollector(""),
	}, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// totalInstances reports the clean-flavor instance count, the figure the
// round-robin account assignment and the assignment watcher work from.
func (a *app) totalInstances(flavor string) int {
	return len(a.fabricator.ListClones(flavor))
}

func main() {
	var configPath string
	var a *app

	rootCmd := &cobra.Command{
		Use:           "multiblox",
		Short:         "Run many isolated Roblox instances, one per account",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(configPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an ini config file")

	rootCmd.AddCommand(
		newPrepareCmd(&a),
		newLaunchCmd(&a),
		newExecutorCmd(&a),
		newSessionsCmd(&a),
		newStatsCmd(&a),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
