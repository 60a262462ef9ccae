package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alvmarrod/trust-carto/internal/config"
	"github.com/alvmarrod/trust-carto/internal/consolidation"
	"github.com/alvmarrod/trust-carto/internal/explorer"
	"github.com/alvmarrod/trust-carto/internal/inventory"
	"github.com/alvmarrod/trust-carto/internal/license"
	"github.com/alvmarrod/trust-carto/internal/metrics"
	"github.com/alvmarrod/trust-carto/internal/snapshot"
	"github.com/alvmarrod/trust-carto/internal/storage"
	"github.com/alvmarrod/trust-carto/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "carto",
		Short:         "Map and analyze a network of trusted directory domains",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{
				FullTimestamp: true,
			})
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
			}

			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.String("target", "", "domain or wildcard pattern to explore (e.g. *.corp.local)")
	flags.String("snapshot-dir", "", "directory holding per-domain snapshots")
	flags.Int("workers", 0, "number of analysis workers")
	flags.Int("max-domains", 0, "maximum number of domains to analyze (0 = unlimited)")
	flags.Bool("explore-forest-trust", false, "follow forest trusts and their known domains")
	flags.Bool("explore-terminal-domains", false, "follow external and terminal trusts")

	for key, flag := range map[string]string{
		"target":                   "target",
		"snapshot_dir":             "snapshot-dir",
		"concurrent_workers":       "workers",
		"max_domains":              "max-domains",
		"explore_forest_trust":     "explore-forest-trust",
		"explore_terminal_domains": "explore-terminal-domains",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(newReportCmd())
	return cmd
}

func run(cfg *config.Config) error {
	logrus.Infof("Trust Carto v%s starting...", version.Version)
	logrus.Infof("Configuration loaded: target=%s, workers=%d, max_domains=%d",
		cfg.Target, cfg.ConcurrentWorkers, cfg.MaxDomains)

	// Initialize storage
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	logrus.Infof("Database initialized: %s", cfg.DBPath)

	tracker := metrics.NewTracker()
	sink := consolidation.NewSink()

	snapshots := snapshot.New(cfg.SnapshotDir)
	var source explorer.CandidateSource = snapshots
	if cfg.InventoryURL != "" {
		source = &inventory.Source{
			URL:      cfg.InventoryURL,
			Selector: cfg.InventorySelector,
			Attr:     cfg.InventoryAttr,
			Timeout:  cfg.InventoryTimeout(),
		}
	}

	ex := explorer.New(snapshots, source, license.NewGate(cfg.LicenseEdition, cfg.LicensedDomains...), explorer.Options{
		Workers:         cfg.ConcurrentWorkers,
		QueueCapacity:   cfg.QueueCapacity,
		MaxDomains:      cfg.MaxDomains,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		AnalysisTimeout: cfg.AnalysisTimeout(),
		AnalysisRate:    cfg.AnalysisRate,
		Recorder:        tracker,
		Sink:            sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsListen != "" {
		serveCtx, stopServing := context.WithCancel(context.Background())
		defer stopServing()
		if _, err := metrics.Serve(serveCtx, cfg.MetricsListen); err != nil {
			return err
		}
	}

	// First signal cancels the exploration, a second one forces exit
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		logrus.Infof("Received signal: %v - stopping exploration", sig)
		cancel()

		sig, ok = <-sigChan
		if !ok {
			return
		}
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		if err := sink.Flush(store, "forced_exit"); err != nil {
			logrus.Errorf("Emergency flush failed: %v", err)
		}
		if err := tracker.WriteToFile(cfg.MetricsPath, "forced_exit"); err != nil {
			logrus.Errorf("Emergency metrics save failed: %v", err)
		}
		os.Exit(1)
	}()

	// Start progress logger
	stopProgress := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(tracker.LogProgress())
			case <-stopProgress:
				return
			}
		}
	}()

	req := explorer.Request{
		Target:                  cfg.Target,
		AnalyzeReachableDomains: cfg.AnalyzeReachableDomains,
		ExploreTerminalDomains:  cfg.ExploreTerminalDomains,
		ExploreForestTrust:      cfg.ExploreForestTrust,
		CenterDomain:            cfg.CenterDomain,
		ExcludedDomains:         cfg.ExcludedDomains,
		Network: explorer.NetworkSettings{
			Port:       cfg.Port,
			Credential: explorer.Credential{Username: cfg.Username, Password: cfg.Password},
		},
	}

	result, exploreErr := ex.Explore(ctx, req)

	close(stopProgress)
	wg.Wait()

	if exploreErr != nil {
		_ = tracker.WriteToFile(cfg.MetricsPath, "error")
		return fmt.Errorf("exploration failed: %w", exploreErr)
	}

	logrus.Info("Step 1/3: Flushing outcomes to database...")
	if err := sink.Flush(store, result.RunID); err != nil {
		logrus.Errorf("Failed to flush outcomes: %v", err)
	}
	if err := store.SaveRun(storage.Run{
		RunID:        result.RunID,
		Target:       result.Target,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.StartedAt.Add(result.Elapsed),
		TotalDomains: result.TotalDomains,
		QuitReason:   result.QuitReason,
	}); err != nil {
		logrus.Errorf("Failed to save run: %v", err)
	}

	logrus.Info("Step 2/3: Building reports...")
	summary := &consoleSummary{out: os.Stdout, skipped: result.Skipped}
	if err := sink.Publish(context.Background(), consolidation.ReportOptions{
		RunID:        result.RunID,
		CenterDomain: result.CenterDomain,
	}, summary); err != nil {
		logrus.Errorf("Failed to build reports: %v", err)
	}

	logrus.Info("Step 3/3: Writing final metrics...")
	logrus.Info("Final stats: " + tracker.LogProgress())
	if err := tracker.WriteToFile(cfg.MetricsPath, result.QuitReason); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
	} else {
		logrus.Infof("Metrics written to %s", cfg.MetricsPath)
	}

	logrus.Info("Exploration complete. Goodbye!")
	return nil
}
