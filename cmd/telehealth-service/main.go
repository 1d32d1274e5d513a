package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrex/dlt-telehealth/internal/access"
	"github.com/medrex/dlt-telehealth/internal/api"
	"github.com/medrex/dlt-telehealth/internal/escrow"
	"github.com/medrex/dlt-telehealth/internal/fee"
	"github.com/medrex/dlt-telehealth/internal/ledger/leveldb"
	"github.com/medrex/dlt-telehealth/internal/ledger/occ"
	"github.com/medrex/dlt-telehealth/internal/ledger/postgres"
	"github.com/medrex/dlt-telehealth/internal/registry"
	"github.com/medrex/dlt-telehealth/pkg/config"
	"github.com/medrex/dlt-telehealth/pkg/database"
	"github.com/medrex/dlt-telehealth/pkg/ledger"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/monitoring"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

const version = "1.0.0"

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "telehealth-service",
		Short:         "Telehealth consultation escrow and medical record access service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the configuration file")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(migrateCmd(&configFile))
	rootCmd.AddCommand(tokenCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the telehealth API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel)

			db, err := database.NewConnection(&cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := db.CreateSchema(ctx); err != nil {
				return err
			}
			log.Info("Ledger schema is up to date")
			return nil
		},
	}
}

func tokenCmd(configFile *string) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a signed caller token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			token, err := api.NewTokenValidator(cfg.JWT).Issue(types.Identity(args[0]), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func runServer(cfg *config.Config) error {
	log := logger.New(cfg.LogLevel)

	store, err := openLedger(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open %s ledger: %w", cfg.Ledger.Backend, err)
	}
	defer store.Close()

	var metrics *monitoring.MetricsCollector
	if cfg.Monitoring.Enabled {
		metrics = monitoring.NewMetricsCollector("telehealth")
	}

	tracer := monitoring.NewNoopTracingManager()
	if cfg.Tracing.Enabled {
		if tracer, err = monitoring.NewTracingManager(context.Background(), cfg.Tracing, version); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	health := monitoring.NewHealthManager("telehealth-service", version)
	if pinger, ok := store.(ledger.Pinger); ok {
		health.RegisterChecker("ledger", monitoring.NewLedgerHealthChecker(pinger, cfg.Ledger.Backend))
	}

	policy, err := fee.NewPolicy(cfg.Escrow.FeePercent())
	if err != nil {
		return err
	}
	escrowCfg := escrow.Config{
		Fee:             policy,
		PlatformAccount: types.Identity(cfg.Escrow.PlatformAccount),
		Arbiter:         types.Identity(cfg.Escrow.Arbiter),
		DisputeWindow:   cfg.Escrow.DisputeWindow,
		StartGrace:      cfg.Escrow.StartGrace,
		NoShowGrace:     cfg.Escrow.NoShowGrace,
	}
	accessCfg := access.Config{
		EmergencyTTL:         cfg.Access.EmergencyTTL,
		MaxEmergencyContacts: cfg.Access.MaxEmergencyContacts,
		DefaultHistoryLimit:  cfg.Access.DefaultHistoryLimit,
	}

	accessEngine := access.New(store, accessCfg, access.WithLogger(log), access.WithMetrics(metrics))
	server := api.NewServer(api.Deps{
		Config: cfg,
		Logger: log,
		Registry: registry.New(store, registry.Config{Verifier: types.Identity(cfg.Registry.Verifier)},
			registry.WithLogger(log), registry.WithMetrics(metrics)),
		Escrow: escrow.New(store, escrowCfg,
			escrow.WithLogger(log), escrow.WithMetrics(metrics), escrow.WithAccessProbe(accessEngine)),
		Access:  accessEngine,
		Metrics: metrics,
		Tracer:  tracer,
		Health:  health,
	})

	pruneCtx, stopPrune := context.WithCancel(context.Background())
	defer stopPrune()
	go server.PruneLimiter(pruneCtx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("telehealth API failed: %w", err)
		}
		return nil
	case <-quit:
	}

	log.Info("Shutting down telehealth service...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		log.Errorf("Error flushing traces: %v", err)
	}
	log.Info("Telehealth service stopped")
	return nil
}

// openLedger selects the configured ledger backend
func openLedger(cfg *config.Config, log *logger.Logger) (ledger.Store, error) {
	retries := occ.WithMaxRetries(cfg.Ledger.MaxConflictRetries)

	switch cfg.Ledger.Backend {
	case config.LedgerLevelDB:
		log.Infof("Opening leveldb ledger at %s", cfg.Ledger.LevelDBPath)
		return leveldb.NewStore(cfg.Ledger.LevelDBPath, cfg.Ledger.SyncWrites, retries)
	case config.LedgerPostgres:
		db, err := database.NewConnection(&cfg.Database, log)
		if err != nil {
			return nil, err
		}
		return postgres.New(db, log, cfg.Ledger.MaxConflictRetries), nil
	default:
		log.Warn("Using the in-memory ledger; state is lost on restart")
		return occ.NewMemory(retries), nil
	}
}
