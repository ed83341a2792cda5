// Package cli holds the clover command line: the HTTP/Kafka service, one-shot batch
// resolution and database migrations.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/database"
	"github.com/Ramsey-B/clover/internal/logging"
	"github.com/Ramsey-B/clover/internal/tracing"
	"github.com/Ramsey-B/clover/pkg/entitystore"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/processor"
)

// App carries state shared by every command.
type App struct {
	version    string
	configFile string
	logLevel   string

	cfg             *config.Config
	logger          ectologger.Logger
	shutdownTracing func(context.Context) error
}

func New(version string) *App {
	return &App{version: version, logger: logging.Nop()}
}

// Execute runs the command line with args.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// Shutdown flushes spans that are still buffered.
func (a *App) Shutdown(ctx context.Context) error {
	if a.shutdownTracing == nil {
		return nil
	}
	return a.shutdownTracing(ctx)
}

func (a *App) Logger() ectologger.Logger {
	return a.logger
}

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "clover",
		Short: "Customer entity resolution",
		Long: `clover resolves customer records from many source systems into golden entities.

Records arrive on Kafka or over HTTP and are matched one at a time, or are
clustered together in a batch run that rebuilds the affected entities.`,
		Version:           a.version,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (yaml, json or toml); the environment still applies")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")

	root.AddCommand(
		a.serveCommand(),
		a.batchCommand(),
		a.migrateCommand(),
	)
	return root
}

// setup loads configuration and installs logging and tracing before any command runs.
func (a *App) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	shutdown, err := tracing.Setup(cmd.Context(), cfg.AppName, tracing.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
		Timeout:  cfg.OTLPTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.shutdownTracing = shutdown
	return nil
}

func (a *App) databaseConfig() database.Config {
	return database.Config{
		Driver:          a.cfg.DatabaseDriver,
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		UserName:        a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}
}

func (a *App) migrationConfig() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(a.cfg.DatabaseMigrationVersion),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	}
}

func engineConfig(cfg *config.Config) matching.EngineConfig {
	return matching.EngineConfig{
		Match: matching.MatchConfig{
			Weights:              cfg.MatchWeights,
			AutoMergeThreshold:   cfg.AutoMergeThreshold,
			HumanReviewThreshold: cfg.HumanReviewThreshold,
			HumanReviewMerges:    cfg.HumanReviewMerges,
		},
		Limits: matching.Limits{
			Exact:               cfg.ExactCandidateLimit,
			Fuzzy:               cfg.FuzzyCandidateLimit,
			Vector:              cfg.VectorCandidateLimit,
			VectorMinSimilarity: cfg.VectorMinSimilarity,
			Business:            cfg.BusinessCandidateLimit,
		},
		BatchFuzzyFloor: cfg.BatchFuzzyFloor,
		StoreTimeout:    cfg.StoreTimeout,
	}
}

func storeConfig(cfg *config.Config) entitystore.Config {
	return entitystore.Config{
		Timeout:      cfg.StoreTimeout,
		MaxRetries:   cfg.StoreMaxRetries,
		RetryBackoff: cfg.StoreRetryBackoff,
	}
}

func batchConfig(cfg *config.Config) processor.BatchConfig {
	bc := processor.DefaultBatchConfig()
	bc.Workers = cfg.BatchWorkerCount
	bc.FullPassLimit = cfg.BatchFullPassLimit
	return bc
}

// openDatabase connects and migrates. The caller closes the returned DB.
func (a *App) openDatabase(ctx context.Context) (database.DB, error) {
	db, err := database.Open(ctx, a.databaseConfig(), a.logger)
	if err != nil {
		return nil, err
	}
	migrations := database.NewMigrationService(a.logger, a.migrationConfig())
	if err := migrations.MigratePostgres(db, a.cfg.DatabaseName); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (a *App) httpTimeouts() (read, write, idle, header time.Duration) {
	return time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second
}
