package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"raceroom/internal/config"
	"raceroom/internal/database"
	"raceroom/internal/worker"
)

// rootCmd wires the CLI. Every subcommand runs the client in process:
// it dials the chain, connects the configured wallet and, for writes,
// waits until the transaction reaches an outcome.
var rootCmd = &cobra.Command{
	Use:           "roomctl",
	Short:         "Race Room contract client",
	Long:          "Create, join and settle Race Room contract rooms from the command line.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfig  string
	flagOutput  string
	flagVerbose bool
	flagWait    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "Output format: json|text")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().DurationVar(&flagWait, "wait", 5*time.Minute, "How long to wait for a transaction outcome (0 returns after submission)")

	rootCmd.AddCommand(
		newAccountCmd(),
		newCreateCmd(),
		newJoinCmd(),
		newDistributeCmd(),
		newShowCmd(),
		newRoomsCmd(),
		newAbandonCmd(),
		newHistoryCmd(),
		newWatchCmd(),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// client is a started worker manager plus what a command needs to tear it down
type client struct {
	manager *worker.WorkerManager
	db      *database.DB
	logger  *zap.Logger
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if flagVerbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// startClient loads configuration, dials the chain and starts the sync loops
func startClient(ctx context.Context) (*client, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if flagConfig != "" {
		os.Setenv("CONFIG_FILE", flagConfig)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	var db *database.DB
	if cfg.Database.Driver != "" {
		db, err = database.Connect(database.Config{
			Driver:     cfg.Database.Driver,
			Host:       cfg.Database.Host,
			Port:       cfg.Database.Port,
			User:       cfg.Database.User,
			Password:   cfg.Database.Password,
			DBName:     cfg.Database.DBName,
			SSLMode:    cfg.Database.SSLMode,
			SQLitePath: cfg.Database.SQLitePath,
		})
		if err != nil {
			return nil, err
		}
		if err := database.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	manager, err := worker.NewWorkerManager(ctx, cfg, db, logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}
	manager.Start()

	return &client{manager: manager, db: db, logger: logger}, nil
}

func (c *client) Close() {
	if err := c.manager.Shutdown(5 * time.Second); err != nil {
		c.logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	if c.db != nil {
		c.db.Close()
	}
	c.logger.Sync()
}

// withClient runs fn against a started client
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client) error) error {
	ctx := cmd.Context()
	c, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// render prints v as JSON or through text
func render(w io.Writer, v interface{}, text func(io.Writer)) error {
	switch flagOutput {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		text(w)
		return nil
	default:
		return fmt.Errorf("invalid --output: %s (use json|text)", flagOutput)
	}
}
