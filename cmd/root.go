package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/config"
	"github.com/andresmejia3/sentinel-live/internal/logging"
	"github.com/andresmejia3/sentinel-live/internal/store"
	"github.com/andresmejia3/sentinel-live/internal/worker"
)

var (
	// cfg is the environment configuration, loaded before any subcommand runs
	cfg *config.Config
	// logger is the structured logger shared by subcommands
	logger *slog.Logger
	// db is opened lazily by the subcommands that need it
	db *store.Store

	dbURL    string
	model    string
	logLevel string
)

// Version is the application version.
const Version = "0.2.0"

var rootCmd = &cobra.Command{
	Use:     "sentinel-live",
	Short:   "Real-time face identity matching over live video",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal; a broken one is not.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		cfg = config.Load()

		if dbURL == "" {
			dbURL = cfg.Database.URL
		}
		if model != "" {
			cfg.Model.Name = model
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			db.Close()
		}
	},
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_* environment)")
	rootCmd.PersistentFlags().StringVarP(&model, "model", "m", "", "Model pack for the worker and gallery cache (default: SENTINEL_MODEL or buffalo_l)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// openStore connects to PostgreSQL on first use.
func openStore(ctx context.Context) (*store.Store, error) {
	if db != nil {
		return db, nil
	}
	if dbURL == "" {
		return nil, errors.New("no database configured: pass --db or set DATABASE_URL")
	}
	s, err := store.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db = s
	return db, nil
}

// startWorker launches a Python worker for the given model pack.
func startWorker(ctx context.Context, id int, modelName string) (*worker.PythonWorker, error) {
	fmt.Fprintf(os.Stderr, "🚀 Starting AI Engine (%s)...\n", modelName)
	return worker.NewPythonWorker(ctx, id, worker.Config{
		Python:  cfg.Model.Python,
		Script:  cfg.Model.Script,
		Model:   modelName,
		DetSize: cfg.Model.DetSize,
	})
}
