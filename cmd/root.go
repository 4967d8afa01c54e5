package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/faceengine/internal/config"
	"github.com/andresmejia3/faceengine/internal/logging"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/store"
)

// Options holds the global flags shared by every command.
type Options struct {
	ConfigPath    string
	DatabaseURL   string
	NumEngines    int
	MinSimilarity float64
	LogLevel      string
	JSON          bool
}

var (
	rootOpts Options

	// Cfg is the loaded configuration with flag overrides applied.
	Cfg *config.Config
	// Log is the process logger.
	Log *zap.Logger
	// DB is the database connection, opened by the commands that need it.
	DB *store.Store
	// Svc is the recognizer service, built by the commands that need it.
	Svc *recognizer.Service
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "faceengine",
	Short:   "Pooled face engine: detection, feature extraction and face library search",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(rootOpts.ConfigPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("engines") {
			cfg.Engine.MaxSingleTypeEngineCount = rootOpts.NumEngines
		}
		if cmd.Flags().Changed("threshold") {
			cfg.MinSimilarity = float32(rootOpts.MinSimilarity)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = rootOpts.LogLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Cfg = cfg

		Log, err = logging.New(cfg.Log.Level, cfg.Log.JSON)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		cleanup()
	},
}

// cleanup destroys the engines and closes the database. Safe to call more than once.
func cleanup() {
	if Svc != nil {
		Svc.Close()
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and the engines still need to be destroyed.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := Svc.Wait(ctx); err != nil {
			Log.Warn("engines still alive at exit", zap.Error(err))
		}
		cancel()
		Svc = nil
	}
	if DB != nil {
		DB.Close()
		DB = nil
	}
	if Log != nil {
		_ = Log.Sync()
	}
}

// databaseURL picks the connection string: flag, then config file, then POSTGRES_* environment.
func databaseURL() string {
	if rootOpts.DatabaseURL != "" {
		return rootOpts.DatabaseURL
	}
	if Cfg != nil && Cfg.Database != "" {
		return Cfg.Database
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/faceengine"
}

// connectDB opens DB once per process.
func connectDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	db, err := store.New(ctx, databaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = db
	return DB, nil
}

// service builds Svc once per process on the configured backend.
func service() (*recognizer.Service, error) {
	if Svc != nil {
		return Svc, nil
	}
	backend, err := newBackend(Cfg, Log)
	if err != nil {
		return nil, err
	}
	Svc = recognizer.New(Cfg, backend, recognizer.WithLogger(Log))
	return Svc, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cleanup()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rootOpts.ConfigPath, "config", "c", "", "Path to a YAML configuration file")
	flags.StringVar(&rootOpts.DatabaseURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/faceengine)")
	flags.IntVarP(&rootOpts.NumEngines, "engines", "e", 3, "Maximum number of live engines per mode")
	flags.Float64VarP(&rootOpts.MinSimilarity, "threshold", "t", 0.8, "Minimum similarity for a search hit (exclusive)")
	flags.StringVar(&rootOpts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&rootOpts.JSON, "json", false, "Print results as JSON")
}
