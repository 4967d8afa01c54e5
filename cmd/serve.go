package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/faceengine/internal/api"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/utils"
)

var (
	serveAddr          string
	serveNoDB          bool
	serveStatsInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the face engine over HTTP",
	Long:  "Loads every stored face library into memory and serves detection, extraction, comparison and search over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config, :8080)")
	serveCmd.Flags().BoolVar(&serveNoDB, "no-db", false, "Keep libraries in memory only")
	serveCmd.Flags().DurationVar(&serveStatsInterval, "stats-interval", time.Minute, "How often to log engine pool usage (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	svc, err := service()
	if err != nil {
		utils.ShowError("Failed to create engine backend", err, nil)
		return err
	}

	if Cfg.AppID != "" {
		fmt.Fprintln(os.Stderr, "🔑 Activating engine...")
		if err := svc.Activate(ctx); err != nil {
			utils.ShowError("Engine activation failed", err, nil)
			return err
		}
	}

	opts := []api.Option{
		api.WithLogger(Log),
		api.WithCORSOrigins(Cfg.HTTP.CORSOrigins...),
	}
	if !serveNoDB {
		db, err := connectDB(ctx)
		if err != nil {
			utils.ShowError("Database unavailable (use --no-db to run without it)", err, nil)
			return err
		}
		libs, err := db.ListLibraries(ctx)
		if err != nil {
			utils.ShowError("Failed to list libraries", err, nil)
			return err
		}
		for _, l := range libs {
			n, err := loadLibrary(ctx, db, svc, l.Key)
			if err != nil {
				utils.ShowError("Failed to load library "+l.Key, err, nil)
				return err
			}
			fmt.Fprintf(os.Stderr, "📚 Loaded library %s (%d faces)\n", l.Key, n)
		}
		opts = append(opts, api.WithStore(db))
	}

	if serveStatsInterval > 0 {
		go logStats(ctx, svc, serveStatsInterval)
	}

	addr := serveAddr
	if addr == "" {
		addr = Cfg.HTTP.Addr
	}
	fmt.Fprintf(os.Stderr, "🚀 Serving on %s\n", addr)
	if err := api.New(svc, opts...).Run(ctx, addr); err != nil {
		utils.ShowError("HTTP server failed", err, nil)
		return err
	}
	fmt.Fprintln(os.Stderr, "👋 Shutting down...")
	return nil
}

func logStats(ctx context.Context, svc *recognizer.Service, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, st := range svc.Stats() {
				Log.Info("engine pool",
					zap.Stringer("mode", st.Mode),
					zap.Int("live", st.Live),
					zap.Int("idle", st.Idle),
					zap.Int("capacity", st.Capacity),
				)
			}
		}
	}
}
