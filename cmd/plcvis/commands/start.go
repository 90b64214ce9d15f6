package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/api"
	"github.com/plc-visualizer/backend/pkg/catalog"
	"github.com/plc-visualizer/backend/pkg/config"
	"github.com/plc-visualizer/backend/pkg/entrydb"
	"github.com/plc-visualizer/backend/pkg/metrics"
	promMetrics "github.com/plc-visualizer/backend/pkg/metrics/prometheus"
	"github.com/plc-visualizer/backend/pkg/parser"
	"github.com/plc-visualizer/backend/pkg/session"
	"github.com/plc-visualizer/backend/pkg/storage"
	"github.com/plc-visualizer/backend/pkg/upload"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the plcvis server",
	Long: `Start the plcvis backend server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/plcvis/config.yaml.

Examples:
  # Start with the default config
  plcvis start

  # Start with a custom config file
  plcvis start --config /etc/plcvis/config.yaml

  # Start with environment variable overrides
  PLCVIS_LOGGING_LEVEL=DEBUG PLCVIS_SERVER_PORT=9000 plcvis start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	// Shut down on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting plcvis", "version", Version, "commit", Commit)

	files, err := storage.New(cfg.Dirs.Upload)
	if err != nil {
		return fmt.Errorf("failed to open upload store: %w", err)
	}

	cat, err := catalog.New(cfg.Dirs.Parsed, entrydb.Options{
		TempDir:          cfg.Dirs.Temp,
		ParseMemoryBytes: int64(cfg.Parse.ParseMemory),
		IndexMemoryBytes: int64(cfg.Parse.IndexMemory),
		Workers:          cfg.Parse.Workers,
		QueryConcurrency: int64(cfg.Query.Concurrency),
	})
	if err != nil {
		return fmt.Errorf("failed to open parsed-store catalog: %w", err)
	}
	defer cat.Close()

	// Drop parsed stores whose raw file no longer exists.
	if removed := cat.CleanupOrphaned(knownFileIDs(files)); removed > 0 {
		logger.Info("removed orphaned parsed stores", "count", removed)
	}

	uploads := upload.NewManager(files, promMetrics.NewUploadMetrics())
	sessions := session.NewManager(cat, parser.NewRegistry(), session.Config{
		MaxSessions:        cfg.Session.MaxSessions,
		KeepAlive:          cfg.Session.KeepAlive,
		LargeFileThreshold: int64(cfg.Session.LargeFileThreshold),
		SetFileStatus:      files.UpdateStatus,
	}, promMetrics.NewParseMetrics(), promMetrics.NewQueryMetrics())
	defer sessions.Close()

	go sweepSessions(ctx, sessions, cfg.Session.CleanupInterval, cfg.Session.TTL)

	server := api.NewServer(cfg.Server, api.NewRouter(api.Deps{
		Files:    files,
		Uploads:  uploads,
		Sessions: sessions,
		Catalog:  cat,
	}))
	return server.Start(ctx)
}

// sweepSessions periodically removes terminal sessions idle past the TTL.
func sweepSessions(ctx context.Context, sessions *session.Manager, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := sessions.CleanupOldSessions(ttl); removed > 0 {
				logger.Debug("session sweep", "removed", removed)
			}
		}
	}
}

func knownFileIDs(files *storage.Store) []string {
	set := files.IDs()
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
