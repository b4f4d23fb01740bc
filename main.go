package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ecovision/trapsync/internal/config"
	"github.com/ecovision/trapsync/internal/extract"
	"github.com/ecovision/trapsync/internal/hqsync"
	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/pipeline"
	"github.com/ecovision/trapsync/internal/session"
	"github.com/ecovision/trapsync/internal/state"
	"github.com/ecovision/trapsync/internal/storage"
	"github.com/ecovision/trapsync/internal/telemetry"
	"github.com/ecovision/trapsync/internal/upload"
	"github.com/ecovision/trapsync/internal/vision"
	"github.com/ecovision/trapsync/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const retentionInterval = time.Hour

func main() {
	var configPath string
	var framesDir string
	var trackerLog string
	var replayInterval time.Duration
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.StringVar(&framesDir, "frames", "", "Directory of high-res JPEG frames to feed")
	flag.StringVar(&trackerLog, "tracker", "", "Tracker batch log (JSONL) to feed")
	flag.DurationVar(&replayInterval, "interval", 25*time.Millisecond, "Pacing per tracker cycle")
	flag.Parse()

	if framesDir == "" || trackerLog == "" {
		fmt.Fprintln(os.Stderr, "Both -frames and -tracker are required")
		os.Exit(1)
	}

	// .env may carry ENDPOINT and API_TOKEN for the uploader
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting trapsync",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	if err := run(cfg, framesDir, trackerLog, replayInterval, log); err != nil {
		log.Error("trapsync exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

func run(cfg *config.Config, framesDir, trackerLog string, replayInterval time.Duration, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State database
	stateMgr, err := state.NewManager(cfg.DatabasePath(), log)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer stateMgr.Close()

	// Retention runs before a new session claims more disk
	diskMonitor := storage.NewDiskMonitor(cfg.Trap.DataDir, cfg.Trap.Storage.MaxDiskUsagePercent, log)
	retention := storage.NewRetentionPolicy(cfg.Trap.Storage.RetentionDays, diskMonitor, stateMgr, log)
	if err := retention.Enforce(ctx, ""); err != nil {
		log.Warn("Retention enforcement failed", "error", err)
	}

	// Open the recording session
	sessionMgr := session.NewManager(cfg.SessionsDir(), stateMgr, log)
	sess, err := sessionMgr.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin session: %w", err)
	}

	// Pipeline stages
	frames := vision.NewPushFrameSource(cfg.Trap.Pipeline.SourceBuffer, log)
	tracker := vision.NewPushTrackerSource(cfg.Trap.Pipeline.SourceBuffer, log)

	syncer := hqsync.NewSynchronizer(hqsync.SynchronizerConfig{
		CadenceRatio:     cfg.Trap.Pipeline.CadenceRatio,
		FrameIndexSize:   cfg.Trap.Pipeline.FrameIndexSize,
		PendingIndexSize: cfg.Trap.Pipeline.PendingIndexSize,
	}, log)

	extractor := extract.NewExtractor(extract.ExtractorConfig{
		CropMargin:  cfg.Trap.Recording.CropMargin,
		JPEGQuality: cfg.Trap.Recording.JPEGQuality,
	}, log)

	pipe := pipeline.New(pipeline.Config{
		Frames:    frames,
		Tracker:   tracker,
		Syncer:    syncer,
		Extractor: extractor,
		Recorder:  sess.Recorder,
	}, log)

	// Telemetry
	collector := telemetry.NewCollector(telemetry.CollectorConfig{
		Interval:    cfg.Trap.Telemetry.Interval,
		Pipeline:    pipe,
		DiskMonitor: diskMonitor,
		StateMgr:    stateMgr,
	}, log)
	if cfg.Trap.Telemetry.Enabled {
		go collector.Run(ctx)
	}

	// Uploader
	var uploader *upload.Uploader
	if cfg.Trap.Upload.Enabled {
		uploader = upload.NewUploader(upload.UploaderConfig{
			Endpoint: cfg.Trap.Upload.Endpoint,
			Timeout:  cfg.Trap.Upload.Timeout,
		}, stateMgr, log)
	}

	// Status web server
	var webUploader web.TrackUploader
	if uploader != nil {
		webUploader = uploader
	}
	server := web.NewServer(web.ServerConfig{
		Web:       &cfg.Trap.Web,
		Pipeline:  pipe,
		StateMgr:  stateMgr,
		Collector: collector,
		Uploader:  webUploader,
		SessionID: func() string { return sess.ID },
	}, log)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	go retentionLoop(ctx, retention, sess.ID, log)

	// Feed the pipeline from the recorded inputs
	replay := vision.NewReplay(vision.ReplayConfig{
		FramesDir:    framesDir,
		TrackerLog:   trackerLog,
		CadenceRatio: cfg.Trap.Pipeline.CadenceRatio,
		Interval:     replayInterval,
	}, log)
	go func() {
		if err := replay.Run(ctx, frames, tracker); err != nil && ctx.Err() == nil {
			log.Error("Replay failed", "error", err)
		}
	}()

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- pipe.Run(ctx) }()

	// Wait for a shutdown signal or for the pipeline to finish its input
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
		cancel()
		runErr = <-pipeErr
	case runErr = <-pipeErr:
		log.Info("Pipeline finished")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping web server", "error", err)
	}

	if err := sessionMgr.End(shutdownCtx, sess); err != nil {
		log.Error("Error ending session", "error", err)
	}

	if uploader != nil {
		if err := uploader.SendSession(shutdownCtx, sess.ID); err != nil {
			log.Error("Session upload incomplete", "error", err)
		}
	}

	stats := pipe.Stats()
	log.Info("Final pipeline counters",
		"frames_in", stats.Sync.FramesIn,
		"batches_in", stats.Sync.BatchesIn,
		"pairs_emitted", stats.Sync.PairsEmitted,
		"sync_misses", stats.Sync.SyncMisses,
		"crops", stats.Extract.Crops,
		"records_written", stats.Record.RecordsWritten,
	)

	return runErr
}

// retentionLoop re-enforces retention periodically while recording.
func retentionLoop(ctx context.Context, retention *storage.RetentionPolicy, activeSessionID string, log *logger.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := retention.Enforce(ctx, activeSessionID); err != nil {
				log.Warn("Retention enforcement failed", "error", err)
			}
		}
	}
}
