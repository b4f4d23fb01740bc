package telemetry

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/pipeline"
	"github.com/ecovision/trapsync/internal/state"
	"github.com/ecovision/trapsync/internal/storage"
)

// lastSnapshotKey is the system_state key holding the latest snapshot.
const lastSnapshotKey = "telemetry.last_snapshot"

// Snapshot is one telemetry sample of the running pipeline.
type Snapshot struct {
	Timestamp      time.Time              `json:"timestamp"`
	Pipeline       pipeline.PipelineStats `json:"pipeline"`
	DiskUsage      *storage.DiskUsage     `json:"disk_usage,omitempty"`
	AllocBytes     uint64                 `json:"alloc_bytes"`
	SysBytes       uint64                 `json:"sys_bytes"`
	NumGoroutine   int                    `json:"num_goroutine"`
}

// Collector periodically samples pipeline counters, memory and disk usage,
// logs the sample and persists the latest one to the state database.
type Collector struct {
	logger      *logger.Logger
	interval    time.Duration
	pipeline    *pipeline.Pipeline
	diskMonitor *storage.DiskMonitor
	stateMgr    *state.Manager
}

// CollectorConfig contains telemetry collector configuration.
type CollectorConfig struct {
	Interval    time.Duration
	Pipeline    *pipeline.Pipeline
	DiskMonitor *storage.DiskMonitor
	StateMgr    *state.Manager
}

// NewCollector creates a telemetry collector.
func NewCollector(config CollectorConfig, log *logger.Logger) *Collector {
	interval := config.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		logger:      log,
		interval:    interval,
		pipeline:    config.Pipeline,
		diskMonitor: config.DiskMonitor,
		stateMgr:    config.StateMgr,
	}
}

// Run samples on the configured interval until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("Telemetry collector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Telemetry collector stopped")
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

// Collect returns one telemetry snapshot.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := Snapshot{
		Timestamp:    time.Now(),
		Pipeline:     c.pipeline.Stats(),
		AllocBytes:   mem.Alloc,
		SysBytes:     mem.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if c.diskMonitor != nil {
		usage, err := c.diskMonitor.GetUsage(ctx)
		if err != nil {
			c.logger.Warn("Failed to read disk usage", "error", err)
		} else {
			snap.DiskUsage = usage
		}
	}

	return snap
}

// sample collects, logs and persists one snapshot.
func (c *Collector) sample(ctx context.Context) {
	snap := c.Collect(ctx)

	fields := []interface{}{
		"frames_in", snap.Pipeline.Sync.FramesIn,
		"batches_in", snap.Pipeline.Sync.BatchesIn,
		"pairs", snap.Pipeline.Sync.PairsEmitted,
		"sync_misses", snap.Pipeline.Sync.SyncMisses,
		"crops", snap.Pipeline.Extract.Crops,
		"records", snap.Pipeline.Record.RecordsWritten,
		"alloc_mb", snap.AllocBytes / (1 << 20),
		"goroutines", snap.NumGoroutine,
	}
	if snap.DiskUsage != nil {
		fields = append(fields, "disk_usage_percent", snap.DiskUsage.UsagePercent)
	}
	c.logger.Info("Telemetry", fields...)

	if c.stateMgr == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Warn("Failed to marshal telemetry snapshot", "error", err)
		return
	}
	if err := c.stateMgr.SetSystemState(ctx, lastSnapshotKey, string(data)); err != nil {
		c.logger.Warn("Failed to persist telemetry snapshot", "error", err)
	}
}
