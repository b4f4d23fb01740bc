package config

import (
	"fmt"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	if c.Trap.DataDir == "" {
		errors = append(errors, "trap.data_dir is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Trap.Pipeline.CadenceRatio < 1 {
		errors = append(errors, fmt.Sprintf("pipeline.cadence_ratio must be >= 1, got: %d", c.Trap.Pipeline.CadenceRatio))
	}

	if c.Trap.Pipeline.FrameIndexSize < 1 {
		errors = append(errors, fmt.Sprintf("pipeline.frame_index_size must be >= 1, got: %d", c.Trap.Pipeline.FrameIndexSize))
	}

	if c.Trap.Pipeline.PendingIndexSize < 1 {
		errors = append(errors, fmt.Sprintf("pipeline.pending_index_size must be >= 1, got: %d", c.Trap.Pipeline.PendingIndexSize))
	}

	if c.Trap.Recording.CropMargin < 0 || c.Trap.Recording.CropMargin > 1 {
		errors = append(errors, fmt.Sprintf("recording.crop_margin must be between 0 and 1, got: %.2f", c.Trap.Recording.CropMargin))
	}

	if c.Trap.Recording.JPEGQuality < 1 || c.Trap.Recording.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("recording.jpeg_quality must be between 1 and 100, got: %d", c.Trap.Recording.JPEGQuality))
	}

	if c.Trap.Storage.RetentionDays < 0 {
		errors = append(errors, fmt.Sprintf("storage.retention_days must be >= 0, got: %d", c.Trap.Storage.RetentionDays))
	}

	if c.Trap.Storage.MaxDiskUsagePercent < 0 || c.Trap.Storage.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("storage.max_disk_usage_percent must be between 0 and 100, got: %.2f", c.Trap.Storage.MaxDiskUsagePercent))
	}

	if c.Trap.Upload.Enabled && c.Trap.Upload.Endpoint == "" {
		errors = append(errors, "upload.endpoint is required when upload is enabled")
	}

	if c.Trap.Web.Port < 0 || c.Trap.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web.port must be a valid port number, got: %d", c.Trap.Web.Port))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
