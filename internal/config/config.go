package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Trap TrapConfig `yaml:"trap"`
	Log  LogConfig  `yaml:"log,omitempty"`
}

// TrapConfig contains the trap appliance configuration
type TrapConfig struct {
	DataDir   string          `yaml:"data_dir"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Recording RecordingConfig `yaml:"recording"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upload    UploadConfig    `yaml:"upload"`
	Web       WebConfig       `yaml:"web"`
}

// PipelineConfig contains synchronizer and index settings.
//
// CadenceRatio is the number of low-res tracker cycles per high-res frame:
// a tracker batch with sequence L resolves to the high-res frame floor(L/R).
type PipelineConfig struct {
	CadenceRatio     int `yaml:"cadence_ratio"`
	FrameIndexSize   int `yaml:"frame_index_size"`
	PendingIndexSize int `yaml:"pending_index_size"`
	SourceBuffer     int `yaml:"source_buffer"`
}

// RecordingConfig contains crop extraction and persistence settings
type RecordingConfig struct {
	CropMargin  float64 `yaml:"crop_margin"`  // relative margin added around each box
	JPEGQuality int     `yaml:"jpeg_quality"` // 1-100
}

// StorageConfig contains retention settings for recorded sessions
type StorageConfig struct {
	RetentionDays       int     `yaml:"retention_days"`
	MaxDiskUsagePercent float64 `yaml:"max_disk_usage_percent"`
}

// TelemetryConfig contains telemetry reporting configuration
type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// UploadConfig contains track upload configuration. Endpoint and token may
// also come from the environment (ENDPOINT, API_TOKEN), loaded via .env.
type UploadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WebConfig contains the status web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"/etc/trapsync/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Trap.DataDir == "" {
		c.Trap.DataDir = "./data"
	}

	if c.Trap.Pipeline.CadenceRatio == 0 {
		c.Trap.Pipeline.CadenceRatio = 5
	}
	if c.Trap.Pipeline.FrameIndexSize == 0 {
		c.Trap.Pipeline.FrameIndexSize = 4
	}
	if c.Trap.Pipeline.PendingIndexSize == 0 {
		c.Trap.Pipeline.PendingIndexSize = 8
	}
	if c.Trap.Pipeline.SourceBuffer == 0 {
		c.Trap.Pipeline.SourceBuffer = 4
	}

	if c.Trap.Recording.JPEGQuality == 0 {
		c.Trap.Recording.JPEGQuality = 90
	}

	if c.Trap.Storage.RetentionDays == 0 {
		c.Trap.Storage.RetentionDays = 14
	}
	if c.Trap.Storage.MaxDiskUsagePercent == 0 {
		c.Trap.Storage.MaxDiskUsagePercent = 80
	}

	if c.Trap.Telemetry.Interval == 0 {
		c.Trap.Telemetry.Interval = 60 * time.Second
	}

	if c.Trap.Upload.Timeout == 0 {
		c.Trap.Upload.Timeout = 60 * time.Second
	}
	if c.Trap.Upload.Endpoint == "" {
		c.Trap.Upload.Endpoint = os.Getenv("ENDPOINT")
	}

	if c.Trap.Web.Host == "" {
		c.Trap.Web.Host = "0.0.0.0"
	}
	if c.Trap.Web.Port == 0 {
		c.Trap.Web.Port = 8090
	}
}

// SessionsDir returns the directory that holds per-session recordings
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Trap.DataDir, "sessions")
}

// DatabasePath returns the path of the sqlite state database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Trap.DataDir, "db", "trapsync.db")
}
