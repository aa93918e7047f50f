package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the root configuration of the application.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Detector DetectorConfig `mapstructure:"detector"`
	Storage  StorageConfig  `mapstructure:"storage"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds the face log database settings.
type DBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

// StreamConfig describes the external capture process kept alive by the supervisor.
type StreamConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SourceURL       string        `mapstructure:"source_url"`
	OutputFile      string        `mapstructure:"output_file"`
	Binary          string        `mapstructure:"binary"`
	Quality         string        `mapstructure:"quality"`
	ExtraArgs       []string      `mapstructure:"extra_args"`
	CookieEnv       []string      `mapstructure:"cookie_env"` // env vars passed as --http-cookie NAME=VALUE
	StartTimeout    time.Duration `mapstructure:"start_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MinArtifactSize int64         `mapstructure:"min_artifact_size"`
	TerminateGrace  time.Duration `mapstructure:"terminate_grace"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	AsyncInit       bool          `mapstructure:"async_init"`
}

// PipelineConfig controls sampling, deduplication and crop persistence.
type PipelineConfig struct {
	Source      string  `mapstructure:"source"`
	FrameSkip   int     `mapstructure:"frame_skip"`
	MaxFrames   int     `mapstructure:"max_frames"`
	Tolerance   float64 `mapstructure:"tolerance"`
	HistorySize int     `mapstructure:"history_size"`
	CropMargin  int     `mapstructure:"crop_margin"`
	JPEGQuality int     `mapstructure:"jpeg_quality"`
	OutputDir   string  `mapstructure:"output_dir"`
	Timezone    string  `mapstructure:"timezone"`
	Workers     int     `mapstructure:"workers"`
}

// DetectorConfig selects and configures the detection backend.
type DetectorConfig struct {
	Provider           string        `mapstructure:"provider"` // "insightface", "opencv" or "compreface"
	URL                string        `mapstructure:"url"`
	EmbeddingURL       string        `mapstructure:"embedding_url"`
	CompreFaceURL      string        `mapstructure:"compreface_url"`
	CompreFaceAPIKey   string        `mapstructure:"compreface_api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	DetectionThreshold float64       `mapstructure:"detection_threshold"`
	CascadeFile        string        `mapstructure:"cascade_file"`
	MinFaceSize        int           `mapstructure:"min_face_size"`
}

// StorageConfig configures the optional remote sink for face crops.
type StorageConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

// MQTTConfig holds the control plane connection settings.
type MQTTConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Broker        string `mapstructure:"broker"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	ClientID      string `mapstructure:"client_id"`
	ControlTopic  string `mapstructure:"control_topic"`
	ResponseTopic string `mapstructure:"response_topic"`

	StateTopic        string `mapstructure:"state_topic"`
	AvailabilityTopic string `mapstructure:"availability_topic"`
	Discovery         bool   `mapstructure:"discovery"` // Home Assistant MQTT discovery
	DiscoveryPrefix   string `mapstructure:"discovery_prefix"`
}

// CleanupConfig holds retention settings for stored crops.
type CleanupConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// SyncConfig controls retries of failed remote uploads.
type SyncConfig struct {
	ProcessingInterval int     `mapstructure:"processing_interval"` // seconds
	MaxRetries         int     `mapstructure:"max_retries"`
	RetryInitialDelay  int     `mapstructure:"retry_initial_delay"` // seconds
	RetryBackoffFactor float64 `mapstructure:"retry_backoff_factor"`
	RetryMaxDelay      int     `mapstructure:"retry_max_delay"` // seconds
}

// Load reads configuration from file, environment and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	v.SetEnvPrefix("FACESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default value of every key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("db.enabled", true)
	v.SetDefault("db.file", "data/facestream.db")

	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.source_url", "")
	v.SetDefault("stream.output_file", "data/live.ts")
	v.SetDefault("stream.binary", "streamlink")
	v.SetDefault("stream.quality", "best")
	v.SetDefault("stream.extra_args", []string{"--force"})
	v.SetDefault("stream.cookie_env", []string{})
	v.SetDefault("stream.start_timeout", 30*time.Second)
	v.SetDefault("stream.poll_interval", time.Second)
	v.SetDefault("stream.min_artifact_size", 1024)
	v.SetDefault("stream.terminate_grace", 5*time.Second)
	v.SetDefault("stream.health_interval", 10*time.Second)
	v.SetDefault("stream.async_init", false)

	v.SetDefault("pipeline.source", "")
	v.SetDefault("pipeline.frame_skip", 5)
	v.SetDefault("pipeline.max_frames", 200)
	v.SetDefault("pipeline.tolerance", 0.6)
	v.SetDefault("pipeline.history_size", 100)
	v.SetDefault("pipeline.crop_margin", 30)
	v.SetDefault("pipeline.jpeg_quality", 75)
	v.SetDefault("pipeline.output_dir", "data/detected_faces")
	v.SetDefault("pipeline.timezone", "UTC")
	v.SetDefault("pipeline.workers", 1)

	v.SetDefault("detector.provider", "insightface")
	v.SetDefault("detector.url", "http://localhost:8000")
	v.SetDefault("detector.embedding_url", "")
	v.SetDefault("detector.compreface_url", "http://localhost:8000")
	v.SetDefault("detector.compreface_api_key", "")
	v.SetDefault("detector.timeout", 30*time.Second)
	v.SetDefault("detector.detection_threshold", 0.5)
	v.SetDefault("detector.cascade_file", "models/haarcascade_frontalface_default.xml")
	v.SetDefault("detector.min_face_size", 40)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.prefix", "faces")
	v.SetDefault("storage.force_path_style", true)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "facestream")
	v.SetDefault("mqtt.control_topic", "facestream/control")
	v.SetDefault("mqtt.response_topic", "facestream/control/response")
	v.SetDefault("mqtt.state_topic", "facestream/state")
	v.SetDefault("mqtt.availability_topic", "facestream/status")
	v.SetDefault("mqtt.discovery", false)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	v.SetDefault("cleanup.retention_days", 30)

	v.SetDefault("sync.processing_interval", 60)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_initial_delay", 30)
	v.SetDefault("sync.retry_backoff_factor", 2.0)
	v.SetDefault("sync.retry_max_delay", 3600)
}

// Validate rejects settings the pipeline and supervisor cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.Tolerance < 0 || c.Pipeline.Tolerance > 1 {
		return fmt.Errorf("pipeline.tolerance must be within [0,1], got %v", c.Pipeline.Tolerance)
	}
	if c.Pipeline.FrameSkip < 1 {
		return fmt.Errorf("pipeline.frame_skip must be at least 1, got %d", c.Pipeline.FrameSkip)
	}
	if c.Pipeline.HistorySize < 1 {
		return fmt.Errorf("pipeline.history_size must be at least 1, got %d", c.Pipeline.HistorySize)
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		return fmt.Errorf("pipeline.jpeg_quality must be within [1,100], got %d", c.Pipeline.JPEGQuality)
	}
	if c.Stream.Enabled && c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be positive")
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage is enabled")
	}
	return nil
}

// ensureDirectories creates the directories the application writes into.
func ensureDirectories(cfg *Config) error {
	if err := os.MkdirAll(cfg.Pipeline.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if cfg.Stream.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Stream.OutputFile), 0755); err != nil {
			return fmt.Errorf("failed to create stream directory: %w", err)
		}
	}

	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	if cfg.DB.Enabled && cfg.DB.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.File), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
