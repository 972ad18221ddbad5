// Package config loads and validates ingestwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Poll      PollConfig      `mapstructure:"poll"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the display API listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MaxUploadMB caps multipart request bodies accepted by POST /v1/uploads.
	MaxUploadMB int `mapstructure:"max_upload_mb"`
}

// BackendConfig points at the ingestion service.
type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// TimeoutSeconds bounds each HTTP exchange; 0 leaves uploads unbounded.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// PollConfig governs the status loop.
type PollConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxDuration    time.Duration `mapstructure:"max_duration"`
}

// TransferConfig controls upload progress sampling.
type TransferConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// NormalizeConfig overrides the insertion field names searched in payloads.
type NormalizeConfig struct {
	InsertionKeys []string `mapstructure:"insertion_keys"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// searchPaths are consulted for an ingestwatch.{yaml,json,toml} file when no
// explicit path is given.
var searchPaths = []string{".", "$HOME/.ingestwatch", "/etc/ingestwatch"}

// Load builds a Config from a file and INGEST_* environment variables. An
// empty path searches searchPaths and falls back to defaults when nothing is
// found.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ingestwatch")
		for _, dir := range searchPaths {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_mb", 512)
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.timeout_seconds", 0)
	v.SetDefault("poll.interval", time.Second)
	v.SetDefault("poll.request_timeout", 10*time.Second)
	v.SetDefault("poll.max_duration", time.Hour)
	v.SetDefault("transfer.sample_interval", 200*time.Millisecond)
	v.SetDefault("normalize.insertion_keys", []string{})
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be > 0")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute http(s) URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be >= 0")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be > 0")
	}
	if c.Poll.RequestTimeout <= 0 {
		return fmt.Errorf("poll.request_timeout must be > 0")
	}
	if c.Poll.MaxDuration < 0 {
		return fmt.Errorf("poll.max_duration must be >= 0")
	}
	if c.Transfer.SampleInterval <= 0 {
		return fmt.Errorf("transfer.sample_interval must be > 0")
	}
	if c.Progress.BufferSize < 0 || c.Progress.MaxBatchEvents < 0 || c.Progress.MaxBatchWait < 0 {
		return fmt.Errorf("progress settings must be >= 0")
	}
	return nil
}

// BackendTimeout converts backend.timeout_seconds into a duration.
func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// MaxUploadBytes converts server.max_upload_mb into bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}
