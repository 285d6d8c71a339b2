// Package config provides configuration management for downloadarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "DOWNLOADARR"

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultMaxConcurrent     = 2
	defaultSubscriberPoll    = 250 * time.Millisecond
	defaultGracePeriod       = 30 * time.Second
	defaultCacheTTL          = 24 * time.Hour
	defaultRetention         = 7 * 24 * time.Hour
	defaultClaimInterval     = 2 * time.Second
	defaultProgressInterval  = 2 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 60 * time.Second
	defaultSoftwarePreset    = "veryfast"
	defaultVAAPIDevice       = "/dev/dri/renderD128"
)

// Config holds all configuration for the server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Transcode TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	Workers   WorkersConfig   `mapstructure:"workers" yaml:"workers"`
	Library   LibraryConfig   `mapstructure:"library" yaml:"library"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `mapstructure:"host" yaml:"host"`
	Port        int           `mapstructure:"port" yaml:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout of 0 disables the limit, which downloads of growing files need.
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// PublicURL is the address remote workers use to reach this server.
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir  string `mapstructure:"base_dir" yaml:"base_dir"`
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// FFmpegConfig holds encoder binary and hardware selection.
type FFmpegConfig struct {
	BinaryPath     string `mapstructure:"binary_path" yaml:"binary_path"` // empty = auto-detect
	ProbePath      string `mapstructure:"probe_path" yaml:"probe_path"`   // empty = auto-detect
	HWAccel        string `mapstructure:"hwaccel" yaml:"hwaccel"`         // auto, none, vaapi, nvenc
	VAAPIDevice    string `mapstructure:"vaapi_device" yaml:"vaapi_device"`
	SoftwarePreset string `mapstructure:"software_preset" yaml:"software_preset"`
}

// TranscodeConfig holds local engine and job lifecycle settings.
type TranscodeConfig struct {
	// MaxConcurrent is used when the settings store has no override.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// SubscriberPoll is how often a download checks the growing output file.
	SubscriberPoll time.Duration `mapstructure:"subscriber_poll" yaml:"subscriber_poll"`
	// GracePeriod is how long a session with no downloaders keeps encoding.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	// CacheTTL bounds idle in-memory sessions and orphaned cache files.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	// Retention is how long a completed job lives after its last access.
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`

	LocalWorker      bool          `mapstructure:"local_worker" yaml:"local_worker"`
	LocalWorkerID    string        `mapstructure:"local_worker_id" yaml:"local_worker_id"`
	ClaimInterval    time.Duration `mapstructure:"claim_interval" yaml:"claim_interval"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
}

// WorkersConfig holds remote worker coordination settings.
type WorkersConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ReaperSchedule    string        `mapstructure:"reaper_schedule" yaml:"reaper_schedule"`
	// SharedSecret is used when the settings store has no override.
	SharedSecret string `mapstructure:"shared_secret" yaml:"shared_secret"`
}

// LibraryConfig locates source media.
type LibraryConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Example: DOWNLOADARR_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if err := readConfig(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// readConfig wires the search paths and env overrides into v and reads the
// config file if one exists.
func readConfig(v *viper.Viper, configPath string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/downloadarr")
		v.AddConfigPath("$HOME/.downloadarr")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

// SetDefaults configures default values for all server options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.public_url", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "downloadarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.cache_dir", "transcode-cache")

	setLoggingDefaults(v)
	setFFmpegDefaults(v)

	v.SetDefault("transcode.max_concurrent", defaultMaxConcurrent)
	v.SetDefault("transcode.subscriber_poll", defaultSubscriberPoll)
	v.SetDefault("transcode.grace_period", defaultGracePeriod)
	v.SetDefault("transcode.cache_ttl", defaultCacheTTL)
	v.SetDefault("transcode.retention", defaultRetention)
	v.SetDefault("transcode.sweep_schedule", "@every 5m")
	v.SetDefault("transcode.local_worker", true)
	v.SetDefault("transcode.local_worker_id", "local")
	v.SetDefault("transcode.claim_interval", defaultClaimInterval)
	v.SetDefault("transcode.progress_interval", defaultProgressInterval)

	v.SetDefault("workers.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("workers.heartbeat_timeout", defaultHeartbeatTimeout)
	v.SetDefault("workers.reaper_schedule", "@every 30s")
	v.SetDefault("workers.shared_secret", "")

	v.SetDefault("library.root", "./library")
}

func setLoggingDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

func setFFmpegDefaults(v *viper.Viper) {
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel", "auto")
	v.SetDefault("ffmpeg.vaapi_device", defaultVAAPIDevice)
	v.SetDefault("ffmpeg.software_preset", defaultSoftwarePreset)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.FFmpeg.Validate(); err != nil {
		return err
	}

	if c.Transcode.MaxConcurrent < 1 {
		return fmt.Errorf("transcode.max_concurrent must be at least 1")
	}
	if c.Transcode.SubscriberPoll <= 0 {
		return fmt.Errorf("transcode.subscriber_poll must be positive")
	}
	if c.Transcode.GracePeriod < 0 {
		return fmt.Errorf("transcode.grace_period must not be negative")
	}
	if c.Transcode.CacheTTL <= 0 {
		return fmt.Errorf("transcode.cache_ttl must be positive")
	}
	if c.Transcode.LocalWorker && c.Transcode.LocalWorkerID == "" {
		return fmt.Errorf("transcode.local_worker_id is required when the local worker is enabled")
	}

	if c.Workers.HeartbeatTimeout <= c.Workers.HeartbeatInterval {
		return fmt.Errorf("workers.heartbeat_timeout must exceed workers.heartbeat_interval")
	}

	return nil
}

// Validate checks the logging level and format.
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// Validate checks the hardware acceleration mode.
func (c *FFmpegConfig) Validate() error {
	switch c.HWAccel {
	case "auto", "none", "vaapi", "nvenc":
		return nil
	}
	return fmt.Errorf("ffmpeg.hwaccel must be one of: auto, none, vaapi, nvenc")
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CachePath returns the transcode cache directory. A relative cache_dir is
// resolved under base_dir.
func (c *StorageConfig) CachePath() string {
	if filepath.IsAbs(c.CacheDir) {
		return c.CacheDir
	}
	return filepath.Join(c.BaseDir, c.CacheDir)
}
