package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	defaultWorkerPollInterval = 5 * time.Second
	defaultWorkerMaxJobs      = 1
)

// WorkerConfig holds configuration for the remote worker daemon.
type WorkerConfig struct {
	Worker  WorkerDaemonConfig `mapstructure:"worker" yaml:"worker"`
	FFmpeg  FFmpegConfig       `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Logging LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// WorkerDaemonConfig identifies the worker and the coordinating server.
type WorkerDaemonConfig struct {
	ID                string        `mapstructure:"id" yaml:"id"`
	Name              string        `mapstructure:"name" yaml:"name"`
	ServerURL         string        `mapstructure:"server_url" yaml:"server_url"`
	SharedSecret      string        `mapstructure:"shared_secret" yaml:"shared_secret"`
	MaxJobs           int           `mapstructure:"max_jobs" yaml:"max_jobs"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	WorkDir           string        `mapstructure:"work_dir" yaml:"work_dir"`
}

// LoadWorker reads worker configuration from file and environment variables.
// Example: DOWNLOADARR_WORKER_SERVER_URL=http://server:8080.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()
	SetWorkerDefaults(v)

	if err := readConfig(v, configPath); err != nil {
		return nil, err
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Worker.Name == "" {
		cfg.Worker.Name = cfg.Worker.ID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetWorkerDefaults configures default values for the worker daemon.
func SetWorkerDefaults(v *viper.Viper) {
	id, _ := os.Hostname()
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}

	v.SetDefault("worker.id", id)
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.server_url", "http://localhost:8080")
	v.SetDefault("worker.shared_secret", "")
	v.SetDefault("worker.max_jobs", defaultWorkerMaxJobs)
	v.SetDefault("worker.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("worker.poll_interval", defaultWorkerPollInterval)
	v.SetDefault("worker.progress_interval", defaultProgressInterval)
	v.SetDefault("worker.work_dir", os.TempDir())

	setLoggingDefaults(v)
	setFFmpegDefaults(v)
}

// Validate checks the worker configuration for errors.
func (c *WorkerConfig) Validate() error {
	if c.Worker.ID == "" {
		return fmt.Errorf("worker.id is required")
	}
	u, err := url.Parse(c.Worker.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("worker.server_url must be an absolute URL")
	}
	if c.Worker.MaxJobs < 1 {
		return fmt.Errorf("worker.max_jobs must be at least 1")
	}
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval and worker.poll_interval must be positive")
	}
	if c.Worker.WorkDir == "" {
		return fmt.Errorf("worker.work_dir is required")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return c.FFmpeg.Validate()
}
