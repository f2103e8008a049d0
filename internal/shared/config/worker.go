package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for a compute worker.
type WorkerConfig struct {
	BrokerURL string        `mapstructure:"broker_url"`
	Identity  WorkerID      `mapstructure:"identity"`
	Poll      PollConfig    `mapstructure:"poll"`
	Logging   LoggingConfig `mapstructure:"logging"`
}

// WorkerID describes what this worker has loaded and how it should announce
// itself to the broker.
type WorkerID struct {
	Address       string `mapstructure:"address"`
	DatasetID     string `mapstructure:"dataset_id"`
	WorkerVersion string `mapstructure:"worker_version"`
	// Role is "regional" for batch workers or "single-point" for workers
	// also serving interactive requests.
	Role string `mapstructure:"role"`
}

// PollConfig controls the short-polling loop. The worker re-polls
// immediately while tasks flow and backs off exponentially when idle.
type PollConfig struct {
	MinBackoff     time.Duration `mapstructure:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with GRIDBROKER_WORKER_ prefix override config file values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("broker_url", "http://localhost:7070")
	v.SetDefault("identity.address", "localhost")
	v.SetDefault("identity.dataset_id", "default")
	v.SetDefault("identity.worker_version", "dev")
	v.SetDefault("identity.role", "regional")
	v.SetDefault("poll.min_backoff", 1*time.Second)
	v.SetDefault("poll.max_backoff", 30*time.Second)
	v.SetDefault("poll.request_timeout", 20*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("worker")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GRIDBROKER_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
