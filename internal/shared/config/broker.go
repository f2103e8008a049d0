package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BrokerConfig contains all configuration for the broker service.
type BrokerConfig struct {
	REST      RESTConfig      `mapstructure:"rest"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RESTConfig contains HTTP API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SchedulerConfig contains the job scheduling and worker provisioning knobs.
type SchedulerConfig struct {
	// Offline substitutes a single always-present local worker for cloud
	// provisioning. No capacity requests are ever issued in this mode.
	Offline bool `mapstructure:"offline"`
	// MaxWorkers caps the total worker count across all categories.
	MaxWorkers int `mapstructure:"max_workers"`
	// TestTaskRedelivery re-queues delivered tasks that have not been
	// completed within RedeliverAfter. Only meant for delivery testing.
	TestTaskRedelivery bool          `mapstructure:"test_task_redelivery"`
	RedeliverAfter     time.Duration `mapstructure:"redeliver_after"`
}

// CatalogConfig contains worker liveness configuration.
type CatalogConfig struct {
	// StaleTimeout is how long after its last poll a worker is still
	// considered alive. Workers poll every 10-30 seconds.
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
}

// StorageConfig locates the local directories backing blob storage and
// result assembly buffers.
type StorageConfig struct {
	BundleDir  string `mapstructure:"bundle_dir"`
	ResultsDir string `mapstructure:"results_dir"`
}

// LoadBroker loads the broker configuration from the given path.
// If configPath is empty, it looks for broker.yaml in the config/ directory.
// Environment variables with GRIDBROKER_BROKER_ prefix override config file values.
func LoadBroker(configPath string) (*BrokerConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":7070")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 30*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("scheduler.offline", true)
	v.SetDefault("scheduler.max_workers", 100)
	v.SetDefault("scheduler.test_task_redelivery", false)
	v.SetDefault("scheduler.redeliver_after", 2*time.Minute)
	v.SetDefault("catalog.stale_timeout", 2*time.Minute)
	v.SetDefault("storage.bundle_dir", "./data/bundles")
	v.SetDefault("storage.results_dir", "./data/results")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("broker")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GRIDBROKER_BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg BrokerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
