package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Timing   TimingConfig   `mapstructure:"timing"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	API      APIConfig      `mapstructure:"api"`
	Log      LogConfig      `mapstructure:"log"`
}

// StoreConfig locates the shared exchange store and the local state db.
type StoreConfig struct {
	RootPath  string        `mapstructure:"rootPath"`
	StatePath string        `mapstructure:"statePath"`
	Retention time.Duration `mapstructure:"retention"`
}

// TimingConfig holds the periodic schedule settings.
type TimingConfig struct {
	HeartbeatPeriod   time.Duration `mapstructure:"heartbeatPeriod"`
	SuspectTimeout    time.Duration `mapstructure:"suspectTimeout"`
	DeadTimeout       time.Duration `mapstructure:"deadTimeout"`
	PollInterval      time.Duration `mapstructure:"pollInterval"`
	AdvertiseInterval time.Duration `mapstructure:"advertiseInterval"`
	RouteExpiry       time.Duration `mapstructure:"routeExpiry"`
}

// DeliveryConfig holds the retry and reordering settings.
type DeliveryConfig struct {
	RetryMaxAttempts int           `mapstructure:"retryMaxAttempts"`
	RetryBaseTimeout time.Duration `mapstructure:"retryBaseTimeout"`
	ReorderWindow    time.Duration `mapstructure:"reorderWindow"`
}

// APIConfig holds the REST listener settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig holds log output settings.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	FilePath    string `mapstructure:"filePath"`
	MaxSizeMB   int    `mapstructure:"maxSizeMB"`
	MaxBackups  int    `mapstructure:"maxBackups"`
	MaxAgeDays  int    `mapstructure:"maxAgeDays"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store.rootPath", "/tmp/classnet-exchange")
	v.SetDefault("store.statePath", "")
	v.SetDefault("store.retention", time.Hour)
	v.SetDefault("timing.heartbeatPeriod", 2*time.Second)
	v.SetDefault("timing.suspectTimeout", 6*time.Second)
	v.SetDefault("timing.deadTimeout", 12*time.Second)
	v.SetDefault("timing.pollInterval", 500*time.Millisecond)
	v.SetDefault("timing.advertiseInterval", 3*time.Second)
	v.SetDefault("timing.routeExpiry", 18*time.Second)
	v.SetDefault("delivery.retryMaxAttempts", 3)
	v.SetDefault("delivery.retryBaseTimeout", 500*time.Millisecond)
	v.SetDefault("delivery.reorderWindow", 2*time.Second)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "")
	v.SetDefault("log.development", false)
	v.SetDefault("log.filePath", "logs/classnet.log")
	v.SetDefault("log.maxSizeMB", 20)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 7)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Timing.SuspectTimeout <= c.Timing.HeartbeatPeriod {
		return fmt.Errorf("suspectTimeout %v must exceed heartbeatPeriod %v",
			c.Timing.SuspectTimeout, c.Timing.HeartbeatPeriod)
	}
	if c.Timing.DeadTimeout <= c.Timing.SuspectTimeout {
		return fmt.Errorf("deadTimeout %v must exceed suspectTimeout %v",
			c.Timing.DeadTimeout, c.Timing.SuspectTimeout)
	}
	if c.Delivery.RetryMaxAttempts < 1 {
		return fmt.Errorf("retryMaxAttempts must be at least 1")
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	return nil
}
