package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full markhive configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	SSE          SSEConfig          `yaml:"sse"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Sync         SyncConfig         `yaml:"sync"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
}

// SSEConfig holds broker settings
type SSEConfig struct {
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	PublishTimeout          time.Duration `yaml:"publish_timeout"`
	SubscriberQueueCapacity int           `yaml:"subscriber_queue_capacity"`
}

// ReconnectConfig holds the client reconnect policy
type ReconnectConfig struct {
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	StableThreshold time.Duration `yaml:"stable_threshold"`
}

// SyncConfig holds the client sync engine policy
type SyncConfig struct {
	BatchWindow time.Duration   `yaml:"batch_window"`
	MaxRetries  int             `yaml:"max_retries"`
	RetryDelays []time.Duration `yaml:"retry_delays"`
}

// ReachabilityConfig holds the connectivity probe policy
type ReachabilityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			DataDir:    "/var/lib/markhive",
		},
		SSE: SSEConfig{
			HeartbeatInterval:       15 * time.Second,
			WriteTimeout:            10 * time.Second,
			PublishTimeout:          100 * time.Millisecond,
			SubscriberQueueCapacity: 64,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:       time.Second,
			MaxDelay:        60 * time.Second,
			Multiplier:      2,
			Jitter:          0.3,
			StableThreshold: 30 * time.Second,
		},
		Sync: SyncConfig{
			BatchWindow: 100 * time.Millisecond,
			MaxRetries:  5,
			RetryDelays: []time.Duration{
				time.Second,
				2 * time.Second,
				5 * time.Second,
				10 * time.Second,
				30 * time.Second,
			},
		},
		Reachability: ReachabilityConfig{
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.SSE.SubscriberQueueCapacity <= 0 {
		return fmt.Errorf("sse.subscriber_queue_capacity must be positive")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0, 1)")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if len(c.Sync.RetryDelays) == 0 {
		return fmt.Errorf("sync.retry_delays must not be empty")
	}
	return nil
}
