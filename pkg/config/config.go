// Package config holds process-wide defaults for the Tuya LAN client.
// tuyalan.Init reads Discovery.BindAddress and Dispatch.QueueDepth from
// it. DeviceConfig zero fields do not fall back to these values: the
// device, dispatch and scanner packages use their own built-in constants
// for timeouts, backoff, bus capacity and discovery ports.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of process-wide defaults.
type Config struct {
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TimeoutConfig holds the worker's connect/handshake/response/keepalive
// deadlines.
type TimeoutConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Handshake time.Duration `yaml:"handshake"`
	Response  time.Duration `yaml:"response"`
	Keepalive time.Duration `yaml:"keepalive"`
}

// BackoffConfig holds the worker's reconnect schedule.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Cap        time.Duration `yaml:"cap"`
	JitterFrac float64       `yaml:"jitter_fraction"`
}

// DispatchConfig holds the command queue and broadcast bus sizing.
type DispatchConfig struct {
	QueueDepth  int `yaml:"queue_depth"`
	BusCapacity int `yaml:"bus_capacity"`
}

// DiscoveryConfig holds UDP scanner defaults.
type DiscoveryConfig struct {
	Ports        []int         `yaml:"ports"`
	Device22Port int           `yaml:"device22_port"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	BindAddress  string        `yaml:"bind_address"`
}

// LoggingConfig controls the internal telemetry sink.
type LoggingConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the built-in defaults: 10s connect/response timeout,
// 5s handshake timeout, 10s keepalive, 1s/60s backoff base/cap.
func Default() *Config {
	return &Config{
		Timeouts: TimeoutConfig{
			Connect:   10 * time.Second,
			Handshake: 5 * time.Second,
			Response:  10 * time.Second,
			Keepalive: 10 * time.Second,
		},
		Backoff: BackoffConfig{
			Base:       1 * time.Second,
			Cap:        60 * time.Second,
			JitterFrac: 0.25,
		},
		Dispatch: DispatchConfig{
			QueueDepth:  256,
			BusCapacity: 64,
		},
		Discovery: DiscoveryConfig{
			Ports:        []int{6666, 6667},
			Device22Port: 7000,
			ScanTimeout:  18 * time.Second,
			BindAddress:  "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var (
	global   = Default()
	globalMu sync.RWMutex
)

// Load reads process-wide defaults from a YAML file, starting from
// Default() so unset fields keep their built-in value.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	globalMu.Lock()
	global = cfg
	globalMu.Unlock()

	return cfg, nil
}

// Get returns the process-wide configuration singleton.
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Validate checks for nonsensical values a caller's YAML might introduce.
func (c *Config) Validate() error {
	if c.Timeouts.Connect <= 0 {
		return fmt.Errorf("timeouts.connect must be positive")
	}
	if c.Backoff.Cap < c.Backoff.Base {
		return fmt.Errorf("backoff.cap must be >= backoff.base")
	}
	if c.Dispatch.QueueDepth <= 0 {
		return fmt.Errorf("dispatch.queue_depth must be positive")
	}
	if c.Dispatch.BusCapacity <= 0 {
		return fmt.Errorf("dispatch.bus_capacity must be positive")
	}
	return nil
}
