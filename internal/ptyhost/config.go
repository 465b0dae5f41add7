package ptyhost

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the PTY Host's tunable knobs, persisted in
// ~/.ptyhost/ptyhost.yaml. Grounded on config.WingConfig's YAML
// load/save shape; field names map directly onto spec.md §6's wire
// constants, with zero values standing in for "use the §3/§6 default"
// the way WingConfig leaves most fields optional.
type Config struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`

	ShardCount int `yaml:"shard_count,omitempty"`

	MaxPendingBytesPerTerminal  int64 `yaml:"max_pending_bytes_per_terminal,omitempty"`
	MaxTotalPendingBytes        int64 `yaml:"max_total_pending_bytes,omitempty"`
	BackpressureSafetyTimeoutMS int64 `yaml:"backpressure_safety_timeout_ms,omitempty"`
	BackpressureCheckIntervalMS int64 `yaml:"backpressure_check_interval_ms,omitempty"`

	IPCMaxQueueBytes                int64 `yaml:"ipc_max_queue_bytes,omitempty"`
	IPCHighWatermarkPercent         int   `yaml:"ipc_high_watermark_percent,omitempty"`
	IPCLowWatermarkPercent          int   `yaml:"ipc_low_watermark_percent,omitempty"`
	IPCMaxPauseMS                   int64 `yaml:"ipc_max_pause_ms,omitempty"`
	IPCBackpressureCheckIntervalMS  int64 `yaml:"ipc_backpressure_check_interval_ms,omitempty"`

	ActivityDebounceMS int64 `yaml:"activity_debounce_ms,omitempty"`

	Debug bool `yaml:"debug,omitempty"`
}

// defaultConfig is the fully-populated default Config, matching spec.md
// §3/§6's named defaults.
func defaultConfig() *Config {
	return &Config{
		ListenAddr: ":7890",

		ShardCount: 4,

		MaxPendingBytesPerTerminal:  MaxPendingBytesPerTerminal,
		MaxTotalPendingBytes:        MaxTotalPendingBytes,
		BackpressureSafetyTimeoutMS: BackpressureSafetyTimeout.Milliseconds(),
		BackpressureCheckIntervalMS: 250,

		IPCMaxQueueBytes:               1024 * 1024,
		IPCHighWatermarkPercent:        80,
		IPCLowWatermarkPercent:         40,
		IPCMaxPauseMS:                  30_000,
		IPCBackpressureCheckIntervalMS: 250,

		ActivityDebounceMS: DefaultDebounceWindow.Milliseconds(),
	}
}

// LoadConfig reads ptyhost.yaml from dir, filling any unset field with
// its default. If the file doesn't exist, the full default config is
// returned (no error) — matching LoadWingConfig's zero-value-on-missing
// behavior.
func LoadConfig(dir string) (*Config, error) {
	cfg := defaultConfig()
	path := filepath.Join(dir, "ptyhost.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as ptyhost.yaml to dir, creating dir if needed.
func SaveConfig(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "ptyhost.yaml"), data, 0644)
}

func (c *Config) backpressureSafetyTimeout() time.Duration {
	return time.Duration(c.BackpressureSafetyTimeoutMS) * time.Millisecond
}

func (c *Config) backpressureCheckInterval() time.Duration {
	return time.Duration(c.BackpressureCheckIntervalMS) * time.Millisecond
}

func (c *Config) ipcCheckInterval() time.Duration {
	return time.Duration(c.IPCBackpressureCheckIntervalMS) * time.Millisecond
}

func (c *Config) activityDebounce() time.Duration {
	return time.Duration(c.ActivityDebounceMS) * time.Millisecond
}
