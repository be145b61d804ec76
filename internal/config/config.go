// Package config provides configuration management for herd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// HerdDir is the herd state directory
	HerdDir = ".herd"
)

// ScalingPolicy controls how aggressively a pool scales up.
type ScalingPolicy string

const (
	PolicyConservative ScalingPolicy = "conservative"
	PolicyBalanced     ScalingPolicy = "balanced"
	PolicyAggressive   ScalingPolicy = "aggressive"
)

// PoolConfig defines worker pool behavior.
type PoolConfig struct {
	// MinWorkers is the floor the pool never drops below (default: 2)
	MinWorkers int `yaml:"min_workers"`

	// MaxWorkers is the ceiling the pool never exceeds (default: 6)
	MaxWorkers int `yaml:"max_workers"`

	// ScaleUpThreshold triggers scale-up when utilization exceeds it (default: 0.8)
	ScaleUpThreshold float64 `yaml:"scale_up_threshold"`

	// ScaleDownThreshold triggers scale-down when utilization drops below it (default: 0.3)
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`

	// ScaleUpCooldown is the minimum time between scale-ups (default: 5m)
	ScaleUpCooldown time.Duration `yaml:"scale_up_cooldown"`

	// ScaleDownCooldown is the minimum time between scale-downs (default: 10m)
	ScaleDownCooldown time.Duration `yaml:"scale_down_cooldown"`

	// HealthCheckInterval is how often the monitor loop runs (default: 60s)
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// MaxIdleTime reaps workers idle longer than this (default: 30m)
	MaxIdleTime time.Duration `yaml:"max_idle_time"`

	// FailureThreshold marks a worker failed after this many consecutive errors (default: 3)
	FailureThreshold int `yaml:"failure_threshold"`

	// WorkerTimeout bounds a single assignment (default: 30m, 0 = unlimited)
	WorkerTimeout time.Duration `yaml:"worker_timeout"`

	// Policy controls scale-up sizing (default: balanced)
	Policy ScalingPolicy `yaml:"policy"`
}

// RouterConfig defines routing behavior.
type RouterConfig struct {
	// DefaultStrategy when no rule matches (default: hybrid)
	DefaultStrategy string `yaml:"default_strategy"`

	// HybridWeights for the hybrid strategy, keyed by strategy name.
	// Defaults: capability_based 0.3, load_balanced 0.2,
	// performance_optimized 0.3, complexity_matched 0.2.
	HybridWeights map[string]float64 `yaml:"hybrid_weights,omitempty"`
}

// LifecycleConfig defines retry and recovery behavior.
type LifecycleConfig struct {
	// MaxRetries per task before staying failed (default: 3)
	MaxRetries int `yaml:"max_retries"`

	// StuckTimeout forces non-terminal tasks to failed after inactivity (default: 30m)
	StuckTimeout time.Duration `yaml:"stuck_timeout"`
}

// ReviewConfig defines review gate thresholds.
type ReviewConfig struct {
	// HighThreshold is the max high-severity findings a passing review may carry (default: 3)
	HighThreshold int `yaml:"high_threshold"`

	// ConflictStrategy for the applier: manual, prefer_review, prefer_current, merge, skip
	ConflictStrategy string `yaml:"conflict_strategy"`
}

// CheckpointConfig defines snapshot behavior.
type CheckpointConfig struct {
	// MaxCheckpoints kept before pruning oldest non-protected (default: 20)
	MaxCheckpoints int `yaml:"max_checkpoints"`

	// IncludePaths are doublestar globs snapshotted by default (default: ["**/*"])
	IncludePaths []string `yaml:"include_paths,omitempty"`
}

// ValidatorConfig defines plan validation limits.
type ValidatorConfig struct {
	// Strict promotes warnings to errors (default: false)
	Strict bool `yaml:"strict"`

	// MaxMemoryMB is the blocking peak-memory limit (default: 8192)
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// MaxDepth above which dependency chains warn (default: 5)
	MaxDepth int `yaml:"max_depth"`
}

// WorkerSpec declares one worker in the fleet.
type WorkerSpec struct {
	ID            string   `yaml:"id"`
	Model         string   `yaml:"model"`
	Capabilities  []string `yaml:"capabilities"`
	MaxComplexity string   `yaml:"max_complexity"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// Config represents the herd configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	// ProjectName labels the task document header
	ProjectName string `yaml:"project_name"`

	Pool       PoolConfig       `yaml:"pool"`
	Router     RouterConfig     `yaml:"router"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Review     ReviewConfig     `yaml:"review"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Validator  ValidatorConfig  `yaml:"validator"`

	// Workers declares the initial fleet
	Workers []WorkerSpec `yaml:"workers,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:     1,
		ProjectName: "herd",
		Pool: PoolConfig{
			MinWorkers:          2,
			MaxWorkers:          6,
			ScaleUpThreshold:    0.8,
			ScaleDownThreshold:  0.3,
			ScaleUpCooldown:     5 * time.Minute,
			ScaleDownCooldown:   10 * time.Minute,
			HealthCheckInterval: 60 * time.Second,
			MaxIdleTime:         30 * time.Minute,
			FailureThreshold:    3,
			WorkerTimeout:       30 * time.Minute,
			Policy:              PolicyBalanced,
		},
		Router: RouterConfig{
			DefaultStrategy: "hybrid",
		},
		Lifecycle: LifecycleConfig{
			MaxRetries:   3,
			StuckTimeout: 30 * time.Minute,
		},
		Review: ReviewConfig{
			HighThreshold:    3,
			ConflictStrategy: "prefer_review",
		},
		Checkpoint: CheckpointConfig{
			MaxCheckpoints: 20,
			IncludePaths:   []string{"**/*"},
		},
		Validator: ValidatorConfig{
			Strict:      false,
			MaxMemoryMB: 8192,
			MaxDepth:    5,
		},
	}
}

// Load reads configuration from .herd/config.yaml in dir, applying defaults
// for any unset field. A missing file returns the defaults.
func Load(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, HerdDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to .herd/config.yaml in dir.
func (c *Config) Save(dir string) error {
	herdDir := filepath.Join(dir, HerdDir)
	if err := os.MkdirAll(herdDir, 0755); err != nil {
		return fmt.Errorf("create herd directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(herdDir, ConfigFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	p := c.Pool
	if p.MinWorkers < 0 || p.MaxWorkers < 1 {
		return fmt.Errorf("invalid pool size: min=%d max=%d", p.MinWorkers, p.MaxWorkers)
	}
	if p.MinWorkers > p.MaxWorkers {
		return fmt.Errorf("pool min_workers (%d) exceeds max_workers (%d)", p.MinWorkers, p.MaxWorkers)
	}
	if p.ScaleUpThreshold <= p.ScaleDownThreshold {
		return fmt.Errorf("scale_up_threshold (%.2f) must exceed scale_down_threshold (%.2f)",
			p.ScaleUpThreshold, p.ScaleDownThreshold)
	}
	switch p.Policy {
	case PolicyConservative, PolicyBalanced, PolicyAggressive:
	default:
		return fmt.Errorf("unknown scaling policy: %s", p.Policy)
	}
	if c.Lifecycle.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	return nil
}
