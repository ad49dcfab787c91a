// Package config loads engine configuration from YAML files with sensible
// defaults for every field.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Orchestration Orchestration `yaml:"orchestration"`
	Tooling       Tooling       `yaml:"tooling"`
	Database      Database      `yaml:"database"`
	Log           Log           `yaml:"log"`
}

// Orchestration tunes planning and dispatch behavior.
type Orchestration struct {
	// MaxConcurrentTasks bounds parallel task execution per round.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// RoundTimeout bounds a whole round from plan to final answer.
	RoundTimeout time.Duration `yaml:"round_timeout"`

	// TaskTimeoutMin and TaskTimeoutMax clamp per-task deadlines.
	TaskTimeoutMin time.Duration `yaml:"task_timeout_min"`
	TaskTimeoutMax time.Duration `yaml:"task_timeout_max"`

	// StepBudget bounds a worker's reason/act loop per task.
	StepBudget int `yaml:"step_budget"`
}

// Tooling tunes tool invocation behavior.
type Tooling struct {
	// InvokeTimeout bounds each tool call. There is no retry.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

// Database configures persistence.
type Database struct {
	// Path is the SQLite database file, or ":memory:" for ephemeral use.
	Path string `yaml:"path"`
}

// Log configures logging output.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Orchestration: Orchestration{
			MaxConcurrentTasks: 4,
			RoundTimeout:       5 * time.Minute,
			TaskTimeoutMin:     10 * time.Second,
			TaskTimeoutMax:     2 * time.Minute,
			StepBudget:         8,
		},
		Tooling: Tooling{
			InvokeTimeout: 30 * time.Second,
		},
		Database: Database{
			Path: "crewmesh.db",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	o := c.Orchestration
	if o.MaxConcurrentTasks < 1 {
		return fmt.Errorf("orchestration.max_concurrent_tasks must be at least 1")
	}
	if o.TaskTimeoutMin > o.TaskTimeoutMax {
		return fmt.Errorf("orchestration.task_timeout_min exceeds task_timeout_max")
	}
	if o.RoundTimeout <= 0 {
		return fmt.Errorf("orchestration.round_timeout must be positive")
	}
	if c.Tooling.InvokeTimeout <= 0 {
		return fmt.Errorf("tooling.invoke_timeout must be positive")
	}
	return nil
}
