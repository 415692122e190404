package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KernelConfig holds configuration for a stridek boot.
type KernelConfig struct {
	LogLevel  string          `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string          `yaml:"log_format"` // text, json
	DBPath    string          `yaml:"db_path"`    // trace database, empty disables tracing
	Addr      string          `yaml:"addr"`       // trace API listen address
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory"`
	Tasks     []TaskSpec      `yaml:"tasks"`
}

// SchedulerConfig tunes the stride scheduler and dispatch loop.
type SchedulerConfig struct {
	BigStride       uint64        `yaml:"big_stride"`
	DefaultPriority uint64        `yaml:"default_priority"`
	IdleBackoff     time.Duration `yaml:"idle_backoff"` // 0 keeps the busy-poll
	Timeout         time.Duration `yaml:"timeout"`      // 0 runs until every task exits
}

// MemoryConfig sizes physical memory.
type MemoryConfig struct {
	Frames uint64 `yaml:"frames"`
}

// TaskSpec describes one task (or Count identical tasks) of a workload.
type TaskSpec struct {
	Name       string `yaml:"name"`
	Priority   uint64 `yaml:"priority"`
	Count      int    `yaml:"count"`
	Program    string `yaml:"program"`    // builtin program name
	Iterations int    `yaml:"iterations"` // passed to builtins and scripts
	Script     string `yaml:"script"`     // JavaScript body, replaces Program
}

// DefaultKernelConfig returns sensible defaults.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Addr:      ":8080",
		Scheduler: SchedulerConfig{
			BigStride:       65536,
			DefaultPriority: 16,
		},
		Memory: MemoryConfig{Frames: 4096},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (KernelConfig, error) {
	cfg := DefaultKernelConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the kernel cannot run with.
func (c *KernelConfig) Validate() error {
	if c.Scheduler.BigStride == 0 {
		return fmt.Errorf("scheduler.big_stride must be positive")
	}
	if c.Scheduler.DefaultPriority < 2 {
		return fmt.Errorf("scheduler.default_priority must be at least 2, got %d", c.Scheduler.DefaultPriority)
	}
	if c.Memory.Frames == 0 {
		return fmt.Errorf("memory.frames must be positive")
	}
	names := make(map[string]bool)
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if names[t.Name] {
			return fmt.Errorf("tasks[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true
		if t.Priority == 1 {
			return fmt.Errorf("tasks[%d] %s: priority must be at least 2", i, t.Name)
		}
		if t.Count < 0 {
			return fmt.Errorf("tasks[%d] %s: count must not be negative", i, t.Name)
		}
		if t.Program == "" && t.Script == "" {
			return fmt.Errorf("tasks[%d] %s: program or script is required", i, t.Name)
		}
	}
	return nil
}
