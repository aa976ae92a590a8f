// Package config loads and validates coordinator configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig tunes the priority forwarding queue.
type QueueConfig struct {
	Enabled           bool `yaml:"enabled"`
	BatchSize         int  `yaml:"batch_size"`
	ProcessingDelayMs int  `yaml:"processing_delay_ms"`
	MaxQueueSize      int  `yaml:"max_queue_size"`
	MaxRetries        int  `yaml:"max_retries"`
}

// ProcessingDelay returns the drain tick interval.
func (q QueueConfig) ProcessingDelay() time.Duration {
	return time.Duration(q.ProcessingDelayMs) * time.Millisecond
}

// AdvisorConfig selects the optional LLM assignment backend. An empty
// provider disables the advisor entirely; assignment then always uses the
// deterministic fallback.
type AdvisorConfig struct {
	Provider  string `yaml:"provider"` // anthropic | openai | ollama | gemini | ""
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	Host      string `yaml:"host"` // ollama only
}

// AssignmentConfig tunes intelligent assignment and workload analysis.
type AssignmentConfig struct {
	LLMConfidenceThreshold float64       `yaml:"llm_confidence_threshold"`
	MaxTasksPerAgent       int           `yaml:"max_tasks_per_agent"`
	AgentOverloadThreshold int           `yaml:"agent_overload_threshold"`
	Advisor                AdvisorConfig `yaml:"advisor"`
}

// StoreConfig locates the durable task store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the observability listener and optional
// Prometheus query backend.
type MetricsConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// EventLogConfig locates the JSONL event log.
type EventLogConfig struct {
	Dir string `yaml:"dir"`
}

// Config is the root configuration. Construct via Load or Default; there is
// no package-level instance.
type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	EventLog   EventLogConfig   `yaml:"eventlog"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Enabled:           true,
			BatchSize:         10,
			ProcessingDelayMs: 5,
			MaxQueueSize:      1000,
			MaxRetries:        3,
		},
		Assignment: AssignmentConfig{
			LLMConfidenceThreshold: 0.7,
			MaxTasksPerAgent:       5,
			AgentOverloadThreshold: 3,
		},
		Store:    StoreConfig{Path: "coordinator.db"},
		Metrics:  MetricsConfig{ListenAddr: ":9090"},
		EventLog: EventLogConfig{Dir: "logs"},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.ProcessingDelayMs <= 0 {
		return fmt.Errorf("queue.processing_delay_ms must be positive, got %d", c.Queue.ProcessingDelayMs)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be positive, got %d", c.Queue.MaxQueueSize)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Assignment.LLMConfidenceThreshold < 0 || c.Assignment.LLMConfidenceThreshold > 1 {
		return fmt.Errorf("assignment.llm_confidence_threshold must be in [0,1], got %f",
			c.Assignment.LLMConfidenceThreshold)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	switch c.Assignment.Advisor.Provider {
	case "", "anthropic", "openai", "ollama", "gemini":
	default:
		return fmt.Errorf("unknown advisor provider: %s", c.Assignment.Advisor.Provider)
	}
	return nil
}
