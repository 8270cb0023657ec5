package agent

import (
	"time"
)

// AgentConfig controls a single agent instance. Zero values are filled in
// with runtime defaults by normalize, so callers only set what they need.
type AgentConfig struct {
	AgentID   string    `json:"agent_id" yaml:"agent_id"`
	AgentType AgentType `json:"agent_type" yaml:"agent_type"`

	// MaxConcurrentTasks bounds the worker pool. In-flight executions
	// never exceed this value.
	MaxConcurrentTasks int `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`

	// TaskTimeout is the default per-attempt deadline for tasks that do
	// not carry their own timeout.
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout"`

	// RetryDelay seeds the exponential retry backoff. Attempt n after a
	// failure waits RetryDelay * 2^(n-1).
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// HealthCheckInterval is the period of the agent's own health ticker.
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`

	// Advisory resource limits, surfaced in health reports only.
	MaxMemoryMB   int     `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUPercent float64 `json:"max_cpu_percent" yaml:"max_cpu_percent"`

	// CustomConfig carries agent-specific settings opaque to the runtime.
	CustomConfig map[string]interface{} `json:"custom_config,omitempty" yaml:"custom_config,omitempty"`
}

func (c AgentConfig) normalize() AgentConfig {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrent
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthInterval
	}
	if c.CustomConfig == nil {
		c.CustomConfig = map[string]interface{}{}
	}
	return c
}

func (c AgentConfig) validate() error {
	if c.AgentID == "" {
		return NewAgentError(ErrInvalidConfig, "agent_id is required")
	}
	if c.AgentType == "" {
		return NewAgentError(ErrInvalidConfig, "agent_type is required")
	}
	return nil
}
