// Package config loads the runtime configuration from YAML with
// environment variable overrides for deploy-time settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/feldboy/roncrm1-sub000/agent"
)

// Config is the root configuration document.
type Config struct {
	Logging  LoggingConfig `yaml:"logging"`
	API      APIConfig     `yaml:"api"`
	Webhooks WebhookConfig `yaml:"webhooks"`
	Agents   []AgentSpec   `yaml:"agents"`
}

// LoggingConfig controls the shared logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig controls the HTTP control surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebhookConfig controls outbound webhook notifications.
type WebhookConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-request webhook timeout.
func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AgentSpec declares one agent population to start at boot.
type AgentSpec struct {
	Type                       string                 `yaml:"type"`
	Count                      int                    `yaml:"count"`
	MaxConcurrentTasks         int                    `yaml:"max_concurrent_tasks"`
	TaskTimeoutSeconds         int                    `yaml:"task_timeout_seconds"`
	RetryDelaySeconds          int                    `yaml:"retry_delay_seconds"`
	HealthCheckIntervalSeconds int                    `yaml:"health_check_interval_seconds"`
	Custom                     map[string]interface{} `yaml:"custom"`
}

// AgentConfig converts the declaration into a runtime agent configuration
// template. The agent id is left empty so the registry generates one per
// instance.
func (s AgentSpec) AgentConfig() agent.AgentConfig {
	return agent.AgentConfig{
		AgentType:           agent.AgentType(s.Type),
		MaxConcurrentTasks:  s.MaxConcurrentTasks,
		TaskTimeout:         time.Duration(s.TaskTimeoutSeconds) * time.Second,
		RetryDelay:          time.Duration(s.RetryDelaySeconds) * time.Second,
		HealthCheckInterval: time.Duration(s.HealthCheckIntervalSeconds) * time.Second,
		CustomConfig:        s.Custom,
	}
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		API:     APIConfig{Host: "0.0.0.0", Port: 8000},
		Webhooks: WebhookConfig{
			TimeoutSeconds: 10,
			MaxRetries:     3,
		},
	}
}

// Load reads a YAML file, fills defaults, and applies environment
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Webhooks.URL = v
		cfg.Webhooks.Enabled = true
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Webhooks.Enabled && c.Webhooks.URL == "" {
		return fmt.Errorf("webhooks.enabled requires webhooks.url")
	}
	for i, spec := range c.Agents {
		if spec.Type == "" {
			return fmt.Errorf("agents[%d]: type is required", i)
		}
		if spec.Count < 0 {
			return fmt.Errorf("agents[%d]: count must be non-negative", i)
		}
	}
	return nil
}
