// Package config loads the platform's YAML configuration with per-concern
// sections, defaults, and environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neotalk/neotalk/internal/llm"
	"github.com/neotalk/neotalk/internal/sandbox"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Transform TransformConfig `yaml:"transform"`
	LLM       llm.Config      `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig configures the persistent stores.
type StorageConfig struct {
	DataDir            string `yaml:"data_dir"`
	RetentionSweepCron string `yaml:"retention_sweep"`
}

// MQTTConfig configures the MQTT and HASS-discovery adapters.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Discovery bool   `yaml:"discovery"`
}

// TransformConfig configures the transform engine.
type TransformConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// AgentConfig configures the conversational agent.
type AgentConfig struct {
	MaxChainDepth int  `yaml:"max_chain_depth"`
	MemoryTokens  int  `yaml:"memory_tokens"`
	Consolidate   bool `yaml:"consolidate_every_turn"`
}

// SandboxConfig configures the wasm sandbox.
type SandboxConfig struct {
	ModuleDir string         `yaml:"module_dir"`
	Watch     bool           `yaml:"watch"`
	Limits    sandbox.Limits `yaml:"limits"`
}

// AlertsConfig configures notification channels.
type AlertsConfig struct {
	Console  bool            `yaml:"console"`
	Webhooks []WebhookTarget `yaml:"webhooks"`
}

// WebhookTarget is one outbound alert webhook.
type WebhookTarget struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// Load reads the config file (optional) and applies defaults and env
// overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.RetentionSweepCron == "" {
		c.Storage.RetentionSweepCron = "@hourly"
	}
	if c.Transform.DebounceMs <= 0 {
		c.Transform.DebounceMs = 100
	}
	if c.Agent.MaxChainDepth <= 0 {
		c.Agent.MaxChainDepth = 5
	}
	if c.Agent.MemoryTokens <= 0 {
		c.Agent.MemoryTokens = 4000
	}
	if !c.Alerts.Console {
		c.Alerts.Console = true
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NEOTALK_SERVER_URL"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("NEOTALK_MQTT_BROKER"); v != "" {
		c.MQTT.BrokerURL = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("NEOTALK_LLM_BACKEND"); v != "" {
		c.LLM.Backend = v
	}
	if v := os.Getenv("NEOTALK_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
}

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt enabled without broker_url")
	}
	if c.Transform.DebounceMs < 0 {
		return fmt.Errorf("transform.debounce_ms must be non-negative")
	}
	return nil
}

// DebounceWindow returns the transform debounce window.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Transform.DebounceMs) * time.Millisecond
}
