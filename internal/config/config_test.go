package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server addr default: %q", cfg.Server.Addr)
	}
	if cfg.Transform.DebounceMs != 100 {
		t.Errorf("debounce default: %d", cfg.Transform.DebounceMs)
	}
	if cfg.Storage.RetentionSweepCron != "@hourly" {
		t.Errorf("retention sweep default: %q", cfg.Storage.RetentionSweepCron)
	}
	if cfg.DebounceWindow() != 100*time.Millisecond {
		t.Errorf("debounce window: %v", cfg.DebounceWindow())
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9999"
mqtt:
  enabled: true
  broker_url: "tcp://broker:1883"
transform:
  debounce_ms: 250
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.MQTT.BrokerURL != "tcp://broker:1883" || cfg.Transform.DebounceMs != 250 {
		t.Errorf("config not applied: %+v", cfg)
	}
}

func TestValidateRejectsMQTTWithoutBroker(t *testing.T) {
	cfg := &Config{MQTT: MQTTConfig{Enabled: true}}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("mqtt without broker should fail validation")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NEOTALK_LLM_BACKEND", "ollama")
	t.Setenv("NEOTALK_LLM_MODEL", "llama3.1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Backend != "ollama" || cfg.LLM.Model != "llama3.1" {
		t.Errorf("env overrides not applied: %+v", cfg.LLM)
	}
}
