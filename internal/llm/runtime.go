// Package llm abstracts the language-model backend behind the Runtime
// capability so the agent core stays vendor-agnostic.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Errors returned by runtimes.
var (
	ErrUnavailable = errors.New("llm backend unavailable")
	ErrTimeout     = errors.New("llm request timeout")
)

// Role tags a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one chat turn sent to the backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Response is the backend's reply. Tool calls are embedded in Text using
// the platform's tool-call surface and extracted by the agent's parser.
type Response struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Runtime is the LlmRuntime capability.
type Runtime interface {
	// Name identifies the backend.
	Name() string

	// Chat sends the conversation and returns the model's reply. The
	// context carries the call's timeout and cancellation.
	Chat(ctx context.Context, messages []Message) (*Response, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend     string        `yaml:"backend"` // anthropic | openai | ollama
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

func (c Config) applyDefaults() Config {
	if c.Backend == "" {
		c.Backend = os.Getenv("NEOTALK_LLM_BACKEND")
	}
	if c.Backend == "" {
		c.Backend = "openai"
	}
	if c.Model == "" {
		c.Model = os.Getenv("NEOTALK_LLM_MODEL")
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// NewRuntime builds the configured backend. The OpenAI-compatible client
// also serves local Ollama deployments through its base URL.
func NewRuntime(cfg Config) (Runtime, error) {
	cfg = cfg.applyDefaults()
	switch cfg.Backend {
	case "anthropic":
		return newAnthropicRuntime(cfg)
	case "openai", "ollama":
		return newOpenAIRuntime(cfg)
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}
