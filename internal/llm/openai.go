package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// openaiRuntime speaks the OpenAI chat API. Pointing BaseURL at a local
// Ollama server (http://localhost:11434/v1) serves on-premise models
// through the same client.
type openaiRuntime struct {
	client *openai.Client
	config Config
}

func newOpenAIRuntime(cfg Config) (Runtime, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	} else if cfg.Backend == "ollama" {
		clientCfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.Model == "" {
		if cfg.Backend == "ollama" {
			cfg.Model = "llama3.1"
		} else {
			cfg.Model = openai.GPT4oMini
		}
	}
	return &openaiRuntime{client: openai.NewClientWithConfig(clientCfg), config: cfg}, nil
}

// Name implements Runtime.
func (r *openaiRuntime) Name() string { return r.config.Backend }

// Chat implements Runtime.
func (r *openaiRuntime) Chat(ctx context.Context, messages []Message) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	turns := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		turns = append(turns, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	resp, err := r.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       r.config.Model,
		Messages:    turns,
		MaxTokens:   r.config.MaxTokens,
		Temperature: r.config.Temperature,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
