package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicRuntime backs the Runtime capability with the Anthropic API.
type anthropicRuntime struct {
	client anthropic.Client
	config Config
}

func newAnthropicRuntime(cfg Config) (Runtime, error) {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_0)
	}
	return &anthropicRuntime{client: anthropic.NewClient(opts...), config: cfg}, nil
}

// Name implements Runtime.
func (r *anthropicRuntime) Name() string { return "anthropic" }

// Chat implements Runtime.
func (r *anthropicRuntime) Chat(ctx context.Context, messages []Message) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	var system string
	var turns []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.config.Model),
		MaxTokens: int64(r.config.MaxTokens),
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	reply, err := r.client.Messages.New(callCtx, params)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var text string
	for _, block := range reply.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Response{
		Text:         text,
		Model:        string(reply.Model),
		InputTokens:  int(reply.Usage.InputTokens),
		OutputTokens: int(reply.Usage.OutputTokens),
	}, nil
}
