// Package providers implements model backend integrations. Each provider
// adapts one vendor SDK to the agent.ModelProvider interface: blocking
// completion plus token streaming, with failures classified for the retry
// policy in the response loop.
package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/strandlabs/strand/internal/agent"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider adapts the Anthropic Messages API. Safe for concurrent
// use; each Stream call owns an independent SSE stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) params(req *agent.CompletionRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == agent.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// Complete issues a blocking completion call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	message, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &agent.CompletionResponse{
		Text:       text.String(),
		StopReason: string(message.StopReason),
		Usage: agent.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// Stream issues a streaming completion call. The returned channel closes
// after a ChunkDone or an error chunk.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))
	chunks := make(chan *agent.CompletionChunk, 16)

	go func() {
		defer close(chunks)

		usage := agent.Usage{}
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.PromptTokens = int(start.Message.Usage.InputTokens)

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					select {
					case chunks <- &agent.CompletionChunk{Type: agent.ChunkText, Text: delta.Text}:
					case <-ctx.Done():
						return
					}
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.CompletionTokens = int(delta.Usage.OutputTokens)
				}

			case "message_stop":
				chunks <- &agent.CompletionChunk{Type: agent.ChunkDone, Usage: &usage}
				return
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- &agent.CompletionChunk{Type: agent.ChunkDone, Err: p.wrapError(err, req.Model)}
		}
	}()

	return chunks, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *agent.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return agent.NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
	}
	return agent.NewProviderError("anthropic", model, err)
}
