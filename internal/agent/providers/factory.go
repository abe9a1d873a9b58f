package providers

import (
	"fmt"

	"github.com/strandlabs/strand/internal/agent"
)

// Config is the common provider configuration used by New.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New builds a provider by name. Supported names: "anthropic", "openai".
func New(name string, cfg Config) (agent.ModelProvider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig(cfg))
	case "openai":
		return NewOpenAIProvider(OpenAIConfig(cfg))
	default:
		return nil, fmt.Errorf("unknown model provider %q", name)
	}
}
