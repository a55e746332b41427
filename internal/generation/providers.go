package generation

import (
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrUnsupportedProvider is returned for an unknown provider name.
var ErrUnsupportedProvider = errors.New("unsupported chat provider")

// ProviderConfig selects and configures a chat model.
type ProviderConfig struct {
	// Provider is "openai" (any OpenAI-compatible server), "anthropic" or "ollama".
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
}

// NewChatModel creates the langchaingo model for cfg.
func NewChatModel(cfg ProviderConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai", "":
		return createOpenAILLM(cfg)
	case "anthropic":
		return createAnthropicLLM(cfg)
	case "ollama":
		return createOllamaLLM(cfg)
	default:
		return nil, fmt.Errorf("%w: %q (supported: openai, anthropic, ollama)", ErrUnsupportedProvider, cfg.Provider)
	}
}

func createOpenAILLM(cfg ProviderConfig) (llms.Model, error) {
	// Local OpenAI-compatible servers ignore the key, but the client
	// refuses to start without one.
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

func createAnthropicLLM(cfg ProviderConfig) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		opts = append(opts, anthropic.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return anthropic.New(opts...)
}

func createOllamaLLM(cfg ProviderConfig) (llms.Model, error) {
	opts := []ollama.Option{
		ollama.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	return ollama.New(opts...)
}
