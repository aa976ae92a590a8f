package advisor

import (
	"fmt"
	"os"

	"coordinator/pkg/config"
)

// FromConfig builds an advisor from configuration. An empty provider returns
// (nil, nil): the caller runs with deterministic assignment only.
func FromConfig(cfg config.AdvisorConfig) (*LLMAdvisor, error) {
	if cfg.Provider == "" {
		return nil, nil
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	var client PromptClient
	switch cfg.Provider {
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("advisor provider anthropic requires an API key (env %s)", cfg.APIKeyEnv)
		}
		client = NewAnthropicClient(apiKey, cfg.Model)
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("advisor provider openai requires an API key (env %s)", cfg.APIKeyEnv)
		}
		client = NewOpenAIClient(apiKey, cfg.Model)
	case "ollama":
		client = NewOllamaClient(cfg.Host, cfg.Model)
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("advisor provider gemini requires an API key (env %s)", cfg.APIKeyEnv)
		}
		client = NewGeminiClient(apiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown advisor provider: %s", cfg.Provider)
	}
	return New(client), nil
}
