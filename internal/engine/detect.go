package engine

import "fmt"

// DetectConfig selects and configures a backend.
type DetectConfig struct {
	Backend       string // "openrouter" or "ollama"
	Model         string
	OllamaBaseURL string
	APIKey        string
	BaseURL       string
}

// Detect builds the configured backend.
func Detect(cfg DetectConfig) (Engine, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("no chat model configured")
	}
	switch cfg.Backend {
	case "", "openrouter":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openrouter backend needs an API key")
		}
		return NewOpenRouterEngine(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown chat backend %q", cfg.Backend)
	}
}
