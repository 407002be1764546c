package archive

import (
	"fmt"
	"strings"

	"github.com/philippgille/chromem-go"
)

const (
	defaultOpenAIModel = "text-embedding-3-small"
	defaultOllamaModel = "nomic-embed-text"
	defaultOllamaURL   = "http://localhost:11434/api"
)

// EmbedderConfig selects an embedding provider. Provider "" or "none"
// disables embeddings.
type EmbedderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// NewEmbedder returns the chromem embedding function for cfg, or nil when
// embeddings are disabled.
func NewEmbedder(cfg EmbedderConfig) (chromem.EmbeddingFunc, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embeddings need an api key")
		}
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		if cfg.BaseURL != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(cfg.BaseURL, cfg.APIKey, model, nil), nil
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI(model)), nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		url := cfg.BaseURL
		if url == "" {
			url = defaultOllamaURL
		}
		return chromem.NewEmbeddingFuncOllama(model, url), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
