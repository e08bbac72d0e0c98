// Package embedding produces vectors for the tool result archive.
// Backends: Google GenAI (cloud) and Ollama (local).
package embedding

import (
	"context"
	"fmt"
	"io"

	"hobbes/internal/logging"
)

// Provider names accepted by NewEngine.
const (
	ProviderGenAI  = "genai"
	ProviderOllama = "ollama"
	ProviderNone   = "none"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed encodes a document for storage.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedQuery encodes a search query. Backends without a query mode
	// return the same vector as Embed.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Name() string
	io.Closer
}

// Config selects and configures a backend.
type Config struct {
	Provider       string
	Model          string
	APIKey         string
	OllamaEndpoint string
}

// DefaultConfig uses GenAI with gemini-embedding-001.
func DefaultConfig() Config {
	return Config{
		Provider:       ProviderGenAI,
		Model:          defaultGenAIModel,
		OllamaEndpoint: defaultOllamaEndpoint,
	}
}

// NewEngine builds the configured backend. It returns (nil, nil) for the
// "none" provider and for GenAI without an API key, so callers fall back to
// text search.
func NewEngine(ctx context.Context, cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	var (
		engine Engine
		err    error
	)
	switch cfg.Provider {
	case ProviderNone:
		logging.Embedding("embeddings disabled, archive search uses substring matching")
		return nil, nil
	case ProviderGenAI, "":
		if cfg.APIKey == "" {
			logging.Get(logging.CategoryEmbedding).Warn("no API key for genai embeddings, archive search uses substring matching")
			return nil, nil
		}
		engine, err = NewGenAIEngine(ctx, cfg.APIKey, cfg.Model)
	case ProviderOllama:
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use %q, %q or %q)",
			cfg.Provider, ProviderGenAI, ProviderOllama, ProviderNone)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("failed to create embedding engine: %v", err)
		return nil, err
	}
	logging.Embedding("embedding engine ready: %s", engine.Name())
	return engine, nil
}
