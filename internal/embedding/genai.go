package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"hobbes/internal/logging"
	"hobbes/internal/usage"
)

const defaultGenAIModel = "gemini-embedding-001"

// Gemini embedding task types.
const (
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// GenAIEngine generates embeddings with the Gemini API. Documents and queries
// use the retrieval task types so stored results rank well against questions.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates a GenAI engine. model defaults to gemini-embedding-001.
func NewGenAIEngine(ctx context.Context, apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = defaultGenAIModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEngine{client: client, model: model}, nil
}

// Embed encodes text as a RETRIEVAL_DOCUMENT.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, taskRetrievalDocument)
}

// EmbedQuery encodes text as a RETRIEVAL_QUERY.
func (e *GenAIEngine) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embed(ctx, text, taskRetrievalQuery)
}

func (e *GenAIEngine) embed(ctx context.Context, text, task string) ([]float32, error) {
	logging.EmbeddingDebug("genai embed: model=%s task=%s chars=%d", e.model, task, len(text))
	result, err := e.client.Models.EmbedContent(ctx, e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: task},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	usage.TrackFromContext(ctx, e.model, estimateTokens(text), 0, usage.OperationEmbedding)
	return result.Embeddings[0].Values, nil
}

// Name returns "genai:<model>".
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}

// Close is a no-op; the genai client holds no resources that need releasing.
func (e *GenAIEngine) Close() error { return nil }

// estimateTokens approximates token count at four characters per token.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
