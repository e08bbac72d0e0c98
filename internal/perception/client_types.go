package perception

import (
	"time"

	"hobbes/internal/prompt"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SummaryModel string
	// Timeout bounds connection setup and response headers of a stream,
	// and the whole call for non-streaming requests.
	Timeout        time.Duration
	RequestsPerSec float64
}

// DefaultGeminiConfig returns sensible defaults for Gemini.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:         apiKey,
		BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
		Model:          "gemini-2.5-pro",
		SummaryModel:   "gemini-1.5-flash-latest",
		Timeout:        120 * time.Second,
		RequestsPerSec: 10,
	}
}

// GeminiRequest is the streamGenerateContent request body.
type GeminiRequest struct {
	Contents          []prompt.Content        `json:"contents"`
	SystemInstruction *prompt.Content         `json:"systemInstruction,omitempty"`
	Tools             []prompt.Tool           `json:"tools,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiGenerationConfig represents generation parameters.
type GeminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// GeminiErrorBody is the error envelope returned with non-200 statuses.
type GeminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
