package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all hobbes configuration.
type Config struct {
	Name string `yaml:"name"`

	// DataDir holds the database and logs.
	DataDir string `yaml:"data_dir"`
	// ProjectFolder is appended to the filesystem MCP server command.
	ProjectFolder string `yaml:"project_folder"`

	LLM          LLMConfig          `yaml:"llm"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Chat         ChatConfig         `yaml:"chat"`
	Stream       StreamConfig       `yaml:"stream"`
	Tools        ToolsConfig        `yaml:"tools"`
	Permissions  PermissionsConfig  `yaml:"permissions"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Store        StoreConfig        `yaml:"store"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LLMConfig configures the Gemini endpoint.
type LLMConfig struct {
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	SummaryModel   string  `yaml:"summary_model"`
	BaseURL        string  `yaml:"base_url"`
	Timeout        string  `yaml:"timeout"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
}

// EmbeddingConfig selects the backend that vectorizes archived tool results.
// The genai provider reuses llm.api_key.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // genai, ollama or none
	Model          string `yaml:"model"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
}

// ChatConfig shapes the prompt and the turn loop.
type ChatConfig struct {
	Persona                 string `yaml:"persona"`
	ForceToolUseInstruction string `yaml:"force_tool_use_instruction"`
	HistoryWindow           int    `yaml:"history_window"`
	MaxFollowupDepth        int    `yaml:"max_followup_depth"`
	SummaryWindow           int    `yaml:"summary_window"`
	SummarizeAfterTurn      bool   `yaml:"summarize_after_turn"`
}

// StreamConfig bounds malformed-call retries.
type StreamConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	RetryDelay  string `yaml:"retry_delay"`
}

// ToolsConfig configures dispatch.
type ToolsConfig struct {
	MaxConcurrent   int    `yaml:"max_concurrent"`
	ApprovalTimeout string `yaml:"approval_timeout"`
	ArchiveTimeout  string `yaml:"archive_timeout"`
	// DefaultCategory is the permission category for tools without a rule.
	DefaultCategory string `yaml:"default_category"`
	// Categories maps "server/tool", "server/*" or "tool" to a permission category.
	Categories map[string]string `yaml:"categories"`
}

// PermissionsConfig mirrors the desktop client's permission settings.
type PermissionsConfig struct {
	AutoApprovalEnabled bool            `yaml:"auto_approval_enabled"`
	Granular            map[string]bool `yaml:"granular"`
	MaxRequests         int             `yaml:"max_requests"`
	MaxCost             float64         `yaml:"max_cost"`
	CostPerCall         float64         `yaml:"cost_per_call"`
}

// StoreConfig selects the SQLite driver and file.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite (modernc) or sqlite3 (mattn, cgo)
	Path   string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

const (
	DefaultPersona                 = "You are Hobbes, a helpful AI assistant."
	DefaultForceToolUseInstruction = "You must always use the provided tools to answer the user's request, even if you think you know the answer. Do not answer from your own knowledge base when tools are available. When using the fetch tool, you MUST provide markdown links as sources."
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "hobbes",
		DataDir: defaultDataDir(),

		LLM: LLMConfig{
			Model:          "gemini-2.5-pro",
			SummaryModel:   "gemini-1.5-flash-latest",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			Timeout:        "120s",
			RequestsPerSec: 10,
		},

		Embedding: EmbeddingConfig{
			Provider:       "genai",
			Model:          "gemini-embedding-001",
			OllamaEndpoint: "http://localhost:11434",
		},

		Chat: ChatConfig{
			Persona:                 DefaultPersona,
			ForceToolUseInstruction: DefaultForceToolUseInstruction,
			HistoryWindow:           4,
			MaxFollowupDepth:        4,
			SummaryWindow:           5,
			SummarizeAfterTurn:      true,
		},

		Stream: StreamConfig{
			MaxAttempts: 2,
			RetryDelay:  "1s",
		},

		Tools: ToolsConfig{
			MaxConcurrent:   8,
			ApprovalTimeout: "5m",
			ArchiveTimeout:  "10s",
			DefaultCategory: "mcp",
		},

		Permissions: PermissionsConfig{
			MaxRequests: 10,
			MaxCost:     0.50,
			CostPerCall: 0.01,
		},

		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "hobbes.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "hobbes")
	}
	return ".hobbes"
}

// DefaultConfigPath returns <user config dir>/hobbes/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("HOBBES_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if dir := os.Getenv("HOBBES_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if provider := os.Getenv("HOBBES_EMBEDDING_PROVIDER"); provider != "" {
		c.Embedding.Provider = provider
	}
	if path := os.Getenv("HOBBES_DB"); path != "" {
		c.Store.Path = path
	}
	if folder := os.Getenv("HOBBES_PROJECT_FOLDER"); folder != "" {
		c.ProjectFolder = folder
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetRetryDelay returns the delay between malformed-call retries.
func (c *Config) GetRetryDelay() time.Duration {
	return parseDuration(c.Stream.RetryDelay, time.Second)
}

// GetApprovalTimeout returns how long a permission prompt may stay open.
func (c *Config) GetApprovalTimeout() time.Duration {
	return parseDuration(c.Tools.ApprovalTimeout, 5*time.Minute)
}

// GetArchiveTimeout bounds a single archive write.
func (c *Config) GetArchiveTimeout() time.Duration {
	return parseDuration(c.Tools.ArchiveTimeout, 10*time.Second)
}

// DatabasePath resolves Store.Path against DataDir.
func (c *Config) DatabasePath() string {
	if c.Store.Path == ":memory:" || filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, c.Store.Path)
}

// LogsDir returns where log files are written.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ValidEmbeddingProviders lists the accepted embedding.provider values.
var ValidEmbeddingProviders = []string{"genai", "ollama", "none"}

// ValidDrivers lists the SQLite drivers compiled in.
var ValidDrivers = []string{"sqlite", "sqlite3"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("Gemini API key not configured (set GEMINI_API_KEY or llm.api_key)")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must not be empty")
	}
	if c.Chat.HistoryWindow < 0 {
		return fmt.Errorf("chat.history_window must be >= 0, got %d", c.Chat.HistoryWindow)
	}
	if c.Chat.MaxFollowupDepth < 1 {
		return fmt.Errorf("chat.max_followup_depth must be >= 1, got %d", c.Chat.MaxFollowupDepth)
	}
	if c.Stream.MaxAttempts < 1 {
		return fmt.Errorf("stream.max_attempts must be >= 1, got %d", c.Stream.MaxAttempts)
	}
	if c.Tools.MaxConcurrent < 1 {
		return fmt.Errorf("tools.max_concurrent must be >= 1, got %d", c.Tools.MaxConcurrent)
	}
	if c.Permissions.MaxRequests < 0 || c.Permissions.MaxCost < 0 {
		return fmt.Errorf("permission limits must not be negative")
	}

	if !slices.Contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if !slices.Contains(ValidEmbeddingProviders, c.Embedding.Provider) {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidEmbeddingProviders)
	}
	return c.Integrations.Validate()
}
