package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "api key",
			env:  map[string]string{"GEMINI_API_KEY": "env-key"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "env-key", cfg.LLM.APIKey)
			},
		},
		{
			name: "model",
			env:  map[string]string{"HOBBES_MODEL": "gemini-2.5-flash"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
			},
		},
		{
			name: "data dir and db",
			env:  map[string]string{"HOBBES_DATA_DIR": "/tmp/hb", "HOBBES_DB": "chat.db"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, filepath.Join("/tmp/hb", "chat.db"), cfg.DatabasePath())
			},
		},
		{
			name: "embedding provider",
			env:  map[string]string{"HOBBES_EMBEDDING_PROVIDER": "ollama"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "ollama", cfg.Embedding.Provider)
				assert.Equal(t, "http://localhost:11434", cfg.Embedding.OllamaEndpoint)
			},
		},
		{
			name: "project folder",
			env:  map[string]string{"HOBBES_PROJECT_FOLDER": "/src"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/src", cfg.ProjectFolder)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"GEMINI_API_KEY", "HOBBES_MODEL", "HOBBES_DATA_DIR", "HOBBES_DB", "HOBBES_PROJECT_FOLDER", "HOBBES_EMBEDDING_PROVIDER"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "file-key"
	require.NoError(t, cfg.Save(path))

	t.Setenv("GEMINI_API_KEY", "env-key")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", loaded.LLM.APIKey)
}
