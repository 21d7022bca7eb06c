package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, 1024, cfg.Qdrant.VectorSize)
	assert.False(t, cfg.Qdrant.SparseVectors)
	assert.Equal(t, "bgem3", cfg.Embedding.Provider)
	assert.Equal(t, 64, cfg.Embedding.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.EmbeddingTTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.SearchTTL)
	assert.Equal(t, time.Hour, cfg.Cache.SessionTTL)
	assert.Equal(t, 20, cfg.Session.MaxFiles)
	assert.Equal(t, 50, cfg.Session.MaxQueries)
	assert.Contains(t, cfg.Index.ExcludePatterns, "node_modules")
}

func TestLoadFileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  http_port: 9999\nqdrant:\n  vector_size: 384\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 384, cfg.Qdrant.VectorSize)
	// untouched sections keep defaults
	assert.Equal(t, "bgem3", cfg.Embedding.Provider)
}

func TestLegacyEnvOverride(t *testing.T) {
	t.Setenv("PROJECT_NAME", "myproj")
	t.Setenv("VECTOR_SIZE", "768")
	t.Setenv("SPARSE_VECTORS_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "myproj", cfg.Project.Name)
	assert.Equal(t, 768, cfg.Qdrant.VectorSize)
	assert.True(t, cfg.Qdrant.SparseVectors)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestPrefixedEnvOverride(t *testing.T) {
	t.Setenv("RECALLD_SERVER_HTTP_PORT", "7777")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Embedding.Provider = "word2vec"
	assert.Error(t, cfg.Validate())

	cfg.Embedding.Provider = "ollama"
	cfg.LLM.Provider = "bard"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadVectorSize(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Qdrant.VectorSize = 0
	assert.Error(t, cfg.Validate())
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret-token")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-secret-token", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret-token")

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}
