package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchServiceBehaviour(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Queue.MaxSize)
	assert.Equal(t, 120*time.Second, cfg.JobTimeout())
	assert.Equal(t, 1, cfg.Queue.Workers)
	assert.Equal(t, 18, cfg.Gate.MinWordsBuffer)
	assert.Equal(t, 60, cfg.Gate.MinCharsBuffer)
	assert.Equal(t, 8.0, cfg.Gate.CooldownSeconds)
	assert.Equal(t, 0.55, cfg.Gate.MinAlphaRatio)
	assert.Equal(t, 80, cfg.Memory.MaxChunks)
	assert.Equal(t, 200, cfg.Memory.DedupeWindow)
	assert.Equal(t, 5, cfg.Archive.KRetrieval)
	assert.Equal(t, 500, cfg.Archive.RetentionChunks)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.LLM.Model)
	assert.False(t, cfg.LLMEnabled())
}

func TestYAMLThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
queue:
  max_size: 10
gate:
  min_words_buffer: 5
  keywords:
    - name: pain
      keywords: ["slow", "broken"]
storage:
  backend: sqlite
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("MAX_QUEUE_SIZE", "42")
	t.Setenv("REQUIRE_GROQ", "no")
	t.Setenv("GATE_COOLDOWN_SECONDS", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Queue.MaxSize, "env overrides yaml")
	assert.Equal(t, 5, cfg.Gate.MinWordsBuffer, "yaml overrides default")
	assert.Equal(t, 2.5, cfg.Gate.CooldownSeconds)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	require.Len(t, cfg.Gate.Keywords, 1)
	assert.Equal(t, []string{"slow", "broken"}, cfg.Gate.Keywords[0].Keywords)
	assert.False(t, cfg.LLM.Require)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Queue.MaxSize)
}

func TestRequireGroqWithoutKeyFails(t *testing.T) {
	t.Setenv("REQUIRE_GROQ", "yes")
	t.Setenv("GROQ_API_KEY", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GROQ_API_KEY")
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("MAX_QUEUE_SIZE", "lots")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_QUEUE_SIZE")
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "s3"
	cfg.Queue.MaxSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3")
	assert.Contains(t, err.Error(), "max_size")
}
