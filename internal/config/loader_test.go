package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9191
chunking:
  target_chars: 2000
  max_chars: 3000
retrieval:
  top_k: 8
  alpha: 0.6
  beta: 0.4
generation:
  provider: anthropic
  model: claude-test
  api_key: sk-ant-test
  timeout: 45s
vectorstore:
  provider: qdrant
  qdrant:
    host: qdrant.internal
    port: 6400
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 2000, cfg.Chunking.TargetChars)
	assert.Equal(t, 3000, cfg.Chunking.MaxChars)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.6, cfg.Retrieval.Alpha, 1e-9)
	assert.Equal(t, "anthropic", cfg.Generation.Provider)
	assert.Equal(t, "sk-ant-test", cfg.Generation.APIKey.Value())
	assert.Equal(t, 45*time.Second, cfg.Generation.Timeout.Duration())
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, 6400, cfg.VectorStore.Qdrant.Port)
	// untouched sections still get defaults
	assert.Equal(t, 64, cfg.Embeddings.BatchSize)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9191\n", 0600)

	t.Setenv("SESSIONRAG_SERVER_PORT", "7070")
	t.Setenv("SESSIONRAG_RETRIEVAL_TOP_K", "12")
	t.Setenv("SESSIONRAG_EMBEDDINGS_TIMEOUT", "5s")
	t.Setenv("SESSIONRAG_VECTORSTORE_CHROMEM_PATH", "/var/lib/sessionrag")
	t.Setenv("SESSIONRAG_GENERATION_MAX_REPAIRS", "0")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 12, cfg.Retrieval.TopK)
	assert.Equal(t, 5*time.Second, cfg.Embeddings.Timeout.Duration())
	assert.Equal(t, "/var/lib/sessionrag", cfg.VectorStore.Chromem.Path)
	assert.Equal(t, 0, cfg.Generation.MaxRepairs)
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [port: 1\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestLoadWithFile_Validation(t *testing.T) {
	path := writeConfig(t, "retrieval:\n  alpha: 0.9\n  beta: 0.9\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "server:\n  port: 9191\n", 0666)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	path := writeConfig(t, "# "+strings.Repeat("x", maxConfigFileSize)+"\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file too large")
}

func TestConfig_UnmarshalSection(t *testing.T) {
	path := writeConfig(t, "logging:\n  format: console\n", 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	out := struct {
		Format string `koanf:"format"`
		Level  string `koanf:"level"`
	}{Level: "info"}
	require.NoError(t, cfg.Unmarshal("logging", &out))
	assert.Equal(t, "console", out.Format)
	assert.Equal(t, "info", out.Level)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"SESSIONRAG_SERVER_PORT":             "server.port",
		"SESSIONRAG_CHUNKING_TARGET_CHARS":   "chunking.target_chars",
		"SESSIONRAG_VECTORSTORE_QDRANT_HOST": "vectorstore.qdrant.host",
		"SESSIONRAG_VECTORSTORE_PROVIDER":    "vectorstore.provider",
		"SESSIONRAG_LOGGING_CALLER_ENABLED":  "logging.caller.enabled",
		"SESSIONRAG_DEBUG":                   "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
