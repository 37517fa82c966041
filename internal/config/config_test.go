package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into a fresh directory so stray config files are not picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 50, cfg.Guardrails.MaxRequestsPerHour)
	assert.Equal(t, 1536, cfg.Services.OpenAI.Dimensions)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := chdir(t)

	yml := []byte("rag:\n  chunk_size: 800\n  chunk_overlap: 100\nserver:\n  port: 9090\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yml, 0o600))

	t.Setenv("RAGCHAT_SERVER__PORT", "7070")
	t.Setenv("RAGCHAT_SECURITY__ADMIN_USERS", "alice, bob")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.RAG.ChunkSize)
	assert.Equal(t, 100, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 7070, cfg.Server.Port, "environment wins over files")
	assert.Equal(t, []string{"alice", "bob"}, cfg.Security.AdminUsers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }},
		{"negative overlap", func(c *Config) { c.RAG.ChunkOverlap = -1 }},
		{"zero chunk size", func(c *Config) { c.RAG.ChunkSize = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }},
		{"jwt without secret", func(c *Config) { c.Security.AuthMode = "jwt" }},
		{"s3 without bucket", func(c *Config) { c.Blob.Driver = "s3" }},
		{"tls without cert", func(c *Config) { c.Server.TLS.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetDatabaseDSN(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "ragchat.db?_foreign_keys=on", cfg.GetDatabaseDSN())

	cfg.Database.Driver = "postgres"
	cfg.Database.URL = "postgres://localhost/rag"
	assert.Equal(t, "postgres://localhost/rag", cfg.GetDatabaseDSN())
}

func TestGetTLSConfig(t *testing.T) {
	cfg := Defaults()
	assert.Nil(t, cfg.GetTLSConfig())

	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.MinTLS = "1.2"
	tlsCfg := cfg.GetTLSConfig()
	require.NotNil(t, tlsCfg)
	assert.EqualValues(t, 0x0303, tlsCfg.MinVersion)
}

func TestTransformEnv(t *testing.T) {
	k, v := transformEnv("RAGCHAT_SERVICES__OPENAI__API_KEY", "sk-test")
	assert.Equal(t, "services.openai.api_key", k)
	assert.Equal(t, "sk-test", v)
}
