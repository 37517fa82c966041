// Package config provides application configuration management using koanf
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override configuration keys.
// Nested keys use a double underscore: RAGCHAT_SERVICES__OPENAI__API_KEY.
const EnvPrefix = "RAGCHAT_"

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Services   ServicesConfig   `koanf:"services"`
	Redis      RedisConfig      `koanf:"redis"`
	Blob       BlobConfig       `koanf:"blob"`
	RAG        RAGConfig        `koanf:"rag"`
	Guardrails GuardrailsConfig `koanf:"guardrails"`
	Security   SecurityConfig   `koanf:"security"`
	App        AppConfig        `koanf:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string    `koanf:"host"`
	Port         int       `koanf:"port"`
	ReadTimeout  int       `koanf:"read_timeout"`  // seconds
	WriteTimeout int       `koanf:"write_timeout"` // seconds
	CORSOrigins  []string  `koanf:"cors_origins"`
	TLS          TLSConfig `koanf:"tls"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	MinTLS   string `koanf:"min_version"` // "1.2" or "1.3"
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver     string           `koanf:"driver"` // "memory", "sqlite" or "postgres"
	Path       string           `koanf:"path"`
	URL        string           `koanf:"url"`
	MaxConns   int              `koanf:"max_conns"`
	Encryption EncryptionConfig `koanf:"encryption"`
}

// EncryptionConfig holds database encryption settings
type EncryptionConfig struct {
	Enabled bool   `koanf:"enabled"`
	Key     string `koanf:"key"`
}

// ServicesConfig holds external service configuration
type ServicesConfig struct {
	EmbeddingProvider  string          `koanf:"embedding_provider"`  // "openai", "ollama" or "gemini"
	CompletionProvider string          `koanf:"completion_provider"` // "anthropic" or "ollama"
	OpenAI             OpenAIConfig    `koanf:"openai"`
	Anthropic          AnthropicConfig `koanf:"anthropic"`
	Ollama             OllamaConfig    `koanf:"ollama"`
	Gemini             GeminiConfig    `koanf:"gemini"`
}

// OpenAIConfig holds OpenAI embedding configuration
type OpenAIConfig struct {
	APIKey         string `koanf:"api_key"`
	BaseURL        string `koanf:"base_url"`
	EmbeddingModel string `koanf:"embedding_model"`
	Dimensions     int    `koanf:"dimensions"`
	Timeout        int    `koanf:"timeout"` // seconds
}

// AnthropicConfig holds Anthropic completion configuration
type AnthropicConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	Timeout int    `koanf:"timeout"` // seconds
}

// OllamaConfig holds Ollama service configuration
type OllamaConfig struct {
	BaseURL        string `koanf:"base_url"`
	EmbeddingModel string `koanf:"embedding_model"`
	Dimensions     int    `koanf:"dimensions"`
	LLMModel       string `koanf:"llm_model"`
	Timeout        int    `koanf:"timeout"` // seconds
}

// GeminiConfig holds Google Gemini embedding configuration
type GeminiConfig struct {
	APIKey         string `koanf:"api_key"`
	EmbeddingModel string `koanf:"embedding_model"`
	Dimensions     int    `koanf:"dimensions"`
}

// RedisConfig holds the shared rate-limit store connection
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// BlobConfig selects where uploaded files are kept
type BlobConfig struct {
	Driver   string   `koanf:"driver"` // "local" or "s3"
	LocalDir string   `koanf:"local_dir"`
	S3       S3Config `koanf:"s3"`
}

// S3Config holds S3 bucket settings
type S3Config struct {
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Prefix    string `koanf:"prefix"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Endpoint  string `koanf:"endpoint"`
}

// RAGConfig holds chunking, retrieval and completion parameters
type RAGConfig struct {
	ChunkSize        int     `koanf:"chunk_size"`
	ChunkOverlap     int     `koanf:"chunk_overlap"`
	TopK             int     `koanf:"top_k"`
	HistoryMessages  int     `koanf:"history_messages"`
	MaxTokens        int     `koanf:"max_tokens"`
	Temperature      float64 `koanf:"temperature"`
	EmbedConcurrency int     `koanf:"embed_concurrency"`
	EmbedCacheSize   int     `koanf:"embed_cache_size"`
}

// GuardrailsConfig holds process-wide guardrail defaults
type GuardrailsConfig struct {
	MaxRequestsPerHour int `koanf:"max_requests_per_hour"`
}

// SecurityConfig holds security-related settings
type SecurityConfig struct {
	AuthMode   string   `koanf:"auth_mode"` // "mock" or "jwt"
	JWTSecret  string   `koanf:"jwt_secret"`
	ErrorMode  string   `koanf:"error_mode"` // "detailed" or "secure"
	AdminUsers []string `koanf:"admin_users"`
}

// AppConfig holds general application settings
type AppConfig struct {
	Environment string `koanf:"environment"` // "development", "staging", "production"
	LogLevel    string `koanf:"log_level"`   // "debug", "info", "warn", "error"
	LogFormat   string `koanf:"log_format"`  // "text" or "json"
}

// Load loads configuration from multiple sources with precedence:
// 1. config.yaml (if exists)
// 2. config.json (if exists)
// 3. Environment variables, including those read from .env (highest precedence)
func Load() (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	loadConfigFiles(k)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// transformEnv maps RAGCHAT_RAG__CHUNK_SIZE to rag.chunk_size. Comma separated
// values become lists so CORS origins and admin users can be set from the environment.
func transformEnv(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, v
}

// Defaults returns the configuration produced by defaults alone. Tests and the CLI use it
// when no files or environment are wanted.
func Defaults() *Config {
	k := koanf.New(".")
	setDefaults(k)
	var cfg Config
	_ = k.Unmarshal("", &cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		// Server defaults
		"server.host":            "localhost",
		"server.port":            8080,
		"server.read_timeout":    30,
		"server.write_timeout":   120,
		"server.cors_origins":    []string{"http://localhost:3000"},
		"server.tls.enabled":     false,
		"server.tls.min_version": "1.3",

		// Database defaults
		"database.driver":             "sqlite",
		"database.path":               "ragchat.db",
		"database.max_conns":          10,
		"database.encryption.enabled": false,

		// Services defaults
		"services.embedding_provider":      "openai",
		"services.completion_provider":     "anthropic",
		"services.openai.base_url":         "https://api.openai.com/v1",
		"services.openai.embedding_model":  "text-embedding-3-small",
		"services.openai.dimensions":       1536,
		"services.openai.timeout":          30,
		"services.anthropic.base_url":      "https://api.anthropic.com",
		"services.anthropic.model":         "claude-3-5-haiku-latest",
		"services.anthropic.timeout":       60,
		"services.ollama.base_url":         "http://localhost:11434",
		"services.ollama.embedding_model":  "nomic-embed-text",
		"services.ollama.dimensions":       768,
		"services.ollama.llm_model":        "llama3",
		"services.ollama.timeout":          60,
		"services.gemini.embedding_model":  "text-embedding-004",
		"services.gemini.dimensions":       768,

		// Shared stores
		"redis.enabled": false,
		"redis.addr":    "localhost:6379",
		"redis.db":      0,
		"redis.prefix":  "ragchat:ratelimit:",

		"blob.driver":    "local",
		"blob.local_dir": "uploads",
		"blob.s3.prefix": "ragchat",

		// Pipeline defaults
		"rag.chunk_size":        1000,
		"rag.chunk_overlap":     200,
		"rag.top_k":             5,
		"rag.history_messages":  10,
		"rag.max_tokens":        1024,
		"rag.temperature":       0.7,
		"rag.embed_concurrency": 4,
		"rag.embed_cache_size":  2048,

		"guardrails.max_requests_per_hour": 50,

		// Security defaults
		"security.auth_mode":  "mock",
		"security.error_mode": "detailed",

		// App defaults
		"app.environment": "development",
		"app.log_level":   "info",
		"app.log_format":  "text",
	}

	for key, value := range defaults {
		_ = k.Set(key, value) // Ignore error for setting defaults
	}
}

// loadConfigFiles loads configuration from files
func loadConfigFiles(k *koanf.Koanf) {
	if _, err := os.Stat("config.yaml"); err == nil {
		if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
			slog.Warn("failed to load config.yaml", "error", err)
		}
	}

	if _, err := os.Stat("config.json"); err == nil {
		if err := k.Load(file.Provider("config.json"), json.Parser()); err != nil {
			slog.Warn("failed to load config.json", "error", err)
		}
	}
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}
		if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS cert file does not exist: %s", cfg.Server.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.Server.TLS.KeyFile)
		}
	}

	switch cfg.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("database url is required when driver is postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.Database.Encryption.Enabled && cfg.Database.Encryption.Key == "" {
		return fmt.Errorf("database encryption key is required when encryption is enabled")
	}

	if cfg.Security.AuthMode == "jwt" && cfg.Security.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required when auth mode is jwt")
	}

	if cfg.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be positive")
	}
	if cfg.RAG.ChunkOverlap < 0 || cfg.RAG.ChunkOverlap >= cfg.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size)")
	}

	if cfg.Blob.Driver == "s3" && cfg.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob.s3.bucket is required when blob driver is s3")
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	return nil
}

// Validate re-checks a configuration assembled in code.
func (c *Config) Validate() error {
	return validate(c)
}

// GetTLSConfig returns a TLS configuration based on the config
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.Server.TLS.Enabled {
		return nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}

	switch c.Server.TLS.MinTLS {
	case "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	default:
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	return tlsConfig
}

// GetDatabaseDSN returns the database connection string with encryption if enabled
func (c *Config) GetDatabaseDSN() string {
	if c.Database.Driver == "postgres" {
		return c.Database.URL
	}
	if c.Database.Encryption.Enabled {
		// SQLCipher format
		return fmt.Sprintf("%s?_pragma_key=%s&_pragma_cipher_page_size=4096&_foreign_keys=on",
			c.Database.Path, c.Database.Encryption.Key)
	}
	return c.Database.Path + "?_foreign_keys=on"
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Seconds converts one of the integer second settings to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
