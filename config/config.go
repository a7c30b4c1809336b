package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the docchat service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the completion/embedding provider configuration
type LLMConfig struct {
	Provider        string        `mapstructure:"provider"` // openai
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// ChunkingConfig controls how ingested documents are split into passages
type ChunkingConfig struct {
	TargetSize int `mapstructure:"target_size"`
	Overlap    int `mapstructure:"overlap"`
	MinSize    int `mapstructure:"min_size"`
	MaxSize    int `mapstructure:"max_size"`
}

// RetrievalConfig controls passage retrieval and prompt budgeting
type RetrievalConfig struct {
	TopK            int     `mapstructure:"top_k"`
	SimilarityFloor float64 `mapstructure:"similarity_floor"`
	MaxPassages     int     `mapstructure:"max_passages"`
	MaxContextChars int     `mapstructure:"max_context_chars"`
}

// ChatConfig controls the conversation-context cache and per-turn limits
type ChatConfig struct {
	CacheBackend        string        `mapstructure:"cache_backend"` // memory or redis
	MaxMessagesPerChat  int           `mapstructure:"max_messages_per_chat"`
	MaxSessions         int           `mapstructure:"max_sessions"`
	IdleTTL             time.Duration `mapstructure:"idle_ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	HistoryTurns        int           `mapstructure:"history_turns"`
	HistoryTurnMaxChars int           `mapstructure:"history_turn_max_chars"`
	MaxMessageChars     int           `mapstructure:"max_message_chars"`
}

// StorageConfig contains durable storage endpoints
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains the Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains the Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Normalize applies defaults for unset chunking values.
func (c ChunkingConfig) Normalize() ChunkingConfig {
	if c.TargetSize <= 0 {
		c.TargetSize = 1000
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.MinSize <= 0 {
		c.MinSize = 100
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 2500
	}
	return c
}

// Normalize applies defaults for unset retrieval values.
func (c RetrievalConfig) Normalize() RetrievalConfig {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.SimilarityFloor < 0 {
		c.SimilarityFloor = 0
	}
	if c.MaxPassages <= 0 {
		c.MaxPassages = 8
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = 12000
	}
	return c
}

// Normalize applies defaults for unset chat/cache values.
func (c ChatConfig) Normalize() ChatConfig {
	if c.CacheBackend == "" {
		c.CacheBackend = "memory"
	}
	if c.MaxMessagesPerChat <= 0 {
		c.MaxMessagesPerChat = 20
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1000
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	if c.HistoryTurnMaxChars <= 0 {
		c.HistoryTurnMaxChars = 400
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = 4000
	}
	return c
}

// Validate checks the chat configuration.
func (c ChatConfig) Validate() error {
	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("chat.cache_backend must be memory or redis, got %q", c.CacheBackend)
	}
	if c.MaxMessagesPerChat%2 != 0 {
		return fmt.Errorf("chat.max_messages_per_chat must be even (turns are appended in pairs)")
	}
	return nil
}

// Validate checks the LLM configuration.
func (c LLMConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0,2]")
	}
	return nil
}

// LoadConfig reads configuration from file and environment (DOCCHAT_* overrides)
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.completion_model", "gpt-4o-mini")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.timeout", 30*time.Second)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DOCCHAT")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus env cover every tunable; only a malformed file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Chunking = config.Chunking.Normalize()
	config.Retrieval = config.Retrieval.Normalize()
	config.Chat = config.Chat.Normalize()

	if err := config.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := config.Chat.Validate(); err != nil {
		panic(err)
	}

	return &config
}
