package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration. Values come from
// compass.yaml, COMPASS_* environment variables, and defaults, in that
// order of increasing precedence for env over file.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Session   SessionConfig   `mapstructure:"session"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig configures the postgres-backed stores. An empty URL selects
// the in-memory stores (development and tests).
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// AgentConfig bounds the conversational tool-calling loop.
type AgentConfig struct {
	MaxIterations    int           `mapstructure:"max_iterations"`
	ModelCallTimeout time.Duration `mapstructure:"model_call_timeout"`
	HistoryWindow    int           `mapstructure:"history_window"`
	MaxPromptTokens  int           `mapstructure:"max_prompt_tokens"`
}

// WorkerConfig bounds the background task worker.
type WorkerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"` // "openai" or "mock"
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// RetrievalConfig configures the hybrid retriever and its indexes.
type RetrievalConfig struct {
	KnowledgePath  string  `mapstructure:"knowledge_path"`
	PersistPath    string  `mapstructure:"persist_path"`
	VectorWeight   float64 `mapstructure:"vector_weight"`
	GraphWeight    float64 `mapstructure:"graph_weight"`
	EmbedProvider  string  `mapstructure:"embed_provider"` // "openai" or "mock"
	EmbedModel     string  `mapstructure:"embed_model"`
	EmbedCacheSize int     `mapstructure:"embed_cache_size"`
}

// SessionConfig governs conversation session housekeeping.
type SessionConfig struct {
	IdleArchiveAfter time.Duration `mapstructure:"idle_archive_after"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.url", "")
	v.SetDefault("agent.max_iterations", 6)
	v.SetDefault("agent.model_call_timeout", 60*time.Second)
	v.SetDefault("agent.history_window", 40)
	v.SetDefault("agent.max_prompt_tokens", 24000)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.max_concurrent", 4)
	v.SetDefault("worker.stale_threshold", 10*time.Minute)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("retrieval.knowledge_path", "knowledge.yaml")
	v.SetDefault("retrieval.persist_path", "")
	v.SetDefault("retrieval.vector_weight", 0.6)
	v.SetDefault("retrieval.graph_weight", 0.4)
	v.SetDefault("retrieval.embed_provider", "mock")
	v.SetDefault("retrieval.embed_model", "text-embedding-3-small")
	v.SetDefault("retrieval.embed_cache_size", 10000)
	v.SetDefault("session.idle_archive_after", 30*24*time.Hour)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from the given file path (optional) plus
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COMPASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("compass")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.compass")
		if err := v.ReadInConfig(); err != nil {
			// Missing file is fine; defaults and env apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations)
	}
	if c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be >= 1, got %d", c.Worker.MaxConcurrent)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive, got %v", c.Worker.PollInterval)
	}
	total := c.Retrieval.VectorWeight + c.Retrieval.GraphWeight
	if total <= 0 {
		return fmt.Errorf("retrieval weights must sum to a positive value, got %v", total)
	}
	return nil
}
