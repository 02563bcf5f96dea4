// Package config loads conductor's runtime configuration:
// defaults -> TOML file -> env vars (env wins).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/conductor"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Database  DatabaseConfig  `toml:"database"`
	Routing   RoutingConfig   `toml:"routing"`
	Memory    MemoryConfig    `toml:"memory"`
	Turn      TurnConfig      `toml:"turn"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Observer  ObserverConfig  `toml:"observer"`
	Providers []ProviderSpec  `toml:"providers"`
}

type LLMConfig struct {
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	Dimensions int    `toml:"dimensions"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite file (sqlite driver).
	Path string `toml:"path"`
	// URL is the connection string (postgres driver).
	URL string `toml:"url"`
}

type RoutingConfig struct {
	TopK           int     `toml:"top_k"`
	Overfetch      int     `toml:"overfetch"`
	HighConfidence float32 `toml:"high_confidence"`
	LowConfidence  float32 `toml:"low_confidence"`
}

type MemoryConfig struct {
	MaxPerspectives  int `toml:"max_perspectives"`
	RecallTimeoutSec int `toml:"recall_timeout_sec"`
	DefaultTTLSec    int `toml:"default_ttl_sec"`
}

type TurnConfig struct {
	MaxSteps        int `toml:"max_steps"`
	CritiqueRetries int `toml:"critique_retries"`
	HistoryCap      int `toml:"history_cap"`
}

type GatewayConfig struct {
	MaxFailures      int `toml:"max_failures"`
	CooldownSec      int `toml:"cooldown_sec"`
	InvokeTimeoutSec int `toml:"invoke_timeout_sec"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// ProviderSpec declares a tool provider binary to register at startup.
type ProviderSpec struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1"},
		Embedding: EmbeddingConfig{Model: "text-embedding-3-small", BaseURL: "https://api.openai.com/v1", Dimensions: 1536},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "conductor.db"},
		Routing:   RoutingConfig{TopK: 3, Overfetch: 4, HighConfidence: 0.8, LowConfidence: 0.6},
		Memory:    MemoryConfig{MaxPerspectives: 4, RecallTimeoutSec: 15, DefaultTTLSec: 600},
		Turn:      TurnConfig{MaxSteps: 6, CritiqueRetries: 2, HistoryCap: 20},
		Gateway:   GatewayConfig{MaxFailures: 3, CooldownSec: 30, InvokeTimeoutSec: 30},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conductor.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CONDUCTOR_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CONDUCTOR_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("CONDUCTOR_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("CONDUCTOR_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("CONDUCTOR_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONDUCTOR_DB_URL"); v != "" {
		cfg.Database.URL = v
	}

	return cfg
}

// Validate checks that the configuration is complete enough to start.
// Failures wrap conductor.ErrFatalConfig; the process should refuse to run.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("%w: llm api key missing (set CONDUCTOR_LLM_API_KEY or [llm] api_key)", conductor.ErrFatalConfig)
	}
	if c.Embedding.APIKey == "" {
		return fmt.Errorf("%w: embedding api key missing (set CONDUCTOR_EMBEDDING_API_KEY or [embedding] api_key)", conductor.ErrFatalConfig)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("%w: embedding dimensions must be positive", conductor.ErrFatalConfig)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("%w: sqlite path missing", conductor.ErrFatalConfig)
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("%w: postgres url missing", conductor.ErrFatalConfig)
		}
	default:
		return fmt.Errorf("%w: unknown database driver %q", conductor.ErrFatalConfig, c.Database.Driver)
	}
	for i, p := range c.Providers {
		if p.Name == "" || p.Description == "" || p.Command == "" {
			return fmt.Errorf("%w: provider %d needs name, description, and command", conductor.ErrFatalConfig, i)
		}
	}
	return nil
}
