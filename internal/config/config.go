// Package config reads goresearch settings from an optional YAML file
// overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level structure of goresearch.yaml.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Variant  string         `yaml:"variant"` // "basic" | "deep"
	HTTP     HTTPConfig     `yaml:"http"`
	LLM      LLMConfig      `yaml:"llm"`
	Search   SearchConfig   `yaml:"search"`
	Extract  ExtractConfig  `yaml:"extract"`
	Store    StoreConfig    `yaml:"store"`
	Workflow WorkflowConfig `yaml:"workflow"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LLMConfig points at an OpenAI compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// SearchConfig controls the SearxNG client and its retry ceiling.
type SearchConfig struct {
	BaseURL         string        `yaml:"base_url"`
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxResults      int           `yaml:"max_results"`
}

type ExtractConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	MaxPages    int           `yaml:"max_pages"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver"` // "memory" | "postgres" | "sqlite" | "redis"
	DSN         string        `yaml:"dsn"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	RedisTTL    time.Duration `yaml:"redis_ttl"` // 0 keeps sessions forever
}

type WorkflowConfig struct {
	MaxKeywords       int           `yaml:"max_keywords"`
	ResultsPerKeyword int           `yaml:"results_per_keyword"`
	SectionInterval   time.Duration `yaml:"section_interval"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		Variant:  "basic",
		HTTP:     HTTPConfig{Addr: ":8080"},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "deepseek-v3.1",
			Timeout: 120 * time.Second,
		},
		Search: SearchConfig{
			BaseURL:         "http://localhost:8888",
			MaxTries:        4,
			InitialInterval: 2 * time.Second,
			MaxInterval:     10 * time.Second,
			Timeout:         15 * time.Second,
			MaxResults:      3,
		},
		Extract: ExtractConfig{
			Timeout:     20 * time.Second,
			Concurrency: 3,
			MaxPages:    5,
		},
		Store: StoreConfig{
			Driver:      "memory",
			RedisPrefix: "goresearch",
		},
		Workflow: WorkflowConfig{
			MaxKeywords:       5,
			ResultsPerKeyword: 3,
			SectionInterval:   800 * time.Millisecond,
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path (if
// path is non-empty) and finally the environment. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays GORESEARCH_* and the DB_* variables used by the migrate tool.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("GORESEARCH_VARIANT", &c.Variant)
	str("GORESEARCH_HTTP_ADDR", &c.HTTP.Addr)
	str("GORESEARCH_LLM_BASE_URL", &c.LLM.BaseURL)
	str("GORESEARCH_LLM_API_KEY", &c.LLM.APIKey)
	str("GORESEARCH_LLM_MODEL", &c.LLM.Model)
	str("GORESEARCH_SEARXNG_URL", &c.Search.BaseURL)
	str("GORESEARCH_STORE_DRIVER", &c.Store.Driver)
	str("GORESEARCH_STORE_DSN", &c.Store.DSN)
	str("GORESEARCH_REDIS_ADDR", &c.Store.RedisAddr)
	str("GORESEARCH_REDIS_PREFIX", &c.Store.RedisPrefix)

	if v := getenv("GORESEARCH_SEARCH_MAX_TRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("GORESEARCH_SEARCH_MAX_TRIES: %w", err)
		}
		c.Search.MaxTries = uint(n)
	}
	if v := getenv("GORESEARCH_EXTRACT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GORESEARCH_EXTRACT_CONCURRENCY: %w", err)
		}
		c.Extract.Concurrency = n
	}
	if v := getenv("GORESEARCH_REDIS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GORESEARCH_REDIS_TTL: %w", err)
		}
		c.Store.RedisTTL = d
	}

	// A Postgres DSN can be assembled from the same variables the migrate tool reads.
	if c.Store.DSN == "" && c.Store.Driver == "postgres" {
		user, pass, host, port, name := getenv("DB_USERNAME"), getenv("DB_PASSWORD"),
			getenv("DB_HOST"), getenv("DB_PORT"), getenv("DB_NAME")
		if user != "" && host != "" && name != "" {
			if port == "" {
				port = "5432"
			}
			c.Store.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
		}
	}
	return nil
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	switch c.Variant {
	case "basic", "deep":
	default:
		return fmt.Errorf("variant must be basic or deep, got %q", c.Variant)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %s needs a dsn", c.Store.Driver)
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store driver redis needs redis_addr")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Search.MaxTries == 0 {
		return fmt.Errorf("search max_tries must be at least 1")
	}
	return nil
}
