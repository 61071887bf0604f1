// Package config loads engine configuration: defaults, then a TOML file,
// then environment variables (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Files    FilesConfig    `toml:"files"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// DatabaseConfig selects the repository backend. When URL is set the
// engine uses PostgreSQL; otherwise a local SQLite file at Path.
type DatabaseConfig struct {
	Path string `toml:"path"`
	URL  string `toml:"url"`
}

type FilesConfig struct {
	Dir string `toml:"dir"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		LLM:      LLMConfig{BaseURL: "https://api.openai.com/v1"},
		Database: DatabaseConfig{Path: "loom.db"},
		Files:    FilesConfig{Dir: "loom-files"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "loom.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("LLM_API_BASE"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("LOOM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOOM_DATA_DIR"); v != "" {
		cfg.Files.Dir = v
	}
	if v := os.Getenv("LOOM_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("LOOM_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}

	return cfg
}
