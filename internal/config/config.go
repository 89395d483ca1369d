// Package config handles configuration loading for the signature-scoring
// server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Smoothing SmoothingConfig `yaml:"smoothing"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// ScoringConfig contains the default scoring options. Requests may override
// any of them per call. NegativeWeight is a pointer because 0 is a valid
// setting (no penalty); nil means unset.
type ScoringConfig struct {
	MaxRank        int      `yaml:"max_rank"`
	ChunkSize      int      `yaml:"chunk_size"`
	Workers        int      `yaml:"workers"`
	NegativeWeight *float64 `yaml:"negative_weight"`
}

// SmoothingConfig contains the default neighbor-graph settings.
type SmoothingConfig struct {
	K             int    `yaml:"k"`
	Kernel        string `yaml:"kernel"`
	EmbeddingDims int    `yaml:"embedding_dims"`
}

// JobsConfig contains scoring job queue settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ColumnSizeMB     int `yaml:"column_size_mb"`
	ColumnTTLMinutes int `yaml:"column_ttl_minutes"`
	GraphCacheSize   int `yaml:"graph_cache_size"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Scoring: ScoringConfig{
			MaxRank:        1500,
			ChunkSize:      1000,
			Workers:        1,
			NegativeWeight: floatPtr(1.0),
		},
		Smoothing: SmoothingConfig{
			K:      15,
			Kernel: "gaussian",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/score_jobs.sqlite",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			ColumnSizeMB:     256,
			ColumnTTLMinutes: 10,
			GraphCacheSize:   8,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Scoring.MaxRank == 0 {
		cfg.Scoring.MaxRank = defaults.Scoring.MaxRank
	}
	if cfg.Scoring.ChunkSize == 0 {
		cfg.Scoring.ChunkSize = defaults.Scoring.ChunkSize
	}
	if cfg.Scoring.Workers == 0 {
		cfg.Scoring.Workers = defaults.Scoring.Workers
	}
	if cfg.Scoring.NegativeWeight == nil {
		cfg.Scoring.NegativeWeight = defaults.Scoring.NegativeWeight
	}
	if cfg.Smoothing.K == 0 {
		cfg.Smoothing.K = defaults.Smoothing.K
	}
	if cfg.Smoothing.Kernel == "" {
		cfg.Smoothing.Kernel = defaults.Smoothing.Kernel
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Cache.ColumnSizeMB == 0 {
		cfg.Cache.ColumnSizeMB = defaults.Cache.ColumnSizeMB
	}
	if cfg.Cache.ColumnTTLMinutes == 0 {
		cfg.Cache.ColumnTTLMinutes = defaults.Cache.ColumnTTLMinutes
	}
	if cfg.Cache.GraphCacheSize == 0 {
		cfg.Cache.GraphCacheSize = defaults.Cache.GraphCacheSize
	}
}

func floatPtr(v float64) *float64 { return &v }
