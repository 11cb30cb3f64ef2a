// Package config loads ekaya-ground's configuration from config.yaml with
// environment-variable overrides, mirroring the teacher's cleanenv-based
// loader.
package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the grounding pipeline.
// Configuration can come from a YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values.
type Config struct {
	// Retrieval (S2)
	TopK            int     `yaml:"top_k" env:"TOP_K" env-default:"40"`
	CosineThreshold float64 `yaml:"cosine_threshold" env:"COSINE_THRESHOLD" env-default:"0.25"`

	// FK expansion (S3)
	FKExpansionLimit int `yaml:"fk_expansion_limit" env:"FK_EXPANSION_LIMIT" env-default:"10"`
	HubFKCap         int `yaml:"hub_fk_cap" env:"HUB_FK_CAP" env-default:"8"`
	MaxTables        int `yaml:"max_tables" env:"MAX_TABLES" env-default:"40"`

	// Module router (S1)
	MaxModules int `yaml:"max_modules" env:"MAX_MODULES" env-default:"3"`

	// Join planner (S5)
	JoinPlannerTopK int `yaml:"join_planner_top_k" env:"JOIN_PLANNER_TOP_K" env-default:"3"`

	// SQL validator (S6)
	ValidatorMaxLimit      int  `yaml:"validator_max_limit" env:"VALIDATOR_MAX_LIMIT" env-default:"1000"`
	ValidatorMaxJoins      int  `yaml:"validator_max_joins" env:"VALIDATOR_MAX_JOINS" env-default:"5"`
	ValidatorRequireLimit  bool `yaml:"validator_require_limit" env:"VALIDATOR_REQUIRE_LIMIT" env-default:"true"`

	// Reranker (S7) weights
	Reranker RerankerWeights `yaml:"reranker"`

	// Feature flags. Parsed by hand from raw env strings (see Load) because
	// the spec requires exact-case "true"/"false" semantics, which
	// cleanenv's case-insensitive bool parsing does not provide.
	Features FeatureFlags `yaml:"-"`

	// External services
	Sidecar  SidecarConfig  `yaml:"sidecar"`
	Database DatabaseConfig `yaml:"database"`
}

// RerankerWeights are the additive bonus weights for S7 signals.
type RerankerWeights struct {
	SchemaAdherence   float64 `yaml:"schema_adherence" env:"RERANK_W_SCHEMA_ADHERENCE" env-default:"15"`
	JoinMatch         float64 `yaml:"join_match" env:"RERANK_W_JOIN_MATCH" env-default:"20"`
	ResultShape       float64 `yaml:"result_shape" env:"RERANK_W_RESULT_SHAPE" env-default:"10"`
	ValueVerification float64 `yaml:"value_verification" env:"RERANK_W_VALUE_VERIFICATION" env-default:"10"`
}

// SidecarConfig configures the generation/embedding sidecar client.
type SidecarConfig struct {
	BaseURL string `yaml:"base_url" env:"SIDECAR_BASE_URL" env-default:"http://localhost:8090"`
	APIKey  string `yaml:"-" env:"SIDECAR_API_KEY"` // secret, not in YAML
}

// DatabaseConfig configures the Postgres-backed vector/lexical/metadata
// store (rag.* tables described in spec §6).
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // secret
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_ground"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	PoolMaxConns   int32  `yaml:"pool_max_conns" env:"PG_POOL_MAX_CONNS" env-default:"10"`
}

// ConnectionString returns a libpq-style connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// FeatureFlags gate optional stages/signals. Each has a config default and
// an env-var override; see featureFlagSpecs in flags.go for exact names
// and defaults.
type FeatureFlags struct {
	ModuleRouter      bool
	BM25Search        bool
	SchemaLinker      bool
	Glosses           bool
	JoinPlanner       bool
	Reranker          bool
	ValueVerification bool
}

// Load reads configuration from configPath (config.yaml if empty) with
// environment variable overrides.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := &Config{}

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	cfg.Features = loadFeatureFlags()

	return cfg, nil
}
