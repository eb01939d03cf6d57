// Package config loads the server configuration.
//
// Values are applied in this order, later overriding earlier:
//
//  1. Defaults (defaults.go)
//  2. The YAML file, when one is given
//  3. Environment overrides: METAENGINE_SECTION_FIELD, plus DATABASE_URL and
//     PORT for compatibility with container platforms
//
// The result is validated once all layers are applied.
package config

import (
	"time"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/registry"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Expression ExpressionConfig `yaml:"expression"`
	Cache      CacheConfig      `yaml:"cache"`
	Hooks      HooksConfig      `yaml:"hooks"`
	Audit      AuditConfig      `yaml:"audit"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listenAddress"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
}

// DatabaseConfig is the shared Postgres connection. An empty URL runs
// everything in memory.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// Metadata sources.
const (
	SourceMemory   = "memory"
	SourcePostgres = "postgres"
	SourceFile     = "file"
)

// MetadataConfig selects where agreement types and attributes live.
type MetadataConfig struct {
	Source   string `yaml:"source"`
	FilePath string `yaml:"filePath"`
	Watch    bool   `yaml:"watch"`
}

// ExpressionConfig bounds script evaluation.
type ExpressionConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	CostLimit        uint64        `yaml:"costLimit"`
	ProgramCacheSize int           `yaml:"programCacheSize"`
}

// EvaluatorConfig converts to the evaluator's own config.
func (c ExpressionConfig) EvaluatorConfig() expression.Config {
	return expression.Config{
		Timeout:          c.Timeout,
		CostLimit:        c.CostLimit,
		ProgramCacheSize: c.ProgramCacheSize,
	}
}

// CacheConfig sizes the registry tiers and schedules full refreshes.
type CacheConfig struct {
	Tiers           registry.Config `yaml:"tiers"`
	Prewarm         bool            `yaml:"prewarm"`
	RefreshSchedule string          `yaml:"refreshSchedule"`
}

// HooksConfig controls the message pipeline.
type HooksConfig struct {
	Store    string        `yaml:"store"`
	RouteTTL time.Duration `yaml:"routeTTL"`
}

// Audit backends.
const (
	AuditMemory   = "memory"
	AuditPostgres = "postgres"
	AuditSQLite   = "sqlite"
)

// AuditConfig selects the execution log backend and its retention.
type AuditConfig struct {
	Backend           string `yaml:"backend"`
	SQLitePath        string `yaml:"sqlitePath"`
	RetentionDays     int    `yaml:"retentionDays"`
	RetentionSchedule string `yaml:"retentionSchedule"`
}

// Retention returns the audit retention window. Zero keeps rows forever.
func (c AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
