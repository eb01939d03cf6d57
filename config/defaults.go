package config

import (
	"time"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/hooks"
	"github.com/liamcoop/metaengine/registry"
)

const (
	DefaultListenAddress   = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second

	DefaultMaxOpenConns = 20
	DefaultMaxIdleConns = 5

	DefaultSQLitePath        = "data/audit.db"
	DefaultRetentionDays     = 90
	DefaultRetentionSchedule = "0 3 * * *"
	DefaultRefreshSchedule   = "@every 1h"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults fills zero values. Sources that depend on the database URL
// are resolved here too: with a URL, metadata, hooks and audit default to
// Postgres; without one, to memory.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = DefaultMaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = DefaultMaxIdleConns
	}

	storage := SourceMemory
	if cfg.Database.URL != "" {
		storage = SourcePostgres
	}
	if cfg.Metadata.Source == "" {
		cfg.Metadata.Source = storage
	}
	if cfg.Hooks.Store == "" {
		cfg.Hooks.Store = storage
	}
	if cfg.Hooks.RouteTTL == 0 {
		cfg.Hooks.RouteTTL = hooks.DefaultRouteTTL
	}

	e := &cfg.Expression
	if e.Timeout == 0 {
		e.Timeout = expression.DefaultTimeout
	}
	if e.CostLimit == 0 {
		e.CostLimit = expression.DefaultCostLimit
	}
	if e.ProgramCacheSize == 0 {
		e.ProgramCacheSize = expression.DefaultProgramCacheSize
	}

	applyTierDefaults(&cfg.Cache.Tiers)
	if cfg.Cache.RefreshSchedule == "" {
		cfg.Cache.RefreshSchedule = DefaultRefreshSchedule
	}

	a := &cfg.Audit
	if a.Backend == "" {
		a.Backend = storage
	}
	if a.SQLitePath == "" {
		a.SQLitePath = DefaultSQLitePath
	}
	if a.RetentionDays == 0 {
		a.RetentionDays = DefaultRetentionDays
	}
	if a.RetentionSchedule == "" {
		a.RetentionSchedule = DefaultRetentionSchedule
	}
}

func applyTierDefaults(c *registry.Config) {
	d := registry.DefaultConfig()
	fill := func(t *registry.TierConfig, def registry.TierConfig) {
		if t.MaxSize == 0 {
			t.MaxSize = def.MaxSize
		}
		if t.TTL == 0 {
			t.TTL = def.TTL
		}
	}
	fill(&c.Definitions, d.Definitions)
	fill(&c.Fields, d.Fields)
	fill(&c.FieldByName, d.FieldByName)
	fill(&c.Layouts, d.Layouts)
	fill(&c.Calculated, d.Calculated)
}
