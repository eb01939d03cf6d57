package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads path (optional), applies defaults and environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	// Overrides go first so that source defaults see DATABASE_URL.
	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("PORT"); val != "" {
		cfg.Server.ListenAddress = ":" + val
	}
	if val := os.Getenv("METAENGINE_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	envDuration("METAENGINE_SERVER_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)

	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.Database.URL = val
	}
	if val := os.Getenv("METAENGINE_DATABASE_URL"); val != "" {
		cfg.Database.URL = val
	}
	envInt("METAENGINE_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)

	envString("METAENGINE_METADATA_SOURCE", &cfg.Metadata.Source)
	envString("METAENGINE_METADATA_FILE_PATH", &cfg.Metadata.FilePath)
	envBool("METAENGINE_METADATA_WATCH", &cfg.Metadata.Watch)

	envDuration("METAENGINE_EXPRESSION_TIMEOUT", &cfg.Expression.Timeout)
	if val := os.Getenv("METAENGINE_EXPRESSION_COST_LIMIT"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			cfg.Expression.CostLimit = n
		}
	}

	envBool("METAENGINE_CACHE_PREWARM", &cfg.Cache.Prewarm)
	envString("METAENGINE_CACHE_REFRESH_SCHEDULE", &cfg.Cache.RefreshSchedule)
	envDuration("METAENGINE_CACHE_TTL", &cfg.Cache.Tiers.Definitions.TTL)

	envString("METAENGINE_HOOKS_STORE", &cfg.Hooks.Store)
	envDuration("METAENGINE_HOOKS_ROUTE_TTL", &cfg.Hooks.RouteTTL)

	envString("METAENGINE_AUDIT_BACKEND", &cfg.Audit.Backend)
	envString("METAENGINE_AUDIT_SQLITE_PATH", &cfg.Audit.SQLitePath)
	envInt("METAENGINE_AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)
	envString("METAENGINE_AUDIT_RETENTION_SCHEDULE", &cfg.Audit.RetentionSchedule)
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = strings.TrimSpace(val)
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
