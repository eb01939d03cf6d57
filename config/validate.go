package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/metaengine/registry"
)

// FieldError is a validation failure for one configuration field.
type FieldError struct {
	// Field is the dotted path, e.g. "audit.backend"
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error found.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate checks a fully defaulted configuration.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Server.ListenAddress == "" {
		add("server.listenAddress", "must not be empty")
	}

	needsDB := func(field, value string) {
		if value == SourcePostgres && cfg.Database.URL == "" {
			add(field, "postgres requires database.url")
		}
	}

	switch cfg.Metadata.Source {
	case SourceMemory, SourcePostgres:
	case SourceFile:
		if cfg.Metadata.FilePath == "" {
			add("metadata.filePath", "required when metadata.source is file")
		}
	default:
		add("metadata.source", "must be one of memory, postgres, file (got %q)", cfg.Metadata.Source)
	}
	needsDB("metadata.source", cfg.Metadata.Source)
	if cfg.Metadata.Watch && cfg.Metadata.Source != SourceFile {
		add("metadata.watch", "only supported for the file source")
	}

	switch cfg.Hooks.Store {
	case SourceMemory, SourcePostgres:
	default:
		add("hooks.store", "must be one of memory, postgres (got %q)", cfg.Hooks.Store)
	}
	needsDB("hooks.store", cfg.Hooks.Store)

	switch cfg.Audit.Backend {
	case AuditMemory, AuditPostgres:
	case AuditSQLite:
		if cfg.Audit.SQLitePath == "" {
			add("audit.sqlitePath", "required when audit.backend is sqlite")
		}
	default:
		add("audit.backend", "must be one of memory, postgres, sqlite (got %q)", cfg.Audit.Backend)
	}
	needsDB("audit.backend", cfg.Audit.Backend)
	if cfg.Audit.RetentionDays < 0 {
		add("audit.retentionDays", "must not be negative")
	}

	if cfg.Expression.Timeout < 0 {
		add("expression.timeout", "must not be negative")
	}

	tiers := map[string]registry.TierConfig{
		"definitions": cfg.Cache.Tiers.Definitions,
		"fields":      cfg.Cache.Tiers.Fields,
		"fieldByName": cfg.Cache.Tiers.FieldByName,
		"layouts":     cfg.Cache.Tiers.Layouts,
		"calculated":  cfg.Cache.Tiers.Calculated,
	}
	for name, t := range tiers {
		if t.MaxSize < 1 {
			add("cache.tiers."+name+".maxSize", "must be at least 1")
		}
		if t.TTL < 0 {
			add("cache.tiers."+name+".ttl", "must not be negative")
		}
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for field, schedule := range map[string]string{
		"cache.refreshSchedule":   cfg.Cache.RefreshSchedule,
		"audit.retentionSchedule": cfg.Audit.RetentionSchedule,
	} {
		if schedule == "" || schedule == "off" {
			continue
		}
		if _, err := parser.Parse(schedule); err != nil {
			add(field, "invalid cron schedule %q: %v", schedule, err)
		}
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
