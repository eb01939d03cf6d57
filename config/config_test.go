package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddress, cfg.Server.ListenAddress)
	assert.Equal(t, SourceMemory, cfg.Metadata.Source)
	assert.Equal(t, SourceMemory, cfg.Hooks.Store)
	assert.Equal(t, AuditMemory, cfg.Audit.Backend)
	assert.Equal(t, 1000, cfg.Cache.Tiers.Definitions.MaxSize)
	assert.Equal(t, 20000, cfg.Cache.Tiers.FieldByName.MaxSize)
	assert.Equal(t, time.Hour, cfg.Cache.Tiers.Layouts.TTL)
	assert.Equal(t, 90*24*time.Hour, cfg.Audit.Retention())
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/metaengine?sslmode=disable")
	t.Setenv("PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, SourcePostgres, cfg.Metadata.Source)
	assert.Equal(t, SourcePostgres, cfg.Hooks.Store)
	assert.Equal(t, AuditPostgres, cfg.Audit.Backend)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("METAENGINE_AUDIT_RETENTION_DAYS", "7")

	path := writeConfig(t, `
server:
  listenAddress: "127.0.0.1:7000"
metadata:
  source: file
  filePath: ./metadata.yaml
  watch: true
expression:
  timeout: 250ms
cache:
  tiers:
    definitions:
      maxSize: 10
      ttl: 5m
  refreshSchedule: "*/15 * * * *"
audit:
  backend: sqlite
  sqlitePath: /tmp/audit.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.ListenAddress)
	assert.Equal(t, SourceFile, cfg.Metadata.Source)
	assert.True(t, cfg.Metadata.Watch)
	assert.Equal(t, 250*time.Millisecond, cfg.Expression.Timeout)
	assert.Equal(t, 10, cfg.Cache.Tiers.Definitions.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.Tiers.Definitions.TTL)
	assert.Equal(t, 1000, cfg.Cache.Tiers.Fields.MaxSize, "unset tiers keep their defaults")
	assert.Equal(t, AuditSQLite, cfg.Audit.Backend)
	assert.Equal(t, 7, cfg.Audit.RetentionDays)

	ec := cfg.Expression.EvaluatorConfig()
	assert.Equal(t, 250*time.Millisecond, ec.Timeout)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	path := writeConfig(t, `
metadata:
  source: postgres
  watch: true
audit:
  backend: s3
cache:
  refreshSchedule: "every tuesday"
`)

	_, err := Load(path)
	require.Error(t, err)

	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, fe := range verr.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["metadata.source"], "postgres without a database url")
	assert.True(t, fields["metadata.watch"])
	assert.True(t, fields["audit.backend"])
	assert.True(t, fields["cache.refreshSchedule"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_ScheduleOff(t *testing.T) {
	cfg := Default()
	cfg.Cache.RefreshSchedule = "off"
	cfg.Audit.RetentionSchedule = "off"
	assert.NoError(t, Validate(cfg))
}
