//go:build integration

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/metaengine/config"
	"github.com/liamcoop/metaengine/internal/jobs"
)

// setupPostgres starts a PostgreSQL container and applies the migrations.
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "metaengine_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://test:test@%s:%s/metaengine_test?sslmode=disable", host, port.Port())

	m, err := migrate.New("file://../../migrations", url)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	srcErr, dbErr := m.Close()
	require.NoError(t, srcErr)
	require.NoError(t, dbErr)

	return url
}

func TestEndToEnd_Postgres(t *testing.T) {
	url := setupPostgres(t)

	cfg := &config.Config{Database: config.DatabaseConfig{URL: url}}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	require.Equal(t, config.SourcePostgres, cfg.Metadata.Source)
	require.Equal(t, config.AuditPostgres, cfg.Audit.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	s := a.server

	// Step 1: attribute catalog
	for _, attr := range []map[string]any{
		{"name": "rate", "displayName": "Rate", "dataType": "DECIMAL", "sectionName": "pricing", "uiOrder": 1, "active": true},
		{"name": "limit", "displayName": "Limit", "dataType": "CURRENCY", "sectionName": "pricing", "uiOrder": 2, "active": true},
		{"name": "basePremium", "displayName": "Base Premium", "dataType": "CURRENCY", "sectionName": "pricing", "uiOrder": 3, "active": true,
			"calculationScript": "rate * limit", "dependsOn": []string{"rate", "limit"}},
	} {
		name := attr["name"].(string)
		delete(attr, "name")
		rec := do(t, s, http.MethodPut, "/api/v1/attributes/t1/retail/"+name, attr)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	// Step 2: agreement type
	rec := do(t, s, http.MethodPut, typePath, map[string]any{
		"displayName":   "Auto Policy",
		"schemaVersion": 1,
		"active":        true,
		"attributes": []map[string]any{
			{"attributeName": "rate"},
			{"attributeName": "limit"},
			{"attributeName": "basePremium"},
		},
		"uiConfig": map[string]any{"sections": []map[string]any{{"name": "pricing", "title": "Pricing"}}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Step 3: compiled definition comes back from Postgres
	rec = do(t, s, http.MethodGet, typePath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	def := decodeBody(t, rec)
	assert.Len(t, def["fields"], 3)
	assert.Len(t, def["calculatedFields"], 1)

	// A linked dependency cannot be deactivated
	rec = do(t, s, http.MethodDelete, "/api/v1/attributes/t1/retail/rate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Step 4: hook and message processing with the Postgres audit trail
	rec = do(t, s, http.MethodPost, "/api/v1/hooks", map[string]any{
		"hookName":       "gross-up",
		"tenantId":       "t1",
		"messageType":    "POLICY_ISSUED",
		"sourceSystem":   "broker",
		"transformation": map[string]any{"script": "{'gross': message.premium * 2}"},
		"enabled":        true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/messages", map[string]any{
		"tenantId":      "t1",
		"correlationId": "it-1",
		"messageType":   "POLICY_ISSUED",
		"sourceSystem":  "broker",
		"message":       map[string]any{"premium": 21.0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/messages/it-1/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	execs := decodeBody(t, rec)["executions"].([]any)
	require.Len(t, execs, 1)
	assert.Equal(t, "SUCCESS", execs[0].(map[string]any)["status"])

	// Step 5: retention removes the row
	job := jobs.RetentionJob("@daily", s.Audit, time.Nanosecond, s.Metrics)
	require.NoError(t, job.Run(context.Background()))
	rec = do(t, s, http.MethodGet, "/api/v1/messages/it-1/executions", nil)
	assert.Empty(t, decodeBody(t, rec)["executions"])

	// Step 6: health pings the database
	rec = do(t, s, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
