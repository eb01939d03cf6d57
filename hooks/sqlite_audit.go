package hooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteAuditStore implements AuditStore in a local SQLite file. It suits
// single-instance deployments that want the audit trail off the main
// database.
type SQLiteAuditStore struct {
	db *sql.DB
}

var _ AuditStore = (*SQLiteAuditStore)(nil)

// NewSQLiteAuditStore opens (or creates) the database at path and ensures
// the schema exists.
func NewSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteAuditStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteAuditStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS message_processing_executions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		hook_id TEXT NOT NULL DEFAULT '',
		hook_name TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT '',
		source_system TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		status TEXT NOT NULL,
		input TEXT,
		output TEXT,
		error_kind TEXT,
		error_message TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_correlation ON message_processing_executions(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_executions_completed ON message_processing_executions(completed_at);
	`)
	return err
}

func (s *SQLiteAuditStore) Append(ctx context.Context, e Execution) error {
	if err := checkComplete(e); err != nil {
		return err
	}
	input, output, err := encodeSnapshots(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_processing_executions (
			id, hook_id, hook_name, tenant_id, correlation_id, message_type, source_system,
			stage, attempt, max_attempts, status, input, output, error_kind, error_message,
			started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.HookID, e.HookName, e.TenantID, e.CorrelationID, e.MessageType, e.SourceSystem,
		string(e.Stage), e.Attempt, e.MaxAttempts, string(e.Status), input, output,
		e.ErrorKind, e.ErrorMessage, e.StartedAt.UnixNano(), e.CompletedAt.UnixNano(), e.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) ListByCorrelation(ctx context.Context, correlationID string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hook_id, hook_name, tenant_id, correlation_id, message_type, source_system,
		       stage, attempt, max_attempts, status, input, output, error_kind, error_message,
		       started_at, completed_at, duration_ms
		FROM message_processing_executions
		WHERE correlation_id = ?
		ORDER BY seq ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e                  Execution
			stage, status      string
			input, output      sql.NullString
			errKind, errMsg    sql.NullString
			started, completed int64
		)
		if err := rows.Scan(&e.ID, &e.HookID, &e.HookName, &e.TenantID, &e.CorrelationID, &e.MessageType,
			&e.SourceSystem, &stage, &e.Attempt, &e.MaxAttempts, &status, &input, &output,
			&errKind, &errMsg, &started, &completed, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Stage = Stage(stage)
		e.Status = Status(status)
		e.ErrorKind = errKind.String
		e.ErrorMessage = errMsg.String
		e.StartedAt = time.Unix(0, started)
		e.CompletedAt = time.Unix(0, completed)
		if input.Valid {
			if err := json.Unmarshal([]byte(input.String), &e.Input); err != nil {
				return nil, fmt.Errorf("failed to decode execution input: %w", err)
			}
		}
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &e.Output); err != nil {
				return nil, fmt.Errorf("failed to decode execution output: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

func (s *SQLiteAuditStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM message_processing_executions WHERE completed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}
