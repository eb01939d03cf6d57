package hooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresHookStore implements HookStore backed by PostgreSQL.
type PostgresHookStore struct {
	db *sql.DB
}

var _ HookStore = (*PostgresHookStore)(nil)

func NewPostgresHookStore(db *sql.DB) *PostgresHookStore {
	return &PostgresHookStore{db: db}
}

const hookColumns = `
	id, tenant_id, hook_name, message_type, source_system, target_system,
	preprocessing_script, preprocessing_order,
	transformation_script, transformation_order,
	postprocessing_script, postprocessing_order,
	error_handling_strategy, retry_config, enabled, description,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHook(row rowScanner) (*MessageHook, error) {
	var (
		h           MessageHook
		strategy    string
		retryConfig []byte
	)
	err := row.Scan(
		&h.ID, &h.TenantID, &h.HookName, &h.MessageType, &h.SourceSystem, &h.TargetSystem,
		&h.Preprocessing.Script, &h.Preprocessing.Order,
		&h.Transformation.Script, &h.Transformation.Order,
		&h.Postprocessing.Script, &h.Postprocessing.Order,
		&strategy, &retryConfig, &h.Enabled, &h.Description,
		&h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.ErrorHandlingStrategy = Strategy(strategy)
	if len(retryConfig) > 0 {
		if err := json.Unmarshal(retryConfig, &h.RetryConfig); err != nil {
			return nil, fmt.Errorf("failed to decode retry config for %s: %w", h.HookName, err)
		}
	}
	return &h, nil
}

func (s *PostgresHookStore) Add(ctx context.Context, h *MessageHook) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	h.CreatedAt = now
	h.UpdatedAt = now

	retryConfig, err := json.Marshal(h.RetryConfig)
	if err != nil {
		return fmt.Errorf("failed to encode retry config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_hooks (`+hookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, h.ID, h.TenantID, h.HookName, h.MessageType, h.SourceSystem, h.TargetSystem,
		h.Preprocessing.Script, h.Preprocessing.Order,
		h.Transformation.Script, h.Transformation.Order,
		h.Postprocessing.Script, h.Postprocessing.Order,
		string(h.Strategy()), string(retryConfig), h.Enabled, h.Description,
		h.CreatedAt, h.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("hook %s: %w", h.HookName, ErrDuplicateHook)
	}
	if err != nil {
		return fmt.Errorf("failed to insert hook: %w", err)
	}
	return nil
}

func (s *PostgresHookStore) Get(ctx context.Context, name string) (*MessageHook, error) {
	h, err := scanHook(s.db.QueryRowContext(ctx, `
		SELECT `+hookColumns+`
		FROM message_hooks
		WHERE hook_name = $1
	`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hook %s: %w", name, ErrHookNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hook: %w", err)
	}
	return h, nil
}

func (s *PostgresHookStore) List(ctx context.Context) ([]*MessageHook, error) {
	return s.query(ctx, `
		SELECT `+hookColumns+`
		FROM message_hooks
		ORDER BY hook_name ASC
	`)
}

func (s *PostgresHookStore) ListEnabled(ctx context.Context, messageType, sourceSystem string) ([]*MessageHook, error) {
	return s.query(ctx, `
		SELECT `+hookColumns+`
		FROM message_hooks
		WHERE enabled = true AND message_type = $1 AND source_system = $2
		ORDER BY transformation_order ASC, hook_name ASC
	`, messageType, sourceSystem)
}

func (s *PostgresHookStore) query(ctx context.Context, query string, args ...any) ([]*MessageHook, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hooks: %w", err)
	}
	defer rows.Close()

	var hooks []*MessageHook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hook: %w", err)
		}
		hooks = append(hooks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hooks: %w", err)
	}
	return hooks, nil
}

func (s *PostgresHookStore) Update(ctx context.Context, h *MessageHook) error {
	existing, err := s.Get(ctx, h.HookName)
	if err != nil {
		return err
	}
	h.ID = existing.ID
	h.CreatedAt = existing.CreatedAt
	h.UpdatedAt = time.Now().UTC()

	retryConfig, err := json.Marshal(h.RetryConfig)
	if err != nil {
		return fmt.Errorf("failed to encode retry config: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE message_hooks
		SET tenant_id = $1, message_type = $2, source_system = $3, target_system = $4,
		    preprocessing_script = $5, preprocessing_order = $6,
		    transformation_script = $7, transformation_order = $8,
		    postprocessing_script = $9, postprocessing_order = $10,
		    error_handling_strategy = $11, retry_config = $12, enabled = $13,
		    description = $14, updated_at = $15
		WHERE hook_name = $16
	`, h.TenantID, h.MessageType, h.SourceSystem, h.TargetSystem,
		h.Preprocessing.Script, h.Preprocessing.Order,
		h.Transformation.Script, h.Transformation.Order,
		h.Postprocessing.Script, h.Postprocessing.Order,
		string(h.Strategy()), string(retryConfig), h.Enabled,
		h.Description, h.UpdatedAt, h.HookName)
	if err != nil {
		return fmt.Errorf("failed to update hook: %w", err)
	}
	return requireRow(result, "hook "+h.HookName)
}

func (s *PostgresHookStore) Delete(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM message_hooks WHERE hook_name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete hook: %w", err)
	}
	return requireRow(result, "hook "+name)
}

func requireRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrHookNotFound)
	}
	return nil
}

// PostgresAuditStore implements AuditStore backed by PostgreSQL.
type PostgresAuditStore struct {
	db *sql.DB
}

var _ AuditStore = (*PostgresAuditStore)(nil)

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Append(ctx context.Context, e Execution) error {
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
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, e.ID, e.HookID, e.HookName, e.TenantID, e.CorrelationID, e.MessageType, e.SourceSystem,
		string(e.Stage), e.Attempt, e.MaxAttempts, string(e.Status), input, output,
		e.ErrorKind, e.ErrorMessage, e.StartedAt, e.CompletedAt, e.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) ListByCorrelation(ctx context.Context, correlationID string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(hook_id::text, ''), hook_name, tenant_id, correlation_id, message_type,
		       source_system, stage, attempt, max_attempts, status, input, output,
		       error_kind, error_message, started_at, completed_at, duration_ms
		FROM message_processing_executions
		WHERE correlation_id = $1
		ORDER BY seq ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (s *PostgresAuditStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM message_processing_executions WHERE completed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return result.RowsAffected()
}

func encodeSnapshots(e Execution) (input, output any, err error) {
	if e.Input != nil {
		b, err := json.Marshal(e.Input)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode execution input: %w", err)
		}
		input = string(b)
	}
	if e.Output != nil {
		b, err := json.Marshal(e.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode execution output: %w", err)
		}
		output = string(b)
	}
	return input, output, nil
}

func scanExecutions(rows *sql.Rows) ([]Execution, error) {
	var out []Execution
	for rows.Next() {
		var (
			e              Execution
			stage, status  string
			input, output  []byte
			errKind, errMs sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.HookID, &e.HookName, &e.TenantID, &e.CorrelationID, &e.MessageType,
			&e.SourceSystem, &stage, &e.Attempt, &e.MaxAttempts, &status, &input, &output,
			&errKind, &errMs, &e.StartedAt, &e.CompletedAt, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Stage = Stage(stage)
		e.Status = Status(status)
		e.ErrorKind = errKind.String
		e.ErrorMessage = errMs.String
		if len(input) > 0 {
			if err := json.Unmarshal(input, &e.Input); err != nil {
				return nil, fmt.Errorf("failed to decode execution input: %w", err)
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &e.Output); err != nil {
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
