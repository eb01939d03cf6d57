package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Attribute definitions
// and UI configuration are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetType(ctx context.Context, key TypeKey) (*AgreementType, error) {
	t := AgreementType{Key: key}
	var uiConfig []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT display_name, description, schema_version, active, ui_config,
		       validation_rules, calculation_rules, updated_at
		FROM agreement_types
		WHERE tenant_id = $1 AND type_code = $2 AND market_context = $3
	`, key.TenantID, key.TypeCode, key.MarketContext).Scan(
		&t.DisplayName,
		&t.Description,
		&t.SchemaVersion,
		&t.Active,
		&uiConfig,
		&t.ValidationRules,
		&t.CalculationRules,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("type %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get type: %w", err)
	}
	if len(uiConfig) > 0 {
		if err := json.Unmarshal(uiConfig, &t.UIConfig); err != nil {
			return nil, fmt.Errorf("failed to decode ui config for %s: %w", key, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT attribute_name, required, default_value, display_order, section_name
		FROM type_attributes
		WHERE tenant_id = $1 AND type_code = $2 AND market_context = $3
		ORDER BY position ASC
	`, key.TenantID, key.TypeCode, key.MarketContext)
	if err != nil {
		return nil, fmt.Errorf("failed to list type attributes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			link         TypeAttribute
			required     sql.NullBool
			defaultValue []byte
			displayOrder sql.NullInt64
			sectionName  sql.NullString
		)
		if err := rows.Scan(&link.AttributeName, &required, &defaultValue, &displayOrder, &sectionName); err != nil {
			return nil, fmt.Errorf("failed to scan type attribute: %w", err)
		}
		if required.Valid {
			link.Required = &required.Bool
		}
		if len(defaultValue) > 0 {
			if err := json.Unmarshal(defaultValue, &link.DefaultValue); err != nil {
				return nil, fmt.Errorf("failed to decode default for %s: %w", link.AttributeName, err)
			}
		}
		if displayOrder.Valid {
			order := int(displayOrder.Int64)
			link.DisplayOrder = &order
		}
		if sectionName.Valid {
			link.SectionName = &sectionName.String
		}
		t.Attributes = append(t.Attributes, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating type attributes: %w", err)
	}

	return &t, nil
}

func (s *PostgresStore) ListActiveTypes(ctx context.Context) ([]TypeKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, type_code, market_context
		FROM agreement_types
		WHERE active = true
		ORDER BY tenant_id, type_code, market_context
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active types: %w", err)
	}
	defer rows.Close()

	var keys []TypeKey
	for rows.Next() {
		var k TypeKey
		if err := rows.Scan(&k.TenantID, &k.TypeCode, &k.MarketContext); err != nil {
			return nil, fmt.Errorf("failed to scan type key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating types: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) ListAttributes(ctx context.Context, tenantID, marketContext string) ([]Attribute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition, active, updated_at
		FROM attributes
		WHERE tenant_id = $1 AND market_context = $2
		ORDER BY attribute_name
	`, tenantID, marketContext)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributes: %w", err)
	}
	defer rows.Close()

	var out []Attribute
	for rows.Next() {
		a := Attribute{TenantID: tenantID, MarketContext: marketContext}
		var def []byte
		if err := rows.Scan(&def, &a.Active, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		if err := json.Unmarshal(def, &a.FieldDefinition); err != nil {
			return nil, fmt.Errorf("failed to decode attribute definition: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attributes: %w", err)
	}
	return out, nil
}

// SaveType upserts the type row and replaces its attribute links in one
// transaction.
func (s *PostgresStore) SaveType(ctx context.Context, t *AgreementType) error {
	uiConfig, err := json.Marshal(t.UIConfig)
	if err != nil {
		return fmt.Errorf("failed to encode ui config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	k := t.Key
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agreement_types (tenant_id, type_code, market_context, display_name, description,
			schema_version, active, ui_config, validation_rules, calculation_rules, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, type_code, market_context) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			schema_version = EXCLUDED.schema_version,
			active = EXCLUDED.active,
			ui_config = EXCLUDED.ui_config,
			validation_rules = EXCLUDED.validation_rules,
			calculation_rules = EXCLUDED.calculation_rules,
			updated_at = EXCLUDED.updated_at
	`, k.TenantID, k.TypeCode, k.MarketContext, t.DisplayName, t.Description,
		t.SchemaVersion, t.Active, string(uiConfig), t.ValidationRules, t.CalculationRules, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert type: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM type_attributes
		WHERE tenant_id = $1 AND type_code = $2 AND market_context = $3
	`, k.TenantID, k.TypeCode, k.MarketContext); err != nil {
		return fmt.Errorf("failed to clear type attributes: %w", err)
	}

	for i, link := range t.Attributes {
		var defaultValue any
		if link.DefaultValue != nil {
			b, err := json.Marshal(link.DefaultValue)
			if err != nil {
				return fmt.Errorf("failed to encode default for %s: %w", link.AttributeName, err)
			}
			defaultValue = string(b)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO type_attributes (tenant_id, type_code, market_context, attribute_name,
				position, required, default_value, display_order, section_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, k.TenantID, k.TypeCode, k.MarketContext, link.AttributeName,
			i, link.Required, defaultValue, link.DisplayOrder, link.SectionName); err != nil {
			return fmt.Errorf("failed to insert type attribute %s: %w", link.AttributeName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit type: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTypeActive(ctx context.Context, key TypeKey, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agreement_types SET active = $1, updated_at = $2
		WHERE tenant_id = $3 AND type_code = $4 AND market_context = $5
	`, active, time.Now(), key.TenantID, key.TypeCode, key.MarketContext)
	if err != nil {
		return fmt.Errorf("failed to update type: %w", err)
	}
	return requireRow(result, fmt.Sprintf("type %s", key))
}

func (s *PostgresStore) SaveAttribute(ctx context.Context, a Attribute) error {
	def, err := json.Marshal(a.FieldDefinition)
	if err != nil {
		return fmt.Errorf("failed to encode attribute: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attributes (tenant_id, market_context, attribute_name, definition, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, market_context, attribute_name) DO UPDATE SET
			definition = EXCLUDED.definition,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, a.TenantID, a.MarketContext, a.AttributeName, string(def), a.Active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert attribute: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetAttributeActive(ctx context.Context, tenantID, marketContext, name string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE attributes SET active = $1, updated_at = $2
		WHERE tenant_id = $3 AND market_context = $4 AND attribute_name = $5
	`, active, time.Now(), tenantID, marketContext, name)
	if err != nil {
		return fmt.Errorf("failed to update attribute: %w", err)
	}
	return requireRow(result, fmt.Sprintf("attribute %s", name))
}

func (s *PostgresStore) TypesUsingAttribute(ctx context.Context, tenantID, marketContext, name string) ([]TypeKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT type_code
		FROM type_attributes
		WHERE tenant_id = $1 AND market_context = $2 AND attribute_name = $3
		ORDER BY type_code
	`, tenantID, marketContext, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list types using attribute: %w", err)
	}
	defer rows.Close()

	var keys []TypeKey
	for rows.Next() {
		k := TypeKey{TenantID: tenantID, MarketContext: marketContext}
		if err := rows.Scan(&k.TypeCode); err != nil {
			return nil, fmt.Errorf("failed to scan type code: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating type codes: %w", err)
	}
	return keys, nil
}

func requireRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
