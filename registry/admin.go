package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/metadata"
)

// SaveType validates a type against its catalog, stores it and evicts it.
// Nothing is written when validation fails.
func (r *Registry) SaveType(ctx context.Context, t *metadata.AgreementType) error {
	if t == nil {
		return expression.Configurationf("save_type", "type is required")
	}
	catalog, err := r.store.ListAttributes(ctx, t.Key.TenantID, t.Key.MarketContext)
	if err != nil {
		return fmt.Errorf("failed to load attributes for %s: %w", t.Key, err)
	}
	if err := metadata.ValidateType(t, catalog, r.ev); err != nil {
		return err
	}
	if err := r.store.SaveType(ctx, t); err != nil {
		return fmt.Errorf("failed to save type %s: %w", t.Key, err)
	}

	r.EvictForType(t.Key)
	logger.Info("agreement type saved", "type", t.Key.String(), "attributes", len(t.Attributes))
	return nil
}

// DeactivateType marks a type inactive and evicts it.
func (r *Registry) DeactivateType(ctx context.Context, key metadata.TypeKey) error {
	if err := r.store.SetTypeActive(ctx, key, false); err != nil {
		return fmt.Errorf("failed to deactivate type %s: %w", key, err)
	}
	r.EvictForType(key)
	logger.Info("agreement type deactivated", "type", key.String())
	return nil
}

// SaveAttribute validates a catalog row and every active type that links it,
// then stores the row and evicts those types.
func (r *Registry) SaveAttribute(ctx context.Context, a metadata.Attribute) error {
	if err := metadata.ValidateAttribute(a, r.ev); err != nil {
		return err
	}

	affected, err := r.store.TypesUsingAttribute(ctx, a.TenantID, a.MarketContext, a.AttributeName)
	if err != nil {
		return fmt.Errorf("failed to find types using %q: %w", a.AttributeName, err)
	}
	if a.Active && len(affected) > 0 {
		catalog, err := r.store.ListAttributes(ctx, a.TenantID, a.MarketContext)
		if err != nil {
			return fmt.Errorf("failed to load attributes: %w", err)
		}
		catalog = replaceAttribute(catalog, a)
		for _, key := range affected {
			if err := r.revalidate(ctx, key, catalog); err != nil {
				return err
			}
		}
	}

	if err := r.store.SaveAttribute(ctx, a); err != nil {
		return fmt.Errorf("failed to save attribute %q: %w", a.AttributeName, err)
	}
	for _, key := range affected {
		r.EvictForType(key)
	}
	logger.Info("attribute saved", "attribute", a.AttributeName, "tenant", a.TenantID, "types_evicted", len(affected))
	return nil
}

// DeactivateAttribute marks a catalog row inactive and evicts every type that
// links it. Links to inactive attributes are skipped at build time, but a
// deactivation that would strand a calculated field's dependency is refused.
func (r *Registry) DeactivateAttribute(ctx context.Context, tenantID, marketContext, name string) error {
	affected, err := r.store.TypesUsingAttribute(ctx, tenantID, marketContext, name)
	if err != nil {
		return fmt.Errorf("failed to find types using %q: %w", name, err)
	}
	if len(affected) > 0 {
		catalog, err := r.store.ListAttributes(ctx, tenantID, marketContext)
		if err != nil {
			return fmt.Errorf("failed to load attributes: %w", err)
		}
		for _, key := range affected {
			if err := r.checkDependents(ctx, key, catalog, name); err != nil {
				return err
			}
		}
	}

	if err := r.store.SetAttributeActive(ctx, tenantID, marketContext, name, false); err != nil {
		return fmt.Errorf("failed to deactivate attribute %q: %w", name, err)
	}
	for _, key := range affected {
		r.EvictForType(key)
	}
	logger.Info("attribute deactivated", "attribute", name, "tenant", tenantID, "types_evicted", len(affected))
	return nil
}

func (r *Registry) revalidate(ctx context.Context, key metadata.TypeKey, catalog []metadata.Attribute) error {
	t, err := r.store.GetType(ctx, key)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load type %s: %w", key, err)
	}
	if !t.Active {
		return nil
	}
	if err := metadata.ValidateType(t, catalog, r.ev); err != nil {
		return fmt.Errorf("change would break type %s: %w", key, err)
	}
	return nil
}

func (r *Registry) checkDependents(ctx context.Context, key metadata.TypeKey, catalog []metadata.Attribute, name string) error {
	t, err := r.store.GetType(ctx, key)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load type %s: %w", key, err)
	}
	if !t.Active {
		return nil
	}
	for _, def := range metadata.ResolveFields(t, catalog) {
		if !def.IsCalculated() || def.AttributeName == name {
			continue
		}
		for _, dep := range def.DependsOn {
			if dep == name {
				return expression.Configurationf("deactivate_attribute",
					"field %q of type %s depends on %q", def.AttributeName, key, name)
			}
		}
	}
	return nil
}

func replaceAttribute(catalog []metadata.Attribute, a metadata.Attribute) []metadata.Attribute {
	out := make([]metadata.Attribute, 0, len(catalog)+1)
	replaced := false
	for _, c := range catalog {
		if c.AttributeName == a.AttributeName {
			out = append(out, a)
			replaced = true
			continue
		}
		out = append(out, c)
	}
	if !replaced {
		out = append(out, a)
	}
	return out
}
