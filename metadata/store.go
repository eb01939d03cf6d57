package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a type or attribute does not exist.
var ErrNotFound = errors.New("not found")

// Store is the metadata persistence collaborator.
type Store interface {
	// GetType returns the type row, active or not.
	GetType(ctx context.Context, key TypeKey) (*AgreementType, error)

	// ListActiveTypes returns the keys of every active type.
	ListActiveTypes(ctx context.Context) ([]TypeKey, error)

	// ListAttributes returns the attribute catalog for a tenant and market
	// context, including inactive rows.
	ListAttributes(ctx context.Context, tenantID, marketContext string) ([]Attribute, error)

	// SaveType inserts or replaces a type row.
	SaveType(ctx context.Context, t *AgreementType) error

	// SetTypeActive flips a type's active flag.
	SetTypeActive(ctx context.Context, key TypeKey, active bool) error

	// SaveAttribute inserts or replaces a catalog row.
	SaveAttribute(ctx context.Context, a Attribute) error

	// SetAttributeActive flips a catalog row's active flag.
	SetAttributeActive(ctx context.Context, tenantID, marketContext, name string, active bool) error

	// TypesUsingAttribute returns every type that links the attribute.
	TypesUsingAttribute(ctx context.Context, tenantID, marketContext, name string) ([]TypeKey, error)
}

type attributeKey struct {
	tenantID, marketContext, name string
}

// InMemoryStore implements Store using maps.
type InMemoryStore struct {
	types      map[TypeKey]*AgreementType
	attributes map[attributeKey]Attribute
	mu         sync.RWMutex
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		types:      make(map[TypeKey]*AgreementType),
		attributes: make(map[attributeKey]Attribute),
	}
}

func (s *InMemoryStore) GetType(_ context.Context, key TypeKey) (*AgreementType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.types[key]
	if !ok {
		return nil, fmt.Errorf("type %s: %w", key, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) ListActiveTypes(_ context.Context) ([]TypeKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []TypeKey
	for k, t := range s.types {
		if t.Active {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (s *InMemoryStore) ListAttributes(_ context.Context, tenantID, marketContext string) ([]Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Attribute
	for k, a := range s.attributes {
		if k.tenantID == tenantID && k.marketContext == marketContext {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttributeName < out[j].AttributeName })
	return out, nil
}

func (s *InMemoryStore) SaveType(_ context.Context, t *AgreementType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	cp.UpdatedAt = time.Now()
	s.types[t.Key] = &cp
	return nil
}

func (s *InMemoryStore) SetTypeActive(_ context.Context, key TypeKey, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.types[key]
	if !ok {
		return fmt.Errorf("type %s: %w", key, ErrNotFound)
	}
	cp := *t
	cp.Active = active
	cp.UpdatedAt = time.Now()
	s.types[key] = &cp
	return nil
}

func (s *InMemoryStore) SaveAttribute(_ context.Context, a Attribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.UpdatedAt = time.Now()
	s.attributes[attributeKey{a.TenantID, a.MarketContext, a.AttributeName}] = a
	return nil
}

func (s *InMemoryStore) SetAttributeActive(_ context.Context, tenantID, marketContext, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := attributeKey{tenantID, marketContext, name}
	a, ok := s.attributes[k]
	if !ok {
		return fmt.Errorf("attribute %s: %w", name, ErrNotFound)
	}
	a.Active = active
	a.UpdatedAt = time.Now()
	s.attributes[k] = a
	return nil
}

func (s *InMemoryStore) TypesUsingAttribute(_ context.Context, tenantID, marketContext, name string) ([]TypeKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []TypeKey
	for k, t := range s.types {
		if k.TenantID != tenantID || k.MarketContext != marketContext {
			continue
		}
		for _, link := range t.Attributes {
			if link.AttributeName == name {
				keys = append(keys, k)
				break
			}
		}
	}
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []TypeKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
