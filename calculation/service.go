package calculation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/metadata"
)

var (
	// ErrNotFound is returned when an agreement does not exist.
	ErrNotFound = errors.New("agreement not found")

	// ErrInvalid wraps the errors of a calculation pass that failed. Nothing
	// is written when it is returned.
	ErrInvalid = errors.New("calculation failed")
)

// AgreementStore persists agreement records.
type AgreementStore interface {
	GetAgreement(ctx context.Context, id string) (*Agreement, error)
	SaveAgreement(ctx context.Context, a *Agreement) error
}

// InMemoryAgreementStore implements AgreementStore using a map.
type InMemoryAgreementStore struct {
	agreements map[string]*Agreement
	mu         sync.RWMutex
}

var _ AgreementStore = (*InMemoryAgreementStore)(nil)

func NewInMemoryAgreementStore() *InMemoryAgreementStore {
	return &InMemoryAgreementStore{agreements: make(map[string]*Agreement)}
}

func (s *InMemoryAgreementStore) GetAgreement(_ context.Context, id string) (*Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agreements[id]
	if !ok {
		return nil, fmt.Errorf("agreement %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// SaveAgreement stores a copy of a, assigning an ID when it has none.
func (s *InMemoryAgreementStore) SaveAgreement(_ context.Context, a *Agreement) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements[a.ID] = a.Clone()
	return nil
}

// List returns every stored agreement ordered by ID.
func (s *InMemoryAgreementStore) List() []*Agreement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agreement, 0, len(s.agreements))
	for _, a := range s.agreements {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Service runs calculations ahead of agreement writes.
type Service struct {
	engine *Engine
	store  AgreementStore
}

func NewService(engine *Engine, store AgreementStore) *Service {
	return &Service{engine: engine, store: store}
}

// CalculateAndSave applies rules to a copy of a and stores the copy only when
// every rule succeeded. a itself is never modified.
func (s *Service) CalculateAndSave(ctx context.Context, a *Agreement, rules []metadata.CalculationRule) (*Agreement, ValidationResult, error) {
	working := a.Clone()
	result := s.engine.EvaluateCalculations(ctx, working, rules)
	return s.save(ctx, working, result)
}

// CalculateForTypeAndSave is CalculateAndSave driven by the agreement type's
// compiled definition.
func (s *Service) CalculateForTypeAndSave(ctx context.Context, a *Agreement) (*Agreement, ValidationResult, error) {
	working := a.Clone()
	result := s.engine.EvaluateForType(ctx, working)
	return s.save(ctx, working, result)
}

// Recalculate reloads a stored agreement, recalculates it for its type and
// writes it back.
func (s *Service) Recalculate(ctx context.Context, id string) (*Agreement, ValidationResult, error) {
	a, err := s.store.GetAgreement(ctx, id)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	return s.CalculateForTypeAndSave(ctx, a)
}

func (s *Service) save(ctx context.Context, working *Agreement, result ValidationResult) (*Agreement, ValidationResult, error) {
	if !result.Valid {
		logger.Warn("agreement write rejected by calculation",
			"agreement", working.ID,
			"type", working.Key().String(),
			"errors", len(result.Errors))
		return nil, result, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(result.Errors, "; "))
	}
	if err := s.store.SaveAgreement(ctx, working); err != nil {
		return nil, result, fmt.Errorf("failed to save agreement: %w", err)
	}
	return working, result, nil
}
