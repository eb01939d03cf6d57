package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrHookNotFound is returned when no hook has the requested name.
	ErrHookNotFound = errors.New("hook not found")

	// ErrDuplicateHook is returned when a hook name is already taken.
	ErrDuplicateHook = errors.New("hook name already exists")
)

// HookStore manages hook persistence. Hook names are globally unique.
type HookStore interface {
	// Add stores a new hook, assigning its ID and timestamps.
	Add(ctx context.Context, h *MessageHook) error

	// Get returns a hook by name.
	Get(ctx context.Context, name string) (*MessageHook, error)

	// List returns every hook ordered by name.
	List(ctx context.Context) ([]*MessageHook, error)

	// ListEnabled returns the enabled hooks for a message type and source
	// system in pipeline order.
	ListEnabled(ctx context.Context, messageType, sourceSystem string) ([]*MessageHook, error)

	// Update replaces an existing hook, keeping its ID and CreatedAt.
	Update(ctx context.Context, h *MessageHook) error

	// Delete removes a hook.
	Delete(ctx context.Context, name string) error
}

// SortHooks puts hooks in pipeline order: transformation order, then name.
func SortHooks(hooks []*MessageHook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Transformation.Order != hooks[j].Transformation.Order {
			return hooks[i].Transformation.Order < hooks[j].Transformation.Order
		}
		return hooks[i].HookName < hooks[j].HookName
	})
}

// InMemoryHookStore implements HookStore using a map.
type InMemoryHookStore struct {
	hooks map[string]*MessageHook
	mu    sync.RWMutex
}

var _ HookStore = (*InMemoryHookStore)(nil)

func NewInMemoryHookStore() *InMemoryHookStore {
	return &InMemoryHookStore{hooks: make(map[string]*MessageHook)}
}

func (s *InMemoryHookStore) Add(_ context.Context, h *MessageHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hooks[h.HookName]; exists {
		return fmt.Errorf("hook %s: %w", h.HookName, ErrDuplicateHook)
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	now := time.Now()
	h.CreatedAt = now
	h.UpdatedAt = now
	stored := *h
	s.hooks[h.HookName] = &stored
	return nil
}

func (s *InMemoryHookStore) Get(_ context.Context, name string) (*MessageHook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hooks[name]
	if !ok {
		return nil, fmt.Errorf("hook %s: %w", name, ErrHookNotFound)
	}
	out := *h
	return &out, nil
}

func (s *InMemoryHookStore) List(_ context.Context) ([]*MessageHook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*MessageHook, 0, len(s.hooks))
	for _, h := range s.hooks {
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HookName < out[j].HookName })
	return out, nil
}

func (s *InMemoryHookStore) ListEnabled(_ context.Context, messageType, sourceSystem string) ([]*MessageHook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*MessageHook
	for _, h := range s.hooks {
		if h.Enabled && h.MessageType == messageType && h.SourceSystem == sourceSystem {
			c := *h
			out = append(out, &c)
		}
	}
	SortHooks(out)
	return out, nil
}

func (s *InMemoryHookStore) Update(_ context.Context, h *MessageHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.hooks[h.HookName]
	if !ok {
		return fmt.Errorf("hook %s: %w", h.HookName, ErrHookNotFound)
	}
	h.ID = existing.ID
	h.CreatedAt = existing.CreatedAt
	h.UpdatedAt = time.Now()
	stored := *h
	s.hooks[h.HookName] = &stored
	return nil
}

func (s *InMemoryHookStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.hooks[name]; !ok {
		return fmt.Errorf("hook %s: %w", name, ErrHookNotFound)
	}
	delete(s.hooks, name)
	return nil
}

// AuditStore is the append-only execution log.
type AuditStore interface {
	// Append writes one completed execution row.
	Append(ctx context.Context, e Execution) error

	// ListByCorrelation returns the rows of one run in the order written.
	ListByCorrelation(ctx context.Context, correlationID string) ([]Execution, error)

	// Prune deletes rows completed before the cutoff and reports how many.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// checkComplete rejects rows whose attempt has not ended.
func checkComplete(e Execution) error {
	if !e.Status.Done() || e.CompletedAt.IsZero() {
		return fmt.Errorf("execution %s is not complete (status %s)", e.ID, e.Status)
	}
	return nil
}

// InMemoryAuditStore implements AuditStore using a slice.
type InMemoryAuditStore struct {
	rows []Execution
	mu   sync.RWMutex
}

var _ AuditStore = (*InMemoryAuditStore)(nil)

func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{}
}

func (s *InMemoryAuditStore) Append(_ context.Context, e Execution) error {
	if err := checkComplete(e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, e)
	return nil
}

func (s *InMemoryAuditStore) ListByCorrelation(_ context.Context, correlationID string) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Execution
	for _, e := range s.rows {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryAuditStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	var removed int64
	for _, e := range s.rows {
		if e.CompletedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.rows = kept
	return removed, nil
}

// Len returns the number of stored rows.
func (s *InMemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
