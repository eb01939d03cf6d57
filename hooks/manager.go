package hooks

import (
	"context"
	"fmt"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/internal/logger"
)

// Manager validates and stores hooks, keeping the pipeline's route cache in
// step with the store.
type Manager struct {
	store    HookStore
	ev       *expression.Evaluator
	pipeline *Pipeline
}

func NewManager(store HookStore, ev *expression.Evaluator, pipeline *Pipeline) *Manager {
	return &Manager{store: store, ev: ev, pipeline: pipeline}
}

// Create validates and stores a new hook.
func (m *Manager) Create(ctx context.Context, h *MessageHook) error {
	if err := h.Validate(m.ev); err != nil {
		return err
	}
	if err := m.store.Add(ctx, h); err != nil {
		return err
	}
	m.pipeline.InvalidateRoutes()
	logger.Info("hook created", "hook", h.HookName, "message_type", h.MessageType, "source_system", h.SourceSystem)
	return nil
}

// Update validates and replaces an existing hook.
func (m *Manager) Update(ctx context.Context, h *MessageHook) error {
	if err := h.Validate(m.ev); err != nil {
		return err
	}
	if err := m.store.Update(ctx, h); err != nil {
		return err
	}
	m.pipeline.InvalidateRoutes()
	logger.Info("hook updated", "hook", h.HookName)
	return nil
}

// SetEnabled turns a hook on or off. Enabling revalidates it.
func (m *Manager) SetEnabled(ctx context.Context, name string, enabled bool) error {
	h, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	h.Enabled = enabled
	return m.Update(ctx, h)
}

// Delete removes a hook.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.store.Delete(ctx, name); err != nil {
		return err
	}
	m.pipeline.InvalidateRoutes()
	logger.Info("hook deleted", "hook", name)
	return nil
}

// Get returns a stored hook.
func (m *Manager) Get(ctx context.Context, name string) (*MessageHook, error) {
	return m.store.Get(ctx, name)
}

// List returns every stored hook.
func (m *Manager) List(ctx context.Context) ([]*MessageHook, error) {
	return m.store.List(ctx)
}

// Test runs an unsaved hook against a sample message without writing audit
// rows.
func (m *Manager) Test(ctx context.Context, h *MessageHook, req Request) (*ProcessingContext, error) {
	if err := h.Validate(m.ev); err != nil {
		return nil, err
	}
	if h.Transformation.Blank() {
		return nil, expression.Configurationf("test_hook", "hook %s has no transformation script", h.HookName)
	}
	if req.MessageType == "" {
		req.MessageType = h.MessageType
	}
	if req.SourceSystem == "" {
		req.SourceSystem = h.SourceSystem
	}
	pc, err := m.pipeline.Execute(ctx, Run{Hooks: []*MessageHook{h}, Context: NewContext(req), SkipAudit: true})
	if err != nil && pc == nil {
		return nil, fmt.Errorf("failed to test hook %s: %w", h.HookName, err)
	}
	return pc, err
}
