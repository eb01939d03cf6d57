package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/metaengine/expression"
)

func newManager(t *testing.T) (*Manager, *Pipeline, *InMemoryHookStore, *InMemoryAuditStore) {
	t.Helper()
	ev := newEvaluator(t)
	store := NewInMemoryHookStore()
	audit := NewInMemoryAuditStore()
	p := NewPipeline(ev, store, audit)
	return NewManager(store, ev, p), p, store, audit
}

func TestManager_CreateRejectsInvalidHooks(t *testing.T) {
	m, _, store, _ := newManager(t)
	ctx := context.Background()

	err := m.Create(ctx, hook("evil", "{'home': system.getenv('HOME')}"))
	require.Error(t, err)
	assert.Equal(t, expression.KindSecurityViolation, expression.KindOf(err))

	hooks, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestManager_MutationsInvalidateRoutes(t *testing.T) {
	m, p, _, _ := newManager(t)
	ctx := context.Background()

	pc, err := p.Process(ctx, request())
	require.NoError(t, err)
	assert.NotContains(t, pc.Result, "tagged")

	require.NoError(t, m.Create(ctx, hook("tagger", "{'tagged': true}")))
	pc, err = p.Process(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, true, pc.Result["tagged"])

	require.NoError(t, m.SetEnabled(ctx, "tagger", false))
	pc, err = p.Process(ctx, request())
	require.NoError(t, err)
	assert.NotContains(t, pc.Result, "tagged")

	require.NoError(t, m.SetEnabled(ctx, "tagger", true))
	require.NoError(t, m.Delete(ctx, "tagger"))
	pc, err = p.Process(ctx, request())
	require.NoError(t, err)
	assert.NotContains(t, pc.Result, "tagged")
}

func TestManager_Update(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, hook("h", "{'v': 1}")))
	bad := hook("h", "{'v': ")
	assert.Error(t, m.Update(ctx, bad))

	good := hook("h", "{'v': 2}")
	require.NoError(t, m.Update(ctx, good))
	got, err := m.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "{'v': 2}", got.Transformation.Script)

	assert.ErrorIs(t, m.Update(ctx, hook("missing", "{}")), ErrHookNotFound)
}

func TestManager_TestSkipsAudit(t *testing.T) {
	m, _, store, audit := newManager(t)

	h := hook("draft", "{'premium': message.premium + 10}")
	pc, err := m.Test(context.Background(), h, Request{Message: map[string]any{"premium": 90}})
	require.NoError(t, err)

	assert.False(t, pc.Errored)
	assert.Equal(t, 100.0, pc.Result["premium"])
	assert.Len(t, pc.Executions, 1)
	assert.Equal(t, "POLICY_ISSUED", pc.MessageType)
	assert.Zero(t, audit.Len())

	hooks, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hooks, "test runs are not saved")
}

func TestManager_TestRequiresTransformation(t *testing.T) {
	m, _, _, _ := newManager(t)
	h := hook("draft", "")
	h.Enabled = false

	_, err := m.Test(context.Background(), h, request())
	require.Error(t, err)
	assert.Equal(t, expression.KindConfiguration, expression.KindOf(err))
}
