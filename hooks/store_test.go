package hooks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryHookStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryHookStore()

	h := hook("enrich", "{'a': 1}")
	require.NoError(t, store.Add(ctx, h))
	assert.NotEmpty(t, h.ID)
	assert.False(t, h.CreatedAt.IsZero())

	err := store.Add(ctx, hook("enrich", "{'b': 2}"))
	assert.ErrorIs(t, err, ErrDuplicateHook)

	got, err := store.Get(ctx, "enrich")
	require.NoError(t, err)
	got.Description = "mutated copy"
	again, err := store.Get(ctx, "enrich")
	require.NoError(t, err)
	assert.Empty(t, again.Description, "store hands out copies")

	update := hook("enrich", "{'a': 2}")
	update.Description = "v2"
	require.NoError(t, store.Update(ctx, update))
	assert.Equal(t, h.ID, update.ID)
	assert.Equal(t, h.CreatedAt, update.CreatedAt)

	assert.ErrorIs(t, store.Update(ctx, hook("missing", "{}")), ErrHookNotFound)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrHookNotFound)

	require.NoError(t, store.Delete(ctx, "enrich"))
	assert.ErrorIs(t, store.Delete(ctx, "enrich"), ErrHookNotFound)
}

func TestInMemoryHookStore_ListEnabled(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryHookStore()

	b := hook("b", "{}")
	b.Transformation.Order = 1
	a := hook("a", "{}")
	a.Transformation.Order = 1
	first := hook("z-first", "{}")
	first.Transformation.Order = 0
	off := hook("off", "{}")
	off.Enabled = false
	elsewhere := hook("elsewhere", "{}")
	elsewhere.MessageType = "CLAIM_OPENED"
	for _, h := range []*MessageHook{b, a, first, off, elsewhere} {
		require.NoError(t, store.Add(ctx, h))
	}

	hooks, err := store.ListEnabled(ctx, "POLICY_ISSUED", "broker")
	require.NoError(t, err)
	var names []string
	for _, h := range hooks {
		names = append(names, h.HookName)
	}
	assert.Equal(t, []string{"z-first", "a", "b"}, names)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, "a", all[0].HookName)
}

func completedExecution(correlationID string, completedAt time.Time) Execution {
	return Execution{
		ID:            correlationID + "-" + completedAt.Format("150405.000"),
		HookName:      "h",
		CorrelationID: correlationID,
		Stage:         StageTransformation,
		Attempt:       1,
		MaxAttempts:   1,
		Status:        StatusSuccess,
		Input:         map[string]any{"message": map[string]any{"a": 1.0}},
		Output:        map[string]any{"b": "two"},
		StartedAt:     completedAt.Add(-time.Millisecond),
		CompletedAt:   completedAt,
		DurationMs:    1,
	}
}

func testAuditStore(t *testing.T, store AuditStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	incomplete := completedExecution("c1", now)
	incomplete.Status = StatusRunning
	assert.Error(t, store.Append(ctx, incomplete))

	old := completedExecution("c1", now.Add(-48*time.Hour))
	recent := completedExecution("c1", now)
	recent.Status = StatusFailed
	recent.ErrorKind = "EVALUATION_ERROR"
	recent.ErrorMessage = "boom"
	other := completedExecution("c2", now)

	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, recent))
	require.NoError(t, store.Append(ctx, other))

	rows, err := store.ListByCorrelation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, old.ID, rows[0].ID, "rows come back in write order")
	assert.Equal(t, StatusFailed, rows[1].Status)
	assert.Equal(t, "boom", rows[1].ErrorMessage)
	assert.Equal(t, map[string]any{"b": "two"}, rows[1].Output)
	assert.True(t, recent.CompletedAt.Equal(rows[1].CompletedAt))

	removed, err := store.Prune(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	rows, err = store.ListByCorrelation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, recent.ID, rows[0].ID)
}

func TestInMemoryAuditStore(t *testing.T) {
	testAuditStore(t, NewInMemoryAuditStore())
}

func TestSQLiteAuditStore(t *testing.T) {
	store, err := NewSQLiteAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	testAuditStore(t, store)
}

func TestSQLiteAuditStore_EmptyPath(t *testing.T) {
	_, err := NewSQLiteAuditStore("")
	assert.Error(t, err)
}

func TestRouteCache(t *testing.T) {
	cache := NewRouteCache(time.Hour)
	_, ok := cache.Get("POLICY_ISSUED", "broker")
	assert.False(t, ok)

	hooks := []*MessageHook{hook("a", "{}")}
	cache.Set("POLICY_ISSUED", "broker", hooks)
	hooks[0] = hook("replaced", "{}")

	got, ok := cache.Get("POLICY_ISSUED", "broker")
	require.True(t, ok)
	assert.Equal(t, "a", got[0].HookName)

	_, ok = cache.Get("POLICY_ISSUED", "portal")
	assert.False(t, ok)

	cache.Invalidate()
	_, ok = cache.Get("POLICY_ISSUED", "broker")
	assert.False(t, ok)
}

func TestRouteCache_Expiry(t *testing.T) {
	cache := NewRouteCache(time.Millisecond)
	cache.Set("m", "s", nil)
	time.Sleep(5 * time.Millisecond)
	_, ok := cache.Get("m", "s")
	assert.False(t, ok)

	forever := NewRouteCache(0)
	forever.Set("m", "s", nil)
	_, ok = forever.Get("m", "s")
	assert.True(t, ok)
}
