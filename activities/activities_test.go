package activities

import (
	"context"
	"errors"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/hooks"
)

func setup(t *testing.T) (*Activities, *hooks.InMemoryHookStore) {
	t.Helper()
	ev, err := expression.NewEvaluator(expression.Config{})
	require.NoError(t, err)
	store := hooks.NewInMemoryHookStore()
	pipeline := hooks.NewPipeline(ev, store, hooks.NewInMemoryAuditStore())
	return New(store, ev, pipeline), store
}

func addHook(t *testing.T, store *hooks.InMemoryHookStore, name string, order int, script string) {
	t.Helper()
	require.NoError(t, store.Add(context.Background(), &hooks.MessageHook{
		HookName:       name,
		TenantID:       "t1",
		MessageType:    "POLICY_ISSUED",
		SourceSystem:   "broker",
		Transformation: hooks.StageScript{Script: script, Order: order},
		Enabled:        true,
	}))
}

func request() hooks.Request {
	return hooks.Request{
		TenantID:     "t1",
		MessageType:  "POLICY_ISSUED",
		SourceSystem: "broker",
		Message:      map[string]any{"policyNumber": "P-1", "premium": 100.0},
	}
}

func TestFetchHooks(t *testing.T) {
	a, store := setup(t)
	addHook(t, store, "second", 2, "{'b': 1}")
	addHook(t, store, "first", 1, "{'a': 1}")

	out, err := a.FetchHooks(context.Background(), FetchHooksInput{MessageType: "POLICY_ISSUED", SourceSystem: "broker"})
	require.NoError(t, err)
	require.Len(t, out.Hooks, 2)
	assert.Equal(t, "first", out.Hooks[0].HookName)
	assert.Equal(t, "second", out.Hooks[1].HookName)

	_, err = a.FetchHooks(context.Background(), FetchHooksInput{})
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestEvaluateExpression(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	out, err := a.EvaluateExpression(ctx, EvaluateInput{
		Script: "premium * rate",
		Record: map[string]any{"premium": 200, "rate": 0.125},
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, out.Value)

	out, err = a.EvaluateExpression(ctx, EvaluateInput{
		Script:     "premium / 3",
		Record:     map[string]any{"premium": 100},
		ResultType: "currency",
		Scale:      2,
	})
	require.NoError(t, err)
	d, ok := out.Value.(*apd.Decimal)
	require.True(t, ok)
	assert.Equal(t, "33.33", d.String())
}

func TestEvaluateExpression_Errors(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		in        EvaluateInput
		kind      string
		retryable bool
	}{
		{"blank", EvaluateInput{Script: "  "}, "INVALID_INPUT", false},
		{"syntax", EvaluateInput{Script: "premium *"}, string(expression.KindSyntax), false},
		{"sandbox", EvaluateInput{Script: "system.secret"}, string(expression.KindSecurityViolation), false},
		{"result type", EvaluateInput{Script: "1", ResultType: "DATE"}, string(expression.KindConfiguration), false},
		{"runtime", EvaluateInput{Script: "fail('nope')"}, string(expression.KindEvaluation), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.EvaluateExpression(ctx, tt.in)
			require.Error(t, err)

			var ae *Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, EvaluateExpressionName, ae.Activity)
			assert.Equal(t, tt.kind, ae.Kind)
			assert.Equal(t, tt.retryable, Retryable(err))
		})
	}
}

func TestExecuteAction_NamedHook(t *testing.T) {
	a, store := setup(t)
	addHook(t, store, "gross", 1, "{'gross': message.premium * 2}")

	out, err := a.ExecuteAction(context.Background(), ExecuteInput{Request: request(), HookName: "gross"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 200.0, out.Result["gross"])

	_, err = a.ExecuteAction(context.Background(), ExecuteInput{Request: request(), HookName: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, hooks.ErrHookNotFound))
	assert.False(t, Retryable(err))
}

func TestExecuteAction_RoutedHooks(t *testing.T) {
	a, store := setup(t)
	addHook(t, store, "a", 1, "{'step': 1}")
	addHook(t, store, "b", 2, "{'step': result.step + 1}")

	out, err := a.ExecuteAction(context.Background(), ExecuteInput{Request: request()})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 2.0, out.Result["step"])

	_, err = a.ExecuteAction(context.Background(), ExecuteInput{})
	assert.False(t, Retryable(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errors.New("connection reset")))
	assert.True(t, Retryable(classify("x", errors.New("connection reset"))))
	assert.False(t, Retryable(classify("x", context.Canceled)))
}
