package calculation

import (
	"context"
	"errors"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/metadata"
	"github.com/liamcoop/metaengine/registry"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	ev, err := expression.NewEvaluator(expression.Config{})
	require.NoError(t, err)
	return NewEngine(ev, nil)
}

func scale(n int) *int { return &n }

func decimalString(t *testing.T, v any) string {
	t.Helper()
	d, ok := v.(*apd.Decimal)
	require.True(t, ok, "expected *apd.Decimal, got %T", v)
	return d.String()
}

func TestEvaluateCalculations_TotalPremium(t *testing.T) {
	e := newEngine(t)
	a := &Agreement{Attributes: map[string]any{"rate": 0.02, "limit": 500000}}
	rules := []metadata.CalculationRule{{
		TargetField: "TotalPremium",
		Expression:  "rate * limit",
		ResultType:  expression.ResultCurrency,
		Scale:       scale(4),
	}}

	res := e.EvaluateCalculations(context.Background(), a, rules)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "10000.0000", decimalString(t, a.Attributes["TotalPremium"]))
}

func TestEvaluateCalculations_NullSkips(t *testing.T) {
	e := newEngine(t)
	a := &Agreement{Attributes: map[string]any{"rate": nil, "limit": 500000}}
	rules := []metadata.CalculationRule{{
		TargetField: "TotalPremium",
		Expression:  "rate * limit",
		ResultType:  expression.ResultCurrency,
		Scale:       scale(4),
	}}

	res := e.EvaluateCalculations(context.Background(), a, rules)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	_, present := a.Attributes["TotalPremium"]
	assert.False(t, present, "a null result must not be written")
}

func TestEvaluateCalculations_Chaining(t *testing.T) {
	e := newEngine(t)
	a := &Agreement{Attributes: map[string]any{"rate": 0.02, "limit": 500000}}
	rules := []metadata.CalculationRule{
		{TargetField: "tax", Expression: "base * 0.1", ResultType: expression.ResultCurrency, Scale: scale(2), Order: 2},
		{TargetField: "base", Expression: "rate * limit", ResultType: expression.ResultCurrency, Order: 1},
	}

	res := e.EvaluateCalculations(context.Background(), a, rules)
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Equal(t, "10000.0000", decimalString(t, a.Attributes["base"]))
	assert.Equal(t, "1000.00", decimalString(t, a.Attributes["tax"]))
}

func TestEvaluateCalculations_ErrorsAccumulate(t *testing.T) {
	e := newEngine(t)
	a := &Agreement{Attributes: map[string]any{"limit": 500000, "label": "gold"}}
	rules := []metadata.CalculationRule{
		{TargetField: "broken", Expression: "limit / label", ResultType: expression.ResultNumber, Order: 1},
		{TargetField: "notNumber", Expression: "label", ResultType: expression.ResultCurrency, Order: 2},
		{TargetField: "half", Expression: "limit / 2", ResultType: expression.ResultNumber, Scale: scale(0), Order: 3},
	}

	res := e.EvaluateCalculations(context.Background(), a, rules)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "broken")
	assert.Contains(t, res.Errors[1], "notNumber")
	assert.Equal(t, "250000", decimalString(t, a.Attributes["half"]), "later rules still run")
}

func TestEvaluateCalculations_ReservedFields(t *testing.T) {
	e := newEngine(t)
	a := &Agreement{
		Premium:    apd.New(5, 0),
		SumInsured: apd.New(250000, 0),
		Attributes: map[string]any{"premium": 1},
	}
	rules := []metadata.CalculationRule{
		{TargetField: "doubled", Expression: "premium * 2", ResultType: expression.ResultNumber, Scale: scale(0), Order: 1},
		{TargetField: FieldPremium, Expression: "sumInsured * 0.01", ResultType: expression.ResultCurrency, Scale: scale(2), Order: 2},
		{TargetField: "eligible", Expression: "'true'", ResultType: expression.ResultBoolean, Order: 3},
	}

	res := e.EvaluateCalculations(context.Background(), a, rules)
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Equal(t, "10", decimalString(t, a.Attributes["doubled"]), "top-level premium wins over the attribute")
	require.NotNil(t, a.Premium)
	assert.Equal(t, "2500.00", a.Premium.String())
	assert.Equal(t, 1, a.Attributes["premium"], "attribute bag entry is untouched")
	assert.Equal(t, true, a.Attributes["eligible"])
}

func TestEvaluateCalculations_SecurityViolation(t *testing.T) {
	e := newEngine(t)
	a := &Agreement{Attributes: map[string]any{}}
	rules := []metadata.CalculationRule{
		{TargetField: "x", Expression: "system.secret", ResultType: expression.ResultNumber},
	}

	res := e.EvaluateCalculations(context.Background(), a, rules)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], string(expression.KindSecurityViolation))
}

func typeStore(t *testing.T) *metadata.InMemoryStore {
	t.Helper()
	ctx := context.Background()
	store := metadata.NewInMemoryStore()
	key := metadata.TypeKey{TenantID: "t1", TypeCode: "AUTO", MarketContext: "retail"}

	field := func(name string, dt metadata.DataType, script string, deps ...string) metadata.Attribute {
		return metadata.Attribute{
			FieldDefinition: metadata.FieldDefinition{
				AttributeName:     name,
				DisplayName:       name,
				DataType:          dt,
				CalculationScript: script,
				DependsOn:         deps,
			},
			TenantID:      key.TenantID,
			MarketContext: key.MarketContext,
			Active:        true,
		}
	}
	for _, a := range []metadata.Attribute{
		field("rate", metadata.DataDecimal, ""),
		field("limit", metadata.DataCurrency, ""),
		field("tax", metadata.DataCurrency, "basePremium * 0.1", "basePremium"),
		field("basePremium", metadata.DataCurrency, "rate * limit", "rate", "limit"),
	} {
		require.NoError(t, store.SaveAttribute(ctx, a))
	}

	required := true
	require.NoError(t, store.SaveType(ctx, &metadata.AgreementType{
		Key:         key,
		DisplayName: "Auto",
		Active:      true,
		Attributes: []metadata.TypeAttribute{
			{AttributeName: "rate"},
			{AttributeName: "limit", Required: &required},
			{AttributeName: "tax"},
			{AttributeName: "basePremium"},
		},
		CalculationRules: `[{"targetField":"premium","expression":"basePremium + tax","resultType":"CURRENCY","scale":2,"order":1}]`,
		ValidationRules:  `[{"name":"cap","expression":"premium < 50000","message":"premium exceeds the cap"}]`,
	}))
	return store
}

func TestEvaluateForType(t *testing.T) {
	ev, err := expression.NewEvaluator(expression.Config{})
	require.NoError(t, err)
	reg := registry.New(typeStore(t), ev, registry.DefaultConfig(), nil)
	e := NewEngine(ev, reg)
	ctx := context.Background()

	t.Run("calculates in dependency order", func(t *testing.T) {
		a := &Agreement{TenantID: "t1", TypeCode: "AUTO", MarketContext: "retail",
			Attributes: map[string]any{"rate": 0.02, "limit": 500000}}
		res := e.EvaluateForType(ctx, a)
		require.True(t, res.Valid, "errors: %v", res.Errors)
		assert.Equal(t, "10000.0000", decimalString(t, a.Attributes["basePremium"]))
		assert.Equal(t, "1000.0000", decimalString(t, a.Attributes["tax"]))
		require.NotNil(t, a.Premium)
		assert.Equal(t, "11000.00", a.Premium.String())
	})

	t.Run("validation rule failure", func(t *testing.T) {
		a := &Agreement{TenantID: "t1", TypeCode: "AUTO", MarketContext: "retail",
			Attributes: map[string]any{"rate": 0.2, "limit": 500000}}
		res := e.EvaluateForType(ctx, a)
		assert.False(t, res.Valid)
		assert.Equal(t, []string{"premium exceeds the cap"}, res.Errors)
	})

	t.Run("missing required field", func(t *testing.T) {
		a := &Agreement{TenantID: "t1", TypeCode: "AUTO", MarketContext: "retail",
			Attributes: map[string]any{"rate": 0.02}}
		res := e.EvaluateForType(ctx, a)
		assert.False(t, res.Valid)
		assert.Equal(t, []string{"field limit is required"}, res.Errors)
		assert.Nil(t, a.Premium)
	})

	t.Run("unknown type", func(t *testing.T) {
		a := &Agreement{TenantID: "t1", TypeCode: "HOME", MarketContext: "retail"}
		res := e.EvaluateForType(ctx, a)
		assert.False(t, res.Valid)
		require.Len(t, res.Errors, 1)
	})
}

func TestService_CalculateAndSave(t *testing.T) {
	store := NewInMemoryAgreementStore()
	svc := NewService(newEngine(t), store)
	ctx := context.Background()

	good := []metadata.CalculationRule{{TargetField: "TotalPremium", Expression: "rate * limit", ResultType: expression.ResultCurrency}}
	a := &Agreement{TenantID: "t1", TypeCode: "AUTO", MarketContext: "retail",
		Attributes: map[string]any{"rate": 0.02, "limit": 500000}}

	saved, res, err := svc.CalculateAndSave(ctx, a, good)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, saved.ID)
	_, touched := a.Attributes["TotalPremium"]
	assert.False(t, touched, "the caller's agreement is not modified")

	stored, err := store.GetAgreement(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "10000.0000", decimalString(t, stored.Attributes["TotalPremium"]))

	bad := append(good, metadata.CalculationRule{TargetField: "x", Expression: "limit / 'y'", ResultType: expression.ResultNumber, Order: 2})
	_, res, err = svc.CalculateAndSave(ctx, &Agreement{Attributes: map[string]any{"rate": 0.02, "limit": 1}}, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.False(t, res.Valid)
	assert.Len(t, store.List(), 1, "an invalid pass must not be written")

	_, err = store.GetAgreement(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
