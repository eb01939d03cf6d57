package calculation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/metadata"
)

// ValidationResult is the aggregate outcome of one calculation pass. Callers
// must treat an invalid result as a failure of the whole write.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// DefinitionSource serves compiled definitions. *registry.Registry
// implements it.
type DefinitionSource interface {
	GetCompiledDefinition(ctx context.Context, key metadata.TypeKey) (*metadata.CompiledObjectDefinition, bool, error)
}

// Observer receives one event per calculation pass.
type Observer interface {
	ObserveCalculation(valid bool, rules int, elapsed time.Duration)
}

// Engine runs calculations against agreements. It holds no per-record state
// and is safe for concurrent use.
type Engine struct {
	ev          *expression.Evaluator
	definitions DefinitionSource
	observer    Observer
}

// NewEngine creates an engine. definitions may be nil when only
// EvaluateCalculations is used.
func NewEngine(ev *expression.Evaluator, definitions DefinitionSource) *Engine {
	return &Engine{ev: ev, definitions: definitions}
}

func (e *Engine) SetObserver(o Observer) { e.observer = o }

// EvaluateCalculations applies rules in ascending order, writing each non-null
// result back to the agreement and into the evaluation context so later rules
// can read it. Rule failures are collected; the batch always runs to the end.
func (e *Engine) EvaluateCalculations(ctx context.Context, a *Agreement, rules []metadata.CalculationRule) ValidationResult {
	start := time.Now()
	result := ValidationResult{Valid: true, Errors: []string{}}
	record := a.Record()

	e.applyRules(ctx, a, record, rules, &result)

	e.observe(result, len(rules), start)
	return result
}

// EvaluateForType runs the calculated fields of the agreement's type in
// dependency order, then the type's calculation rules, then its validation
// rules and required-field checks.
func (e *Engine) EvaluateForType(ctx context.Context, a *Agreement) ValidationResult {
	start := time.Now()
	result := ValidationResult{Valid: true, Errors: []string{}}

	if e.definitions == nil {
		result.addError("no definition source configured")
		return result
	}
	def, ok, err := e.definitions.GetCompiledDefinition(ctx, a.Key())
	if err != nil {
		result.addError("failed to load definition for %s: %v", a.Key(), err)
		return result
	}
	if !ok {
		result.addError("unknown or inactive agreement type %s", a.Key())
		return result
	}

	record := a.Record()
	for _, f := range def.CalculatedFields {
		e.applyField(ctx, a, record, f, &result)
	}
	for _, name := range def.CyclicFields {
		result.addError("field %s: not calculated, it is part of a dependency cycle", name)
	}

	rules, err := metadata.ParseCalculationRules(def.CalculationRules)
	if err != nil {
		result.addError("calculation rules: %v", err)
	} else {
		e.applyRules(ctx, a, record, rules, &result)
	}

	for _, f := range def.Fields {
		if f.Required {
			if v, ok := record[f.AttributeName]; !ok || v == nil {
				result.addError("field %s is required", f.AttributeName)
			}
		}
	}

	vrules, err := metadata.ParseValidationRules(def.ValidationRules)
	if err != nil {
		result.addError("validation rules: %v", err)
	} else {
		e.applyValidation(ctx, record, vrules, &result)
	}

	e.observe(result, len(def.CalculatedFields)+len(rules), start)
	return result
}

func (e *Engine) applyRules(ctx context.Context, a *Agreement, record map[string]any, rules []metadata.CalculationRule, result *ValidationResult) {
	ordered := make([]metadata.CalculationRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for _, rule := range ordered {
		v, err := e.ev.Evaluate(ctx, record, rule.Expression)
		if err != nil {
			result.addError("rule %s: %v", rule.TargetField, err)
			continue
		}
		if v == nil {
			continue
		}
		rt := rule.ResultType
		if rt == "" {
			rt = expression.ResultNumber
		}
		e.write(a, record, rule.TargetField, v, rt, rule.EffectiveScale(), result)
	}
}

func (e *Engine) applyField(ctx context.Context, a *Agreement, record map[string]any, f metadata.CompiledField, result *ValidationResult) {
	if !f.Compiled() {
		return
	}
	v, err := f.Program.Eval(ctx, record)
	if err != nil {
		result.addError("field %s: %v", f.AttributeName, err)
		return
	}
	if v == nil {
		return
	}
	rt, scale, typed := resultTypeFor(f.DataType)
	if !typed {
		record[f.AttributeName] = v
		if err := a.Set(f.AttributeName, v); err != nil {
			result.addError("field %s: %v", f.AttributeName, err)
		}
		return
	}
	e.write(a, record, f.AttributeName, v, rt, scale, result)
}

func (e *Engine) write(a *Agreement, record map[string]any, target string, v any, rt expression.ResultType, scale int, result *ValidationResult) {
	coerced, err := expression.Coerce(v, rt, scale)
	if err != nil {
		result.addError("%s: %v", target, err)
		return
	}
	if err := a.Set(target, coerced); err != nil {
		result.addError("%s: %v", target, err)
		return
	}
	record[target] = coerced
}

func (e *Engine) applyValidation(ctx context.Context, record map[string]any, rules []metadata.ValidationRule, result *ValidationResult) {
	for _, rule := range rules {
		v, err := e.ev.Evaluate(ctx, record, rule.Expression)
		if err != nil {
			result.addError("validation %s: %v", rule.Name, err)
			continue
		}
		if v == nil {
			continue
		}
		ok, err := expression.Coerce(v, expression.ResultBoolean, 0)
		if err != nil {
			result.addError("validation %s: %v", rule.Name, err)
			continue
		}
		if !ok.(bool) {
			msg := strings.TrimSpace(rule.Message)
			if msg == "" {
				msg = fmt.Sprintf("validation %s failed", rule.Name)
			}
			result.addError("%s", msg)
		}
	}
}

// resultTypeFor maps a field's data type to the coercion applied to its
// calculated value.
func resultTypeFor(dt metadata.DataType) (expression.ResultType, int, bool) {
	switch dt {
	case metadata.DataCurrency:
		return expression.ResultCurrency, expression.DefaultScale, true
	case metadata.DataPercentage:
		return expression.ResultPercentage, expression.DefaultScale, true
	case metadata.DataDecimal:
		return expression.ResultNumber, expression.DefaultScale, true
	case metadata.DataInteger:
		return expression.ResultNumber, 0, true
	case metadata.DataBoolean:
		return expression.ResultBoolean, 0, true
	}
	return "", 0, false
}

func (e *Engine) observe(result ValidationResult, rules int, start time.Time) {
	elapsed := time.Since(start)
	if !result.Valid {
		logger.Debug("calculation produced errors", "errors", len(result.Errors), "duration_ms", elapsed.Milliseconds())
	}
	if e.observer != nil {
		e.observer.ObserveCalculation(result.Valid, rules, elapsed)
	}
}
