// Package expression is the sandboxed script evaluator. Tenant scripts are CEL
// expressions evaluated against a flat data record; every name a script can
// see comes from that record, and host namespaces are refused both before
// parsing and at resolution time.
package expression

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/liamcoop/metaengine/internal/logger"
)

const (
	DefaultTimeout          = 2 * time.Second
	DefaultCostLimit        = 1_000_000
	DefaultProgramCacheSize = 1024
)

// Config bounds evaluation. Zero values select the defaults.
type Config struct {
	Timeout          time.Duration
	CostLimit        uint64
	ProgramCacheSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CostLimit == 0 {
		c.CostLimit = DefaultCostLimit
	}
	if c.ProgramCacheSize <= 0 {
		c.ProgramCacheSize = DefaultProgramCacheSize
	}
	return c
}

// Observer receives one call per evaluation. outcome is "ok", "null" or the
// error kind.
type Observer interface {
	ObserveEvaluation(outcome string, elapsed time.Duration)
}

// Evaluator compiles and runs scripts. It is safe for concurrent use.
type Evaluator struct {
	env      *cel.Env
	cfg      Config
	programs *lru.Cache[string, *Program]
	observer Observer
}

// NewEvaluator builds the restricted CEL environment: standard operators,
// string and math extensions, and the decimal library.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	cfg = cfg.withDefaults()

	opts := []cel.EnvOption{
		ext.Strings(),
		ext.Math(),
		cel.CrossTypeNumericComparisons(true),
	}
	opts = append(opts, decimalFunctions()...)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}

	programs, err := lru.New[string, *Program](cfg.ProgramCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}

	return &Evaluator{env: env, cfg: cfg, programs: programs}, nil
}

// SetObserver installs a metrics observer. Call before first use.
func (ev *Evaluator) SetObserver(o Observer) { ev.observer = o }

// Timeout returns the per-evaluation bound.
func (ev *Evaluator) Timeout() time.Duration { return ev.cfg.Timeout }

// Program is a compiled script. It holds no per-evaluation state and may be
// shared between goroutines.
type Program struct {
	source   string
	prog     cel.Program
	timeout  time.Duration
	observer Observer
}

// Source returns the script text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Compile runs the textual denylist, then parses the script. Scripts are not
// type-checked; record fields are dynamic.
func (ev *Evaluator) Compile(script string) (*Program, error) {
	if strings.TrimSpace(script) == "" {
		return nil, &Error{Kind: KindSyntax, Op: "compile", Message: "script is empty"}
	}
	if err := CheckScript(script); err != nil {
		logger.Security("script rejected before parsing", "error", err)
		return nil, err
	}

	ast, issues := ev.env.Parse(normalizeNumericLiterals(script))
	if issues != nil && issues.Err() != nil {
		return nil, &Error{Kind: KindSyntax, Op: "compile", Message: "script does not parse", Cause: issues.Err()}
	}

	prog, err := ev.env.Program(ast,
		cel.CostLimit(ev.cfg.CostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, &Error{Kind: KindSyntax, Op: "compile", Message: "script cannot be planned", Cause: err}
	}

	return &Program{source: script, prog: prog, timeout: ev.cfg.Timeout, observer: ev.observer}, nil
}

// program returns a cached compilation of script.
func (ev *Evaluator) program(script string) (*Program, error) {
	if p, ok := ev.programs.Get(script); ok {
		return p, nil
	}
	p, err := ev.Compile(script)
	if err != nil {
		return nil, err
	}
	ev.programs.Add(script, p)
	return p, nil
}

// Eval runs the program against record. A nil result with a nil error means
// the script produced null, which callers treat as "no result".
func (p *Program) Eval(ctx context.Context, record map[string]any) (result any, err error) {
	start := time.Now()
	defer func() {
		if p.observer != nil {
			outcome := "ok"
			switch {
			case err != nil:
				outcome = string(KindOf(err))
			case result == nil:
				outcome = "null"
			}
			p.observer.ObserveEvaluation(outcome, time.Since(start))
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &Error{Kind: KindEvaluation, Op: "eval", Message: fmt.Sprintf("script panicked: %v", r)}
		}
	}()

	act := newSandboxActivation(record)
	out, _, evalErr := p.prog.ContextEval(ctx, act)

	if act.violation != "" {
		verr := &Error{
			Kind:    KindSecurityViolation,
			Op:      "eval",
			Message: fmt.Sprintf("script resolved reserved name %q", act.violation),
		}
		logger.Security("sandbox violation during evaluation", "name", act.violation, "script", p.source)
		return nil, verr
	}

	if evalErr != nil {
		if ctx.Err() != nil || strings.Contains(evalErr.Error(), "cost limit exceeded") {
			return nil, &Error{Kind: KindTimeout, Op: "eval", Message: "evaluation exceeded its bound", Cause: evalErr}
		}
		if act.nullResolved {
			return nil, nil
		}
		return nil, &Error{Kind: KindEvaluation, Op: "eval", Message: evalErr.Error(), Cause: evalErr}
	}

	v, convErr := toNative(out)
	if convErr != nil {
		if act.nullResolved {
			return nil, nil
		}
		return nil, &Error{Kind: KindEvaluation, Op: "eval", Message: convErr.Error(), Cause: convErr}
	}
	return v, nil
}

// Evaluate compiles (or reuses) script and runs it against record.
func (ev *Evaluator) Evaluate(ctx context.Context, record map[string]any, script string) (any, error) {
	p, err := ev.program(script)
	if err != nil {
		return nil, err
	}
	return p.Eval(ctx, record)
}

// EvaluateDecimal evaluates script and coerces the result to a decimal
// rounded half-up to scale. A null result returns (nil, nil).
func (ev *Evaluator) EvaluateDecimal(ctx context.Context, record map[string]any, script string, scale int) (*apd.Decimal, error) {
	v, err := ev.Evaluate(ctx, record, script)
	if err != nil || v == nil {
		return nil, err
	}
	c, err := Coerce(v, ResultNumber, scale)
	if err != nil {
		return nil, err
	}
	return c.(*apd.Decimal), nil
}

// EvaluateBool evaluates script as a predicate. Null is false.
func (ev *Evaluator) EvaluateBool(ctx context.Context, record map[string]any, script string) (bool, error) {
	v, err := ev.Evaluate(ctx, record, script)
	if err != nil || v == nil {
		return false, err
	}
	c, err := Coerce(v, ResultBoolean, 0)
	if err != nil {
		return false, err
	}
	return c.(bool), nil
}

// EvaluateString evaluates script and formats the result. Null is "".
func (ev *Evaluator) EvaluateString(ctx context.Context, record map[string]any, script string) (string, error) {
	v, err := ev.Evaluate(ctx, record, script)
	if err != nil || v == nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// Validate reports why script would not compile, without evaluating it.
func (ev *Evaluator) Validate(script string) error {
	_, err := ev.Compile(script)
	return err
}

// IsValidSyntax reports whether script passes the denylist and parses.
func (ev *Evaluator) IsValidSyntax(script string) bool {
	return ev.Validate(script) == nil
}

// AsMap asserts a structured script result.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
