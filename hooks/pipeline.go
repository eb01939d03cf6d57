package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/internal/logger"
)

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observer receives one event per finished stage attempt.
type Observer interface {
	ObserveStage(stage, status string, elapsed time.Duration)
}

// DefaultRouteTTL bounds how long a route's hook list is reused.
const DefaultRouteTTL = time.Minute

// Pipeline runs hooks against messages. A Pipeline is safe for concurrent
// use; each run gets its own ProcessingContext.
type Pipeline struct {
	ev       *expression.Evaluator
	hooks    HookStore
	audit    AuditStore
	routes   *RouteCache
	sleep    Sleeper
	now      func() time.Time
	observer Observer
}

// NewPipeline creates a pipeline. audit may be nil.
func NewPipeline(ev *expression.Evaluator, hooks HookStore, audit AuditStore) *Pipeline {
	return &Pipeline{
		ev:     ev,
		hooks:  hooks,
		audit:  audit,
		routes: NewRouteCache(DefaultRouteTTL),
		sleep:  SleepContext,
		now:    time.Now,
	}
}

// SetSleeper replaces the retry delay.
func (p *Pipeline) SetSleeper(s Sleeper) { p.sleep = s }

func (p *Pipeline) SetObserver(o Observer) { p.observer = o }

// SetRouteTTL replaces the route cache, dropping anything cached.
func (p *Pipeline) SetRouteTTL(ttl time.Duration) { p.routes = NewRouteCache(ttl) }

// InvalidateRoutes forgets every cached hook list.
func (p *Pipeline) InvalidateRoutes() { p.routes.Invalidate() }

// Run is one explicit pipeline invocation.
type Run struct {
	// Hooks run in the given order.
	Hooks []*MessageHook

	// Stages limits which stages run. Nil runs all three.
	Stages []Stage

	// Context is the state to run against. Nil starts from an empty message.
	Context *ProcessingContext

	// SkipAudit keeps the run out of the audit store. Executions are still
	// recorded on the context.
	SkipAudit bool
}

// Process loads the enabled hooks for the request's message type and source
// system and runs them. The returned error is non-nil only for security or
// configuration failures and for cancellation; ordinary stage failures are
// reported on the context.
func (p *Pipeline) Process(ctx context.Context, req Request) (*ProcessingContext, error) {
	hooks, err := p.enabledHooks(ctx, req.MessageType, req.SourceSystem)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, Run{Hooks: hooks, Context: NewContext(req)})
}

func (p *Pipeline) enabledHooks(ctx context.Context, messageType, sourceSystem string) ([]*MessageHook, error) {
	if hooks, ok := p.routes.Get(messageType, sourceSystem); ok {
		return hooks, nil
	}
	hooks, err := p.hooks.ListEnabled(ctx, messageType, sourceSystem)
	if err != nil {
		return nil, fmt.Errorf("failed to load hooks for %s/%s: %w", messageType, sourceSystem, err)
	}
	p.routes.Set(messageType, sourceSystem, hooks)
	return hooks, nil
}

// Execute runs the hooks of run in order, stages in their fixed order.
func (p *Pipeline) Execute(ctx context.Context, run Run) (*ProcessingContext, error) {
	pc := run.Context
	if pc == nil {
		pc = NewContext(Request{})
	}
	enabled := make(map[Stage]bool, len(Stages))
	if run.Stages == nil {
		for _, s := range Stages {
			enabled[s] = true
		}
	} else {
		for _, s := range run.Stages {
			enabled[s] = true
		}
	}

	pc.StartedAt = p.now()
	defer func() { pc.FinishedAt = p.now() }()

	logger.Debug("pipeline started",
		"correlation_id", pc.CorrelationID,
		"message_type", pc.MessageType,
		"source_system", pc.SourceSystem,
		"hooks", len(run.Hooks))

	for _, hook := range run.Hooks {
		pc.CurrentHook = hook.HookName
		for _, stage := range Stages {
			if !enabled[stage] {
				continue
			}
			script := hook.Script(stage)
			if script.Blank() {
				if stage == StageTransformation {
					err := expression.Configurationf("execute", "hook %s has no transformation script", hook.HookName)
					pc.fail(err.Error())
					return pc, err
				}
				continue
			}

			stop, err := p.runStage(ctx, pc, hook, stage, script.Script, !run.SkipAudit)
			if err != nil || stop {
				return pc, err
			}
		}
	}
	return pc, nil
}

// runStage runs one stage until it succeeds or its strategy gives up. stop
// reports that the remaining stages and hooks must not run.
func (p *Pipeline) runStage(ctx context.Context, pc *ProcessingContext, hook *MessageHook, stage Stage, script string, audit bool) (stop bool, err error) {
	maxAttempts := hook.MaxAttempts()
	strategy := hook.Strategy()
	var delays backoff.BackOff

	for attempt := 1; ; attempt++ {
		pc.CurrentStage = stage
		pc.Attempt = attempt
		pc.MaxAttempts = maxAttempts

		exec := newExecution(pc, hook, stage, p.now())
		p.mustTransition(exec, StatusRunning)
		record := pc.stageRecord()
		exec.Input = record

		out, evalErr := p.ev.Evaluate(ctx, record, script)
		retryable := expression.IsRetryable(evalErr)
		if evalErr == nil {
			if evalErr = p.apply(pc, hook, stage, out); evalErr != nil {
				retryable = false
			}
		}

		if evalErr == nil {
			exec.Output = out
			p.finish(ctx, pc, exec, StatusSuccess, nil, audit)
			return false, nil
		}

		if strategy == StrategyRetry && retryable && attempt < maxAttempts && ctx.Err() == nil {
			p.finish(ctx, pc, exec, StatusRetrying, evalErr, audit)
			if delays == nil {
				delays = hook.RetryConfig.Backoff()
			}
			delay := delays.NextBackOff()
			logger.Debug("retrying hook stage",
				"hook", hook.HookName, "stage", string(stage), "attempt", attempt, "delay_ms", delay.Milliseconds())
			if serr := p.sleep(ctx, delay); serr != nil {
				pc.fail(fmt.Sprintf("hook %s %s: retry aborted: %v", hook.HookName, stage, serr))
				return true, serr
			}
			continue
		}

		p.finish(ctx, pc, exec, StatusFailed, evalErr, audit)
		msg := fmt.Sprintf("hook %s %s failed: %v", hook.HookName, stage, evalErr)

		if expression.IsFatal(evalErr) {
			pc.fail(msg)
			logger.Error("hook stage failed fatally",
				"hook", hook.HookName, "stage", string(stage), "kind", string(expression.KindOf(evalErr)))
			return true, evalErr
		}
		if cerr := ctx.Err(); cerr != nil {
			pc.fail(msg)
			return true, cerr
		}
		if strategy == StrategyLogContinue {
			logger.Warn("hook stage failed, continuing",
				"hook", hook.HookName, "stage", string(stage), "error", evalErr.Error())
			pc.Warnings = append(pc.Warnings, msg)
			pc.Errored = false
			pc.ErrorMessage = ""
			return false, nil
		}

		logger.Warn("hook stage failed, stopping",
			"hook", hook.HookName, "stage", string(stage), "attempts", attempt, "error", evalErr.Error())
		pc.fail(msg)
		return true, nil
	}
}

// apply merges a stage's output into the context. A transformation must
// produce a map; other stages may return anything and only maps are merged.
func (p *Pipeline) apply(pc *ProcessingContext, hook *MessageHook, stage Stage, out any) error {
	m, isMap := expression.AsMap(out)
	if stage == StageTransformation {
		if !isMap {
			return &expression.Error{
				Kind:    expression.KindCoercion,
				Op:      "transformation",
				Message: fmt.Sprintf("transformation must return a map, got %T", out),
			}
		}
		for k, v := range m {
			pc.Result[k] = v
		}
	} else if isMap {
		for k, v := range m {
			pc.Metadata[k] = v
		}
	}
	pc.StageResults[stageKey(hook.HookName, stage)] = out
	return nil
}

func (p *Pipeline) finish(ctx context.Context, pc *ProcessingContext, exec *Execution, status Status, err error, audit bool) {
	p.mustTransition(exec, status)
	if err != nil {
		exec.ErrorKind = string(expression.KindOf(err))
		exec.ErrorMessage = err.Error()
	}
	pc.Executions = append(pc.Executions, *exec)

	if audit && p.audit != nil {
		if aerr := p.audit.Append(context.WithoutCancel(ctx), *exec); aerr != nil {
			logger.Error("failed to write execution audit row",
				"execution", exec.ID, "hook", exec.HookName, "error", aerr.Error())
		}
	}
	if p.observer != nil {
		p.observer.ObserveStage(string(exec.Stage), string(status), exec.CompletedAt.Sub(exec.StartedAt))
	}
}

func (p *Pipeline) mustTransition(exec *Execution, next Status) {
	if err := exec.transition(next, p.now()); err != nil {
		panic(err)
	}
}
