// Package activities exposes the engine as discrete units of work for a
// durable workflow runner. Each activity is safe to retry; the retry and
// timeout policy belongs to the caller, which learns from Retryable whether
// trying again can help.
package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/hooks"
	"github.com/liamcoop/metaengine/internal/logger"
)

// Activity names, as registered with a workflow runner.
const (
	FetchHooksName         = "FetchHooksForEvent"
	EvaluateExpressionName = "EvaluateExpression"
	ExecuteActionName      = "ExecuteAction"
)

// Error is returned by every activity. Retryable is false when the same
// input can never succeed.
type Error struct {
	Activity  string
	Kind      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Activity, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is worth retrying. Errors that did not come
// from an activity are treated as transient.
func Retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return err != nil
}

func classify(activity string, err error) error {
	if err == nil {
		return nil
	}
	ae := &Error{Activity: activity, Err: err, Retryable: true}
	var ee *expression.Error
	switch {
	case errors.Is(err, context.Canceled):
		ae.Kind, ae.Retryable = "CANCELLED", false
	case errors.Is(err, hooks.ErrHookNotFound):
		ae.Kind, ae.Retryable = "NOT_FOUND", false
	case errors.As(err, &ee):
		ae.Kind = string(ee.Kind)
		ae.Retryable = expression.IsRetryable(err)
		if ee.Kind == expression.KindSecurityViolation {
			logger.Security("activity rejected script", "activity", activity, "error", err)
		}
	default:
		ae.Kind = "UNAVAILABLE"
	}
	return ae
}

func invalid(activity, format string, args ...any) error {
	return &Error{Activity: activity, Kind: "INVALID_INPUT", Err: fmt.Errorf(format, args...)}
}

// Activities binds the activity functions to their collaborators.
type Activities struct {
	hooks    hooks.HookStore
	ev       *expression.Evaluator
	pipeline *hooks.Pipeline
}

func New(store hooks.HookStore, ev *expression.Evaluator, pipeline *hooks.Pipeline) *Activities {
	return &Activities{hooks: store, ev: ev, pipeline: pipeline}
}

// FetchHooksInput selects the hooks routed for one event.
type FetchHooksInput struct {
	MessageType  string `json:"messageType"`
	SourceSystem string `json:"sourceSystem"`
}

// FetchHooksOutput lists the enabled hooks in execution order.
type FetchHooksOutput struct {
	Hooks []*hooks.MessageHook `json:"hooks"`
}

// FetchHooks returns the enabled hooks for an event type.
func (a *Activities) FetchHooks(ctx context.Context, in FetchHooksInput) (FetchHooksOutput, error) {
	if strings.TrimSpace(in.MessageType) == "" {
		return FetchHooksOutput{}, invalid(FetchHooksName, "messageType is required")
	}
	list, err := a.hooks.ListEnabled(ctx, in.MessageType, in.SourceSystem)
	if err != nil {
		return FetchHooksOutput{}, classify(FetchHooksName, err)
	}
	return FetchHooksOutput{Hooks: list}, nil
}

// EvaluateInput is one script evaluation. ResultType, when set, coerces the
// value the way calculated fields are coerced.
type EvaluateInput struct {
	Script     string         `json:"script"`
	Record     map[string]any `json:"record"`
	ResultType string         `json:"resultType,omitempty"`
	Scale      int            `json:"scale,omitempty"`
}

type EvaluateOutput struct {
	Value any `json:"value"`
}

// EvaluateExpression evaluates a script against a record.
func (a *Activities) EvaluateExpression(ctx context.Context, in EvaluateInput) (EvaluateOutput, error) {
	if strings.TrimSpace(in.Script) == "" {
		return EvaluateOutput{}, invalid(EvaluateExpressionName, "script is required")
	}

	var rt expression.ResultType
	if in.ResultType != "" {
		var err error
		if rt, err = expression.ParseResultType(in.ResultType); err != nil {
			return EvaluateOutput{}, classify(EvaluateExpressionName, err)
		}
	}

	v, err := a.ev.Evaluate(ctx, in.Record, in.Script)
	if err != nil {
		return EvaluateOutput{}, classify(EvaluateExpressionName, err)
	}
	if rt != "" {
		if v, err = expression.Coerce(v, rt, in.Scale); err != nil {
			return EvaluateOutput{}, classify(EvaluateExpressionName, err)
		}
	}
	return EvaluateOutput{Value: v}, nil
}

// ExecuteInput runs a message through one named hook, or through every
// hook routed for its message type when HookName is empty.
type ExecuteInput struct {
	Request  hooks.Request `json:"request"`
	HookName string        `json:"hookName,omitempty"`
	Stages   []hooks.Stage `json:"stages,omitempty"`
}

// ExecuteAction runs the hook pipeline. Stage failures handled by a hook's
// strategy come back in the outcome; only fatal failures are errors.
func (a *Activities) ExecuteAction(ctx context.Context, in ExecuteInput) (hooks.Outcome, error) {
	if in.Request.MessageType == "" && in.HookName == "" {
		return hooks.Outcome{}, invalid(ExecuteActionName, "messageType or hookName is required")
	}

	var (
		pc  *hooks.ProcessingContext
		err error
	)
	if in.HookName == "" {
		pc, err = a.pipeline.Process(ctx, in.Request)
	} else {
		var h *hooks.MessageHook
		if h, err = a.hooks.Get(ctx, in.HookName); err != nil {
			return hooks.Outcome{}, classify(ExecuteActionName, err)
		}
		pc, err = a.pipeline.Execute(ctx, hooks.Run{
			Hooks:   []*hooks.MessageHook{h},
			Stages:  in.Stages,
			Context: hooks.NewContext(in.Request),
		})
	}
	if err != nil {
		var outcome hooks.Outcome
		if pc != nil {
			outcome = pc.Outcome()
		}
		return outcome, classify(ExecuteActionName, err)
	}
	return pc.Outcome(), nil
}
