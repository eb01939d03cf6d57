package hooks

import (
	"time"

	"github.com/google/uuid"
)

// Request is one inbound message.
type Request struct {
	TenantID      string         `json:"tenantId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	MessageType   string         `json:"messageType"`
	SourceSystem  string         `json:"sourceSystem"`
	Message       map[string]any `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ProcessingContext is the mutable state of one pipeline run. It belongs to
// a single message and must not be shared between goroutines.
type ProcessingContext struct {
	TenantID      string
	CorrelationID string
	MessageType   string
	SourceSystem  string

	Input        map[string]any
	Result       map[string]any
	StageResults map[string]any

	CurrentHook  string
	CurrentStage Stage
	Errored      bool
	ErrorMessage string
	Attempt      int
	MaxAttempts  int

	// Metadata is free-form state visible to scripts as context.<name>.
	Metadata map[string]any

	// Executions holds every audit row written for this run, in order.
	Executions []Execution

	// Warnings collects failures swallowed by log_continue.
	Warnings []string

	StartedAt  time.Time
	FinishedAt time.Time
}

// NewContext creates the context for one message. A correlation ID is
// generated when the request has none.
func NewContext(req Request) *ProcessingContext {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	metadata := make(map[string]any, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	return &ProcessingContext{
		TenantID:      req.TenantID,
		CorrelationID: correlationID,
		MessageType:   req.MessageType,
		SourceSystem:  req.SourceSystem,
		Input:         cloneMap(req.Message),
		Result:        cloneMap(req.Message),
		StageResults:  make(map[string]any),
		Metadata:      metadata,
	}
}

func (pc *ProcessingContext) fail(msg string) {
	pc.Errored = true
	pc.ErrorMessage = msg
}

// contextVars flattens the pipeline state scripts see as `context`.
// Metadata entries never shadow the pipeline's own fields.
func (pc *ProcessingContext) contextVars() map[string]any {
	vars := make(map[string]any, len(pc.Metadata)+8)
	for k, v := range pc.Metadata {
		vars[k] = cloneValue(v)
	}
	vars["tenantId"] = pc.TenantID
	vars["correlationId"] = pc.CorrelationID
	vars["messageType"] = pc.MessageType
	vars["sourceSystem"] = pc.SourceSystem
	vars["hookName"] = pc.CurrentHook
	vars["stage"] = string(pc.CurrentStage)
	vars["attempt"] = pc.Attempt
	vars["maxAttempts"] = pc.MaxAttempts
	return vars
}

// stageRecord builds the evaluation record for one stage attempt.
func (pc *ProcessingContext) stageRecord() map[string]any {
	return map[string]any{
		"message": cloneMap(pc.Input),
		"result":  cloneMap(pc.Result),
		"context": pc.contextVars(),
	}
}

// Outcome is the caller-facing summary of a run.
type Outcome struct {
	Success         bool           `json:"success"`
	Result          map[string]any `json:"result"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
	StageResults    map[string]any `json:"stageResults"`
}

// Outcome summarizes the run.
func (pc *ProcessingContext) Outcome() Outcome {
	end := pc.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	var elapsed int64
	if !pc.StartedAt.IsZero() {
		elapsed = end.Sub(pc.StartedAt).Milliseconds()
	}
	return Outcome{
		Success:         !pc.Errored,
		Result:          pc.Result,
		ErrorMessage:    pc.ErrorMessage,
		ExecutionTimeMs: elapsed,
		StageResults:    pc.StageResults,
	}
}

func stageKey(hook string, stage Stage) string {
	return hook + "." + string(stage)
}

// cloneMap copies nested maps and slices so snapshots are not aliased.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
