package hooks

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the state of one stage attempt.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusRetrying Status = "RETRYING"
	StatusFailed   Status = "FAILED"
)

// Done reports whether an attempt ends in this status. RETRYING ends the
// attempt but not the stage.
func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusRetrying || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusSuccess, StatusRetrying, StatusFailed},
}

// Execution is the audit row for one (hook, stage, attempt). Rows are
// appended once they are complete and never updated.
type Execution struct {
	ID            string         `json:"id"`
	HookID        string         `json:"hookId,omitempty"`
	HookName      string         `json:"hookName"`
	TenantID      string         `json:"tenantId,omitempty"`
	CorrelationID string         `json:"correlationId"`
	MessageType   string         `json:"messageType"`
	SourceSystem  string         `json:"sourceSystem"`
	Stage         Stage          `json:"stage"`
	Attempt       int            `json:"attempt"`
	MaxAttempts   int            `json:"maxAttempts"`
	Status        Status         `json:"status"`
	Input         map[string]any `json:"input,omitempty"`
	Output        any            `json:"output,omitempty"`
	ErrorKind     string         `json:"errorKind,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   time.Time      `json:"completedAt"`
	DurationMs    int64          `json:"durationMs"`
}

func newExecution(pc *ProcessingContext, hook *MessageHook, stage Stage, now time.Time) *Execution {
	return &Execution{
		ID:            uuid.NewString(),
		HookID:        hook.ID,
		HookName:      hook.HookName,
		TenantID:      pc.TenantID,
		CorrelationID: pc.CorrelationID,
		MessageType:   pc.MessageType,
		SourceSystem:  pc.SourceSystem,
		Stage:         stage,
		Attempt:       pc.Attempt,
		MaxAttempts:   pc.MaxAttempts,
		Status:        StatusPending,
		StartedAt:     now,
	}
}

// transition moves the attempt to next, rejecting moves the state machine
// does not allow.
func (e *Execution) transition(next Status, now time.Time) error {
	for _, allowed := range transitions[e.Status] {
		if allowed == next {
			e.Status = next
			if next.Done() {
				e.CompletedAt = now
				e.DurationMs = now.Sub(e.StartedAt).Milliseconds()
			}
			return nil
		}
	}
	return fmt.Errorf("invalid execution transition %s -> %s", e.Status, next)
}
