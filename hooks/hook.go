// Package hooks runs tenant-defined preprocessing, transformation and
// postprocessing scripts against inbound messages and records every stage
// attempt in an append-only audit trail.
package hooks

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/liamcoop/metaengine/expression"
)

// Strategy decides what happens when a stage fails.
type Strategy string

const (
	// StrategyFailFast stops the remaining stages and hooks for the message.
	StrategyFailFast Strategy = "fail_fast"

	// StrategyLogContinue records the failure and carries on as if the stage
	// produced no change.
	StrategyLogContinue Strategy = "log_continue"

	// StrategyRetry retries the stage with exponential backoff, then behaves
	// like fail_fast.
	StrategyRetry Strategy = "retry"
)

// ParseStrategy accepts the strategy names case-insensitively. Blank means
// fail_fast.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyFailFast, nil
	case StrategyFailFast, StrategyLogContinue, StrategyRetry:
		return st, nil
	}
	return "", expression.Configurationf("parse_strategy", "unknown error handling strategy %q", s)
}

// Stage names one of the three script slots of a hook.
type Stage string

const (
	StagePreprocessing  Stage = "preprocessing"
	StageTransformation Stage = "transformation"
	StagePostprocessing Stage = "postprocessing"
)

// Stages is the fixed order stages run in.
var Stages = []Stage{StagePreprocessing, StageTransformation, StagePostprocessing}

// StageScript is one script slot.
type StageScript struct {
	Script string `json:"script,omitempty"`
	Order  int    `json:"order"`
}

// Blank reports whether the slot has no script.
func (s StageScript) Blank() bool { return strings.TrimSpace(s.Script) == "" }

// RetryConfig controls the retry strategy.
type RetryConfig struct {
	MaxAttempts       int     `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffMs         int     `json:"backoffMs" yaml:"backoffMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

// DefaultRetryConfig is three attempts, one second apart, doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffMs: 1000, BackoffMultiplier: 2.0}
}

// WithDefaults fills zero values from DefaultRetryConfig.
func (c RetryConfig) WithDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffMs == 0 {
		c.BackoffMs = d.BackoffMs
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// Backoff returns the delay schedule backoffMs × multiplier^(attempt-1),
// without jitter and without an elapsed-time cap.
func (c RetryConfig) Backoff() backoff.BackOff {
	c = c.WithDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(c.BackoffMs) * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          c.BackoffMultiplier,
		MaxInterval:         24 * time.Hour,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// MessageHook is a tenant-configured set of scripts applied to messages of
// one type from one source system.
type MessageHook struct {
	ID                    string      `json:"id"`
	TenantID              string      `json:"tenantId"`
	HookName              string      `json:"hookName"`
	MessageType           string      `json:"messageType"`
	SourceSystem          string      `json:"sourceSystem"`
	TargetSystem          string      `json:"targetSystem,omitempty"`
	Preprocessing         StageScript `json:"preprocessing"`
	Transformation        StageScript `json:"transformation"`
	Postprocessing        StageScript `json:"postprocessing"`
	ErrorHandlingStrategy Strategy    `json:"errorHandlingStrategy"`
	RetryConfig           RetryConfig `json:"retryConfig"`
	Enabled               bool        `json:"enabled"`
	Description           string      `json:"description,omitempty"`
	CreatedAt             time.Time   `json:"createdAt"`
	UpdatedAt             time.Time   `json:"updatedAt"`
}

// Script returns the script slot for a stage.
func (h *MessageHook) Script(stage Stage) StageScript {
	switch stage {
	case StagePreprocessing:
		return h.Preprocessing
	case StageTransformation:
		return h.Transformation
	case StagePostprocessing:
		return h.Postprocessing
	}
	return StageScript{}
}

// Strategy returns the effective error handling strategy.
func (h *MessageHook) Strategy() Strategy {
	if h.ErrorHandlingStrategy == "" {
		return StrategyFailFast
	}
	return h.ErrorHandlingStrategy
}

// MaxAttempts is the number of times a stage may run: the retry budget for
// the retry strategy, one otherwise.
func (h *MessageHook) MaxAttempts() int {
	if h.Strategy() != StrategyRetry {
		return 1
	}
	return h.RetryConfig.WithDefaults().MaxAttempts
}

var hookNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

const maxHookNameLength = 100

// Validate checks a hook before it is stored. Security violations in scripts
// are returned unchanged; every other problem is a configuration error.
// Name uniqueness is enforced by the store.
func (h *MessageHook) Validate(ev *expression.Evaluator) error {
	if h.HookName == "" {
		return expression.Configurationf("validate_hook", "hook name is required")
	}
	if len(h.HookName) > maxHookNameLength || !hookNamePattern.MatchString(h.HookName) {
		return expression.Configurationf("validate_hook", "invalid hook name %q", h.HookName)
	}
	if strings.TrimSpace(h.MessageType) == "" {
		return expression.Configurationf("validate_hook", "hook %s has no message type", h.HookName)
	}
	if strings.TrimSpace(h.SourceSystem) == "" {
		return expression.Configurationf("validate_hook", "hook %s has no source system", h.HookName)
	}

	strategy, err := ParseStrategy(string(h.ErrorHandlingStrategy))
	if err != nil {
		return err
	}
	h.ErrorHandlingStrategy = strategy

	if strategy == StrategyRetry {
		rc := h.RetryConfig.WithDefaults()
		if rc.MaxAttempts < 1 || rc.BackoffMs < 0 || rc.BackoffMultiplier < 1 {
			return expression.Configurationf("validate_hook",
				"hook %s has invalid retry config %+v", h.HookName, h.RetryConfig)
		}
	}

	if h.Enabled && h.Transformation.Blank() {
		return expression.Configurationf("validate_hook", "hook %s is enabled without a transformation script", h.HookName)
	}

	for _, stage := range Stages {
		s := h.Script(stage)
		if s.Blank() {
			continue
		}
		err := ev.Validate(s.Script)
		if err == nil {
			continue
		}
		if expression.IsFatal(err) {
			return fmt.Errorf("hook %s %s: %w", h.HookName, stage, err)
		}
		return expression.NewError(expression.KindConfiguration, "validate_hook",
			fmt.Sprintf("hook %s %s script does not compile", h.HookName, stage), err)
	}
	return nil
}
