package main

import (
	"github.com/liamcoop/metaengine/calculation"
	"github.com/liamcoop/metaengine/hooks"
	"github.com/liamcoop/metaengine/metadata"
	"github.com/liamcoop/metaengine/registry"
)

// API request and response models

// ValidateExpressionRequest is the body of POST /expressions/validate
type ValidateExpressionRequest struct {
	Script string `json:"script"`
}

// ValidateExpressionResponse reports whether a script would be accepted
type ValidateExpressionResponse struct {
	Valid bool   `json:"valid"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// EvaluateExpressionResponse carries a single evaluated value
type EvaluateExpressionResponse struct {
	Value          any    `json:"value"`
	EvaluationTime string `json:"evaluationTime"`
}

// CalculateRequest runs a calculation pass without storing anything.
// Rules, when present, replace the type's own calculation rules.
type CalculateRequest struct {
	Agreement *calculation.Agreement      `json:"agreement"`
	Rules     []metadata.CalculationRule `json:"rules,omitempty"`
}

// CalculateResponse is the recalculated agreement and the pass outcome
type CalculateResponse struct {
	Agreement *calculation.Agreement       `json:"agreement"`
	Result    calculation.ValidationResult `json:"result"`
}

// CacheStatsResponse lists every registry tier
type CacheStatsResponse struct {
	Tiers map[registry.Tier]TierStats `json:"tiers"`
}

// TierStats is registry.Stats plus the derived hit ratio
type TierStats struct {
	registry.Stats
	HitRatio float64 `json:"hitRatio"`
}

// TestHookRequest runs an unsaved hook against a sample message
type TestHookRequest struct {
	Hook    *hooks.MessageHook `json:"hook"`
	Request hooks.Request      `json:"request"`
}

// ProcessResponse is the outcome of one pipeline run
type ProcessResponse struct {
	CorrelationID string            `json:"correlationId"`
	Outcome       hooks.Outcome     `json:"outcome"`
	Warnings      []string          `json:"warnings,omitempty"`
	Executions    []hooks.Execution `json:"executions"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

func newProcessResponse(pc *hooks.ProcessingContext) ProcessResponse {
	execs := pc.Executions
	if execs == nil {
		execs = []hooks.Execution{}
	}
	return ProcessResponse{
		CorrelationID: pc.CorrelationID,
		Outcome:       pc.Outcome(),
		Warnings:      pc.Warnings,
		Executions:    execs,
	}
}
