package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/metaengine/activities"
	"github.com/liamcoop/metaengine/calculation"
	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/metadata"
	"github.com/liamcoop/metaengine/registry"
)

func typeKey(r *http.Request) metadata.TypeKey {
	return metadata.TypeKey{
		TenantID:      chi.URLParam(r, "tenantId"),
		TypeCode:      chi.URLParam(r, "typeCode"),
		MarketContext: chi.URLParam(r, "marketContext"),
	}
}

// Compiled definition handler. The ETag is the definition digest, so
// clients can poll cheaply across refreshes that change nothing.
func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	key := typeKey(r)
	def, ok, err := s.Registry.GetCompiledDefinition(r.Context(), key)
	if err != nil {
		respondFailure(w, "failed to load definition", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "agreement type not found", nil)
		return
	}

	etag := `"` + def.Digest() + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	fields, ok, err := s.Registry.FieldsForType(r.Context(), typeKey(r))
	if err != nil {
		respondFailure(w, "failed to load fields", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "agreement type not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (s *Server) handleGetField(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	field, ok, err := s.Registry.Field(r.Context(), typeKey(r), name)
	if err != nil {
		respondFailure(w, "failed to load field", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("field %s not found", name), nil)
		return
	}
	respondJSON(w, http.StatusOK, field)
}

func (s *Server) handleCalculatedFields(w http.ResponseWriter, r *http.Request) {
	fields, ok, err := s.Registry.CalculatedFields(r.Context(), typeKey(r))
	if err != nil {
		respondFailure(w, "failed to load calculated fields", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "agreement type not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"calculatedFields": fields})
}

func (s *Server) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	layout, ok, err := s.Registry.Layout(r.Context(), typeKey(r))
	if err != nil {
		respondFailure(w, "failed to load layout", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "agreement type not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, layout)
}

// Save type handler. The key in the path wins over the body.
func (s *Server) handleSaveType(w http.ResponseWriter, r *http.Request) {
	var t metadata.AgreementType
	if !decode(w, r, &t) {
		return
	}
	t.Key = typeKey(r)

	if err := s.Registry.SaveType(r.Context(), &t); err != nil {
		respondFailure(w, "failed to save agreement type", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"key": t.Key, "status": "saved"})
}

func (s *Server) handleDeactivateType(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.DeactivateType(r.Context(), typeKey(r)); err != nil {
		respondFailure(w, "failed to deactivate agreement type", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshType(w http.ResponseWriter, r *http.Request) {
	def, ok, err := s.Registry.RefreshForType(r.Context(), typeKey(r))
	if err != nil {
		respondFailure(w, "failed to refresh definition", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "agreement type not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"key": def.Key, "digest": def.Digest()})
}

func (s *Server) handleSaveAttribute(w http.ResponseWriter, r *http.Request) {
	var a metadata.Attribute
	if !decode(w, r, &a) {
		return
	}
	a.TenantID = chi.URLParam(r, "tenantId")
	a.MarketContext = chi.URLParam(r, "marketContext")
	a.AttributeName = chi.URLParam(r, "name")

	if err := s.Registry.SaveAttribute(r.Context(), a); err != nil {
		respondFailure(w, "failed to save attribute", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"attributeName": a.AttributeName, "status": "saved"})
}

func (s *Server) handleDeactivateAttribute(w http.ResponseWriter, r *http.Request) {
	err := s.Registry.DeactivateAttribute(r.Context(),
		chi.URLParam(r, "tenantId"),
		chi.URLParam(r, "marketContext"),
		chi.URLParam(r, "name"))
	if err != nil {
		respondFailure(w, "failed to deactivate attribute", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.Registry.CacheStats()
	resp := CacheStatsResponse{Tiers: make(map[registry.Tier]TierStats, len(stats))}
	for tier, st := range stats {
		resp.Tiers[tier] = TierStats{Stats: st, HitRatio: st.HitRatio()}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.Registry.RefreshAll(r.Context())
	if err != nil {
		respondFailure(w, "refresh failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	s.Registry.EvictForType(typeKey(r))
	w.WriteHeader(http.StatusNoContent)
}

// Expression handlers

func (s *Server) handleValidateExpression(w http.ResponseWriter, r *http.Request) {
	var req ValidateExpressionRequest
	if !decode(w, r, &req) {
		return
	}

	resp := ValidateExpressionResponse{Valid: true}
	if err := s.Evaluator.Validate(req.Script); err != nil {
		resp = ValidateExpressionResponse{Kind: string(expression.KindOf(err)), Error: err.Error()}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluateExpression(w http.ResponseWriter, r *http.Request) {
	var req activities.EvaluateInput
	if !decode(w, r, &req) {
		return
	}

	start := time.Now()
	out, err := s.Activities.EvaluateExpression(r.Context(), req)
	if err != nil {
		respondFailure(w, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, EvaluateExpressionResponse{
		Value:          out.Value,
		EvaluationTime: time.Since(start).String(),
	})
}

// Calculation handlers

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Agreement == nil {
		respondError(w, http.StatusBadRequest, "agreement is required", nil)
		return
	}

	working := req.Agreement.Clone()
	var result calculation.ValidationResult
	if len(req.Rules) > 0 {
		result = s.Engine.EvaluateCalculations(r.Context(), working, req.Rules)
	} else {
		result = s.Engine.EvaluateForType(r.Context(), working)
	}
	respondJSON(w, http.StatusOK, CalculateResponse{Agreement: working, Result: result})
}

func (s *Server) handleSaveAgreement(w http.ResponseWriter, r *http.Request) {
	var a calculation.Agreement
	if !decode(w, r, &a) {
		return
	}

	saved, result, err := s.Agreements.CalculateForTypeAndSave(r.Context(), &a)
	if err != nil {
		if errors.Is(err, calculation.ErrInvalid) {
			respondJSON(w, http.StatusUnprocessableEntity, CalculateResponse{Agreement: &a, Result: result})
			return
		}
		respondFailure(w, "failed to save agreement", err)
		return
	}
	respondJSON(w, http.StatusCreated, CalculateResponse{Agreement: saved, Result: result})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.AgreementStore.GetAgreement(r.Context(), chi.URLParam(r, "agreementId"))
	if err != nil {
		respondFailure(w, "agreement not found", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	saved, result, err := s.Agreements.Recalculate(r.Context(), chi.URLParam(r, "agreementId"))
	if err != nil {
		if errors.Is(err, calculation.ErrInvalid) {
			respondJSON(w, http.StatusUnprocessableEntity, CalculateResponse{Result: result})
			return
		}
		respondFailure(w, "recalculation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, CalculateResponse{Agreement: saved, Result: result})
}
