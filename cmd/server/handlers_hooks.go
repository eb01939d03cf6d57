package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/metaengine/activities"
	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/hooks"
)

func (s *Server) handleListHooks(w http.ResponseWriter, r *http.Request) {
	list, err := s.Hooks.List(r.Context())
	if err != nil {
		respondFailure(w, "failed to list hooks", err)
		return
	}
	if list == nil {
		list = []*hooks.MessageHook{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"hooks": list})
}

func (s *Server) handleCreateHook(w http.ResponseWriter, r *http.Request) {
	var h hooks.MessageHook
	if !decode(w, r, &h) {
		return
	}
	if err := s.Hooks.Create(r.Context(), &h); err != nil {
		respondFailure(w, "failed to create hook", err)
		return
	}
	respondJSON(w, http.StatusCreated, &h)
}

func (s *Server) handleGetHook(w http.ResponseWriter, r *http.Request) {
	h, err := s.Hooks.Get(r.Context(), chi.URLParam(r, "hookName"))
	if err != nil {
		respondFailure(w, "hook not found", err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}

func (s *Server) handleUpdateHook(w http.ResponseWriter, r *http.Request) {
	var h hooks.MessageHook
	if !decode(w, r, &h) {
		return
	}
	h.HookName = chi.URLParam(r, "hookName")

	if err := s.Hooks.Update(r.Context(), &h); err != nil {
		respondFailure(w, "failed to update hook", err)
		return
	}
	respondJSON(w, http.StatusOK, &h)
}

func (s *Server) handleDeleteHook(w http.ResponseWriter, r *http.Request) {
	if err := s.Hooks.Delete(r.Context(), chi.URLParam(r, "hookName")); err != nil {
		respondFailure(w, "failed to delete hook", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetHookEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "hookName")
		if err := s.Hooks.SetEnabled(r.Context(), name, enabled); err != nil {
			respondFailure(w, "failed to change hook state", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"hookName": name, "enabled": enabled})
	}
}

// Test hook handler. Nothing is stored and no audit rows are written.
func (s *Server) handleTestHook(w http.ResponseWriter, r *http.Request) {
	var req TestHookRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Hook == nil {
		respondError(w, http.StatusBadRequest, "hook is required", nil)
		return
	}

	pc, err := s.Hooks.Test(r.Context(), req.Hook, req.Request)
	if err != nil && pc == nil {
		respondFailure(w, "hook test failed", err)
		return
	}
	respondJSON(w, http.StatusOK, newProcessResponse(pc))
}

// Process message handler. Stage failures handled by a hook's strategy are
// reported in the outcome with a 200; fatal failures are errors.
func (s *Server) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	var req hooks.Request
	if !decode(w, r, &req) {
		return
	}
	if req.MessageType == "" {
		respondError(w, http.StatusBadRequest, "messageType is required", nil)
		return
	}

	pc, err := s.Pipeline.Process(r.Context(), req)
	if err != nil {
		var ee *expression.Error
		if pc != nil && errors.As(err, &ee) {
			respondJSON(w, statusFor(err), newProcessResponse(pc))
			return
		}
		respondFailure(w, "message processing failed", err)
		return
	}
	respondJSON(w, http.StatusOK, newProcessResponse(pc))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationId")
	execs, err := s.Audit.ListByCorrelation(r.Context(), correlationID)
	if err != nil {
		respondFailure(w, "failed to list executions", err)
		return
	}
	if execs == nil {
		execs = []hooks.Execution{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"correlationId": correlationID,
		"executions":    execs,
	})
}

// Activity handler. Lets an out-of-process workflow worker call the
// activities over HTTP; failures carry the retryable flag.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch name := chi.URLParam(r, "activity"); name {
	case activities.FetchHooksName:
		var in activities.FetchHooksInput
		if !decode(w, r, &in) {
			return
		}
		out, err := s.Activities.FetchHooks(ctx, in)
		if err != nil {
			respondFailure(w, "activity failed", err)
			return
		}
		respondJSON(w, http.StatusOK, out)

	case activities.EvaluateExpressionName:
		var in activities.EvaluateInput
		if !decode(w, r, &in) {
			return
		}
		out, err := s.Activities.EvaluateExpression(ctx, in)
		if err != nil {
			respondFailure(w, "activity failed", err)
			return
		}
		respondJSON(w, http.StatusOK, out)

	case activities.ExecuteActionName:
		var in activities.ExecuteInput
		if !decode(w, r, &in) {
			return
		}
		out, err := s.Activities.ExecuteAction(ctx, in)
		if err != nil {
			respondFailure(w, "activity failed", err)
			return
		}
		respondJSON(w, http.StatusOK, out)

	default:
		respondError(w, http.StatusNotFound, "unknown activity "+name, nil)
	}
}
