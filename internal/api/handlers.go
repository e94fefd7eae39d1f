package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lerian-regulatory-engine/internal/apperrors"
	"lerian-regulatory-engine/internal/storage"
	"lerian-regulatory-engine/pkg/types"
)

const maxListLimit = 500

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// cycleRequest triggers a detection-resolution pass over the posted
// provision set.
type cycleRequest struct {
	Provisions      []*types.NormativeProvision `json:"provisions"`
	DeclaredContext []string                    `json:"declared_context,omitempty"`
	Scope           []string                    `json:"scope,omitempty"`
	Delta           bool                        `json:"delta,omitempty"`
}

// scoped narrows the provision set to jurisdictions intersecting the
// requested scope. An empty scope keeps the full set.
func (req *cycleRequest) scoped() []*types.NormativeProvision {
	if len(req.Scope) == 0 {
		return req.Provisions
	}
	wanted := types.NormalizeTags(req.Scope)
	out := make([]*types.NormativeProvision, 0, len(req.Provisions))
	for _, p := range req.Provisions {
		if len(types.IntersectTags(p.Jurisdiction, wanted)) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperrors.Wrap(apperrors.ErrorCodeValidation, "malformed cycle request", err))
		return
	}
	if len(req.Provisions) == 0 {
		s.respondError(w, apperrors.New(apperrors.ErrorCodeRequiredField, "provisions are required"))
		return
	}

	provisions := req.scoped()
	if len(provisions) == 0 {
		s.respondError(w, apperrors.New(apperrors.ErrorCodeInvalidValue, "scope excludes every provision"))
		return
	}

	var report interface{}
	var err error
	if req.Delta {
		report, err = s.engine.RunDelta(r.Context(), provisions, req.DeclaredContext)
	} else {
		report, err = s.engine.RunCycle(r.Context(), provisions, req.DeclaredContext)
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	filter, err := conflictFilterFromQuery(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	conflicts, err := s.conflicts.ListConflicts(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.conflicts.GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleConflictResolutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.conflicts.GetConflict(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	records, err := s.resolutions.GetByConflict(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"resolutions": records,
		"count":       len(records),
	})
}

func (s *Server) handleListResolutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	records, err := s.resolutions.ListResolutions(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"resolutions": records,
		"count":       len(records),
	})
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	filter, err := escalationFilterFromQuery(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	cases, err := s.cases.ListCases(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": cases,
		"count":       len(cases),
	})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.cases.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

// caseActionRequest names the human (or system) acting on a case.
type caseActionRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) caseAction(w http.ResponseWriter, r *http.Request, act func(caseID, actor string) (*types.EscalationCase, error)) {
	var req caseActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apperrors.Wrap(apperrors.ErrorCodeValidation, "malformed case action", err))
		return
	}
	if req.Actor == "" {
		s.respondError(w, apperrors.New(apperrors.ErrorCodeRequiredField, "actor is required"))
		return
	}
	c, err := act(chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleAckCase(w http.ResponseWriter, r *http.Request) {
	s.caseAction(w, r, func(caseID, actor string) (*types.EscalationCase, error) {
		return s.manager.Acknowledge(r.Context(), caseID, actor)
	})
}

func (s *Server) handleReviewCase(w http.ResponseWriter, r *http.Request) {
	s.caseAction(w, r, func(caseID, actor string) (*types.EscalationCase, error) {
		return s.manager.StartReview(r.Context(), caseID, actor)
	})
}

func (s *Server) handleCloseCase(w http.ResponseWriter, r *http.Request) {
	s.caseAction(w, r, func(caseID, actor string) (*types.EscalationCase, error) {
		return s.manager.Close(r.Context(), caseID, actor)
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.recorder.Snapshot(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": snapshot.Stats(),
	})
}

func conflictFilterFromQuery(r *http.Request) (storage.ConflictFilter, error) {
	q := r.URL.Query()
	filter := storage.ConflictFilter{
		Jurisdiction: q.Get("jurisdiction"),
		FrameworkID:  q.Get("framework_id"),
	}

	for _, raw := range splitParam(q.Get("status")) {
		status := types.ConflictStatus(raw)
		if !status.Valid() {
			return filter, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "unknown conflict status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, raw := range splitParam(q.Get("type")) {
		ct := types.ConflictType(raw)
		if !ct.Valid() {
			return filter, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "unknown conflict type %q", raw)
		}
		filter.Types = append(filter.Types, ct)
	}

	var err error
	if filter.MinSeverity, err = floatParam(q.Get("min_severity")); err != nil {
		return filter, err
	}
	if filter.MaxSeverity, err = floatParam(q.Get("max_severity")); err != nil {
		return filter, err
	}
	if filter.DetectedFrom, err = timeParam(q.Get("detected_from")); err != nil {
		return filter, err
	}
	if filter.DetectedTo, err = timeParam(q.Get("detected_to")); err != nil {
		return filter, err
	}
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		return filter, err
	}
	return filter, nil
}

func escalationFilterFromQuery(r *http.Request) (storage.EscalationFilter, error) {
	q := r.URL.Query()
	filter := storage.EscalationFilter{
		ConflictID: q.Get("conflict_id"),
	}

	for _, raw := range splitParam(q.Get("status")) {
		status := types.EscalationStatus(raw)
		if !status.Valid() {
			return filter, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "unknown escalation status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := q.Get("min_level"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil || level < 1 {
			return filter, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "invalid min_level %q", raw)
		}
		filter.MinLevel = level
	}

	var err error
	if filter.OpenedFrom, err = timeParam(q.Get("opened_from")); err != nil {
		return filter, err
	}
	if filter.OpenedTo, err = timeParam(q.Get("opened_to")); err != nil {
		return filter, err
	}
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		return filter, err
	}
	return filter, nil
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func floatParam(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "invalid numeric parameter %q", raw)
	}
	return &v, nil
}

func timeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "invalid timestamp %q, want RFC3339", raw)
	}
	return &ts, nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = 100
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			return 0, 0, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "invalid limit %q", raw)
		}
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, apperrors.Newf(apperrors.ErrorCodeInvalidValue, "invalid offset %q", raw)
		}
	}
	return limit, offset, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var engineErr *apperrors.EngineError
	if !errors.As(err, &engineErr) {
		engineErr = apperrors.Wrap(apperrors.ErrorCodeInternal, "internal error", err)
	}
	status := engineErr.ToHTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", string(engineErr.Code), "error", err)
	}
	s.respondJSON(w, status, map[string]interface{}{"error": engineErr})
}
