package service

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kkaryeong/reagent-ology/store"
)

type enqueueRequest struct {
	TagUID string `json:"tag_uid"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TagUID == "" {
		s.writeError(w, http.StatusBadRequest, "tag_uid is required")
		return
	}

	job, err := s.store.Enqueue(r.Context(), req.TagUID)
	if err != nil {
		s.logger.Error("Enqueue failed", "tag_uid", req.TagUID, "error", err)
		s.writeErrorFrom(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"job_id": job.ID,
	})
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		agent = "anonymous"
	}

	job, err := s.store.ClaimNext(r.Context(), agent)
	if err != nil {
		s.logger.Error("Claim failed", "agent", agent, "error", err)
		s.writeErrorFrom(w, err)
		return
	}

	// No pending work is a normal answer, not an error
	if job == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"ok":  true,
			"job": nil,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"job": map[string]any{
			"id":      job.ID,
			"tag_uid": job.TagUID,
		},
	})
}

type finishRequest struct {
	ResultLogID *int64 `json:"result_log_id,omitempty"`
}

func (s *Service) handleFinish(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	// Body is optional; an empty or absent body finishes without a log ref
	var req finishRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.store.Finish(r.Context(), jobID, req.ResultLogID); err != nil {
		s.logger.Error("Finish failed", "job_id", jobID, "error", err)
		s.writeErrorFrom(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type measureRequest struct {
	TagUID       string   `json:"tag_uid"`
	GrossWeightG *float64 `json:"gross_weight_g"`
	Source       string   `json:"source"`
	Note         string   `json:"note"`
}

// measurementEvent is the payload fanned out to streaming subscribers
type measurementEvent struct {
	Type    string         `json:"type"`
	TagUID  string         `json:"tag_uid"`
	Reagent *store.Reagent `json:"reagent"`
	Log     *store.UsageLog `json:"log"`
}

func (s *Service) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req measureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TagUID == "" {
		s.writeError(w, http.StatusBadRequest, "tag_uid is required")
		return
	}
	if req.GrossWeightG == nil {
		s.writeError(w, http.StatusBadRequest, "gross_weight_g is required")
		return
	}

	reagent, log, err := s.store.Measure(r.Context(), req.TagUID, *req.GrossWeightG, req.Source, req.Note)
	if err != nil {
		s.logger.Error("Measure failed", "tag_uid", req.TagUID, "error", err)
		s.writeErrorFrom(w, err)
		return
	}

	// The measurement is committed; notification is best-effort and its
	// outcome never changes the response
	s.publishMeasurement(reagent, log)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"reagent": reagent,
		"log":     log,
	})
}

func (s *Service) publishMeasurement(reagent *store.Reagent, log *store.UsageLog) {
	payload, err := json.Marshal(measurementEvent{
		Type:    "measurement",
		TagUID:  reagent.TagUID,
		Reagent: reagent,
		Log:     log,
	})
	if err != nil {
		s.logger.Error("Failed to marshal measurement event", "error", err)
		return
	}
	s.bus.Publish(reagent.TagUID, payload)
}

func (s *Service) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var params store.UpsertParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	reagent, err := s.store.Upsert(r.Context(), params)
	if err != nil {
		s.logger.Error("Upsert failed", "tag_uid", params.TagUID, "error", err)
		s.writeErrorFrom(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"reagent": reagent,
	})
}

func (s *Service) handleReagentSub(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "by-tag":
		s.reagentByTag(w, r, second)
	case second == "logs":
		s.reagentLogs(w, r, first)
	default:
		s.writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (s *Service) reagentByTag(w http.ResponseWriter, r *http.Request, tag string) {
	reagent, err := s.store.GetByTag(r.Context(), tag)
	if err != nil {
		s.writeErrorFrom(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"reagent": reagent,
	})
}

func (s *Service) handleGetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reagent id")
		return
	}

	reagent, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		s.writeErrorFrom(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"reagent": reagent,
	})
}

func (s *Service) reagentLogs(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reagent id")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	// 404 for an unknown reagent rather than an empty list
	if _, err := s.store.GetByID(r.Context(), id); err != nil {
		s.writeErrorFrom(w, err)
		return
	}

	logs, err := s.store.Logs(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("Logs lookup failed", "reagent_id", id, "error", err)
		s.writeErrorFrom(w, err)
		return
	}
	if logs == nil {
		logs = []*store.UsageLog{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"logs": logs,
	})
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Ping(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "healthy"})
}
