package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/postura/internal/db/gorm"
	"github.com/thebtf/postura/internal/media"
	"github.com/thebtf/postura/internal/privacy"
	"github.com/thebtf/postura/internal/report"
	"github.com/thebtf/postura/internal/worker/session"
	"github.com/thebtf/postura/pkg/models"
)

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	writeJSON(w, status, resp)
}

func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "service not ready"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Service) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	EndpointID string `json:"endpoint_id"`
}

func (s *Service) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	if req.EndpointID == "" {
		req.EndpointID = s.currentConfig().EndpointID
	}

	// The session outlives the request; only the connect phase is bounded.
	if err := s.sessionManager.Start(context.WithoutCancel(r.Context()), req.EndpointID); err != nil {
		status, resp := startError(err)
		log.Warn().Err(err).Str("endpoint", req.EndpointID).Int("status", status).Msg("Session start failed")
		writeError(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionManager.Status())
}

func startError(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error(), Message: media.UserMessage(err)}
	switch {
	case errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict, resp
	case errors.Is(err, media.ErrCaptureUnavailable):
		resp.Kind, resp.Action = "capture_unavailable", string(report.ActionRetry)
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, media.ErrConnectionFailed), errors.Is(err, context.DeadlineExceeded):
		resp.Kind, resp.Action = "connection_failed", string(report.ActionRetry)
		if resp.Message == "" {
			resp.Message = media.UserMessage(media.ErrConnectionFailed)
		}
		return http.StatusBadGateway, resp
	case errors.Is(err, media.ErrSessionStopped), errors.Is(err, media.ErrSessionClosed):
		return http.StatusConflict, resp
	default:
		resp.Action = string(report.ActionRetry)
		return http.StatusInternalServerError, resp
	}
}

func (s *Service) handleStopSession(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sessionManager.Stop(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		writeError(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionManager.Status())
}

type eventRequest struct {
	Status  string                 `json:"status"`
	Details *models.PostureDetails `json:"details,omitempty"`
}

func (s *Service) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	status, err := models.ParsePostureStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.sessionManager.Record(status, req.Details); err != nil {
		writeError(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	cfg := s.currentConfig()
	type endpointView struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		DetectorURL string `json:"detector_url"`
	}

	views := []endpointView{}
	for _, e := range s.currentEndpoints().All() {
		url := e.DetectorURL
		if url == "" {
			url = cfg.DetectorURL
		}
		views = append(views, endpointView{Name: e.Name, Description: e.Description, DetectorURL: privacy.Clean(url)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   cfg.EndpointID,
		"endpoints": views,
	})
}

func (s *Service) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	limit := gorm.ParseLimitParam(r, s.currentConfig().RecentSessions)
	recs, err := s.records.ListSessionRecords(r.Context(), r.URL.Query().Get("endpoint"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list session records")
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "failed to list sessions"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

func (s *Service) handlePlaceholderReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.assembler.Assemble(r.Context(), report.Request{})
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.assembler.Assemble(r.Context(), report.Request{SessionID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// buildReportRequest carries a posture log handed over by a client, or a stored session id.
type buildReportRequest struct {
	PostureLog      []models.PostureEvent `json:"posture_log"`
	DurationSeconds float64               `json:"duration_seconds"`
	RecordedAt      *time.Time            `json:"recorded_at,omitempty"`
	SessionID       string                `json:"session_id,omitempty"`
}

func (s *Service) handleBuildReport(w http.ResponseWriter, r *http.Request) {
	var body buildReportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	req := report.Request{SessionID: body.SessionID}
	if body.PostureLog != nil {
		in := &report.SessionInput{
			Events:          body.PostureLog,
			DurationSeconds: body.DurationSeconds,
		}
		if body.RecordedAt != nil {
			in.RecordedAt = *body.RecordedAt
		}
		req.Session = in
	}

	rep, err := s.assembler.Assemble(r.Context(), req)
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) writeReportError(w http.ResponseWriter, err error) {
	kind := report.Kind(err)
	resp := errorResponse{
		Error:  err.Error(),
		Kind:   string(kind),
		Action: string(report.ActionFor(kind)),
	}

	status := http.StatusInternalServerError
	switch kind {
	case report.KindSessionNotFound:
		status = http.StatusNotFound
		resp.Message = "That session could not be found."
	case report.KindComputationFailed:
		status = http.StatusUnprocessableEntity
		resp.Message = "This session's data could not be analysed. Start a new session."
	default:
		log.Error().Err(err).Msg("Report request failed")
	}
	writeError(w, status, resp)
}
