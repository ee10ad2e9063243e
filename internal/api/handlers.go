// Package api provides HTTP handlers for CalWeave endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CalWeave/CalWeave/internal/models"
)

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// jobsHandler dispatches /jobs/{id} and its subresources.
func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.jobsHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	segments := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing job ID"))
		return
	}
	jobID := segments[0]

	if len(segments) == 1 {
		// /jobs/{id}
		switch r.Method {
		case http.MethodGet:
			s.getJobHandler(w, r, jobID)
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 {
		switch segments[1] {
		case "timings":
			// /jobs/{id}/timings
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.jobTimingsHandler(w, r, jobID)
			return
		case "payloads":
			// /jobs/{id}/payloads
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.jobPayloadsHandler(w, r, jobID)
			return
		case "resume":
			// /jobs/{id}/resume
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.resumeJobHandler(w, r, jobID)
			return
		}
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown jobs endpoint"))
}

// getJobHandler handles GET /jobs/{id}
func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.st.GetJob(jobID)
	if err != nil {
		slog.Error("Server.getJobHandler: load failed", "error", err, "jobID", jobID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch job"))
		return
	}
	if job == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(job))
}

// jobTimingsHandler handles GET /jobs/{id}/timings
func (s *Server) jobTimingsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	timings, err := s.st.ListStageTimings(jobID)
	if err != nil {
		slog.Error("Server.jobTimingsHandler: load failed", "error", err, "jobID", jobID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch stage timings"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"timings": timings,
		"count":   len(timings),
	}))
}

// jobPayloadsHandler handles GET /jobs/{id}/payloads
func (s *Server) jobPayloadsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	payloads, err := s.st.ListStagePayloads(jobID)
	if err != nil {
		slog.Error("Server.jobPayloadsHandler: load failed", "error", err, "jobID", jobID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch stage payloads"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"payloads": payloads,
		"count":    len(payloads),
	}))
}

// resumeJobHandler handles POST /jobs/{id}/resume. It releases a test-mode
// paused job; the deferred next stage picks the job up on its re-check.
func (s *Server) resumeJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.st.GetJob(jobID)
	if err != nil {
		slog.Error("Server.resumeJobHandler: load failed", "error", err, "jobID", jobID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch job"))
		return
	}
	if job == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	if !job.Status.IsPaused() {
		writeJSONResponse(w, http.StatusConflict, models.Error("Job is not paused"))
		return
	}

	stage := models.Stage(strings.TrimPrefix(string(job.Status), models.PausedStatusPrefix))
	resumed := models.ResumedStatus(stage)
	if err := s.st.SetJobStatus(jobID, resumed); err != nil {
		slog.Error("Server.resumeJobHandler: status update failed", "error", err, "jobID", jobID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resume job"))
		return
	}

	slog.Info("Server.resumeJobHandler: job resumed", "jobID", jobID, "pausedAfter", stage, "status", resumed)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Job resumed", map[string]interface{}{
		"job_id": jobID,
		"status": resumed,
	}))
}

// messagesHandler handles POST /messages, an operator-facing direct send.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	canonicalTo, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.messagesHandler: recipient validation failed", "error", err, "to", req.To)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	if err := s.msgService.SendMessage(context.Background(), canonicalTo, req.Body); err != nil {
		slog.Error("Server.messagesHandler: send failed", "error", err, "to", canonicalTo)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}

	slog.Info("Server.messagesHandler: message sent", "to", canonicalTo)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

// flowSubmissionHandler handles POST /flow/submissions, the structured form
// submission callback. Duplicate submissions for a token are acknowledged
// without reprocessing.
func (s *Server) flowSubmissionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req struct {
		FlowToken string          `json:"flow_token"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.flowSubmissionHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.FlowToken == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: flow_token"))
		return
	}

	if err := s.clarifier.HandleFlowSubmission(r.Context(), req.FlowToken, string(req.Payload)); err != nil {
		slog.Error("Server.flowSubmissionHandler: submission failed", "error", err, "token", req.FlowToken)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process flow submission"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow submission accepted", nil))
}

// flowDispatchHandler handles POST /flow/dispatch, the operator-facing path
// that sends a multi-field form for a pending intent instead of stepping
// through per-field prompts.
func (s *Server) flowDispatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req struct {
		PendingIntentID string `json:"pending_intent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.flowDispatchHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PendingIntentID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: pending_intent_id"))
		return
	}

	session, err := s.clarifier.DispatchFlowForm(r.Context(), req.PendingIntentID)
	if err != nil {
		slog.Error("Server.flowDispatchHandler: dispatch failed", "error", err, "pendingIntentID", req.PendingIntentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to dispatch flow form"))
		return
	}

	slog.Info("Server.flowDispatchHandler: flow form dispatched", "pendingIntentID", req.PendingIntentID, "token", session.Token)
	writeJSONResponse(w, http.StatusCreated, models.Success(session))
}
