package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/testutil"
)

func TestHealthEndpoint(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health check")

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "health check wrong method")
}

func TestGetJob(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()
	job := testutil.SeedJob(t, parts.Store, models.JobStatusTranscribing)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/jobs/"+job.ID, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get job")
	resp := testutil.AssertJSONResponse(t, rr, "ok")

	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing result object: %v", resp)
	}
	if result["id"] != job.ID {
		t.Errorf("expected job %s, got %v", job.ID, result["id"])
	}
	if result["status"] != string(models.JobStatusTranscribing) {
		t.Errorf("unexpected status: %v", result["status"])
	}
}

func TestGetJobNotFound(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/jobs/job_missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get missing job")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestJobTimings(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()
	job := testutil.SeedJob(t, parts.Store, models.JobStatusCompleted)

	if _, err := parts.Store.AppendStageTiming(models.StageTiming{
		JobID: job.ID, Stage: models.StageTranscribe, Success: true,
	}); err != nil {
		t.Fatalf("seed timing failed: %v", err)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/jobs/"+job.ID+"/timings", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "job timings")
	resp := testutil.AssertJSONResponse(t, rr, "ok")

	result := resp["result"].(map[string]interface{})
	if count, _ := result["count"].(float64); count != 1 {
		t.Errorf("expected 1 timing, got %v", result["count"])
	}
}

func TestResumePausedJob(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()
	job := testutil.SeedJob(t, parts.Store, models.PausedAfter(models.StageTranscribe))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/jobs/"+job.ID+"/resume", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "resume paused job")

	got, err := parts.Store.GetJob(job.ID)
	if err != nil || got == nil {
		t.Fatalf("job vanished: %v", err)
	}
	if got.Status != models.JobStatusTranscribed {
		t.Errorf("expected transcribed after resume, got %s", got.Status)
	}
}

func TestResumeRejectsUnpausedJob(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()
	job := testutil.SeedJob(t, parts.Store, models.JobStatusCompleted)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/jobs/"+job.ID+"/resume", nil))
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "resume unpaused job")
}

func TestSendMessageEndpoint(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]string{
		"to": "+1 (555) 123-4567", "body": "hello",
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "send message")

	sent := parts.MockClient.LastSent()
	if sent == nil {
		t.Fatal("nothing sent")
	}
	if sent.To != "+15551234567" || sent.Body != "hello" {
		t.Errorf("unexpected send: %+v", sent)
	}
}

func TestSendMessageValidation(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]string{
		"to": "nonsense", "body": "hello",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "send with bad recipient")

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]string{
		"to": "+15551234567", "body": "  ",
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "send with empty body")
}

func TestFlowSubmissionRequiresToken(t *testing.T) {
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/flow/submissions", map[string]interface{}{
		"payload": map[string]string{"title": "Dentist"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "flow submission without token")
}

func TestFlowSubmissionUnknownTokenIsAccepted(t *testing.T) {
	// An unknown or replayed token is acknowledged silently; the submitter
	// cannot do anything useful with an error.
	parts := testutil.NewTestServer()
	mux := parts.Server.Routes()

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/flow/submissions", map[string]interface{}{
		"flow_token": "flw_unknown",
		"payload":    map[string]string{"title": "Dentist"},
	}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "flow submission with unknown token")
}
