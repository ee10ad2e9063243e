// Package testutil provides common test utilities and helpers for CalWeave tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CalWeave/CalWeave/internal/api"
	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/messaging"
	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/pipeline"
	"github.com/CalWeave/CalWeave/internal/queue"
	"github.com/CalWeave/CalWeave/internal/store"
	"github.com/CalWeave/CalWeave/internal/whatsapp"
)

// TestServerParts exposes the collaborators behind a test server so tests can
// seed state and inspect outbound traffic.
type TestServerParts struct {
	Server     *api.Server
	Store      *store.InMemoryStore
	MockClient *whatsapp.MockClient
	Engine     *clarify.Engine
}

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across test files.
func NewTestServer() TestServerParts {
	mock := whatsapp.NewMockClient()
	msgService := messaging.NewWhatsAppService(mock)
	st := store.NewInMemoryStore()
	runner := queue.NewRunner(st, 0)
	engine := clarify.NewEngine(st, runner, msgService)
	pl := pipeline.NewPipeline(st, runner, nil, nil, nil, nil, engine, msgService)

	return TestServerParts{
		Server:     api.NewServer("", st, msgService, engine, pl, nil),
		Store:      st,
		MockClient: mock,
		Engine:     engine,
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SeedJob inserts a job in the given status and returns it.
func SeedJob(t *testing.T, st store.Store, status models.JobStatus) models.Job {
	t.Helper()
	job := models.Job{
		ID:        store.NewJobID(),
		UserID:    "+15551234567",
		Phone:     "+15551234567",
		Status:    status,
		MessageID: "MSG-seed",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}
	return job
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
