package testutil

import (
	"testing"

	"github.com/CalWeave/CalWeave/internal/models"
)

func TestNewTestServer(t *testing.T) {
	parts := NewTestServer()

	if parts.Server == nil {
		t.Error("expected server to be created, got nil")
	}
	if parts.Store == nil {
		t.Error("expected store to be created, got nil")
	}
	if parts.MockClient == nil {
		t.Error("expected mock client to be created, got nil")
	}
	if parts.Engine == nil {
		t.Error("expected clarify engine to be created, got nil")
	}
}

func TestSeedJob(t *testing.T) {
	parts := NewTestServer()

	job := SeedJob(t, parts.Store, models.JobStatusPending)
	if job.ID == "" {
		t.Fatal("seeded job has empty ID")
	}

	got, err := parts.Store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got == nil {
		t.Fatal("seeded job not found in store")
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("expected status %s, got %s", models.JobStatusPending, got.Status)
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   interface{}
	}{
		{
			name:   "GET request with no body",
			method: "GET",
			url:    "/test",
			body:   nil,
		},
		{
			name:   "POST request with JSON body",
			method: "POST",
			url:    "/test",
			body:   map[string]string{"key": "value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := CreateHTTPRequest(t, tt.method, tt.url, tt.body)

			if req == nil {
				t.Fatal("expected request to be created, got nil")
			}
			if req.Method != tt.method {
				t.Errorf("expected method %s, got %s", tt.method, req.Method)
			}
			if req.URL.Path != tt.url {
				t.Errorf("expected URL %s, got %s", tt.url, req.URL.Path)
			}
		})
	}
}

func TestMustMarshalJSONRoundTrip(t *testing.T) {
	testData := map[string]interface{}{
		"key1": "value1",
		"key2": 123,
	}

	data := MustMarshalJSON(t, testData)
	if len(data) == 0 {
		t.Fatal("expected non-empty JSON data")
	}

	var target map[string]interface{}
	MustUnmarshalJSON(t, data, &target)

	if target["key1"] != "value1" {
		t.Errorf("expected key1 to be 'value1', got %v", target["key1"])
	}
	if target["key2"].(float64) != 123 {
		t.Errorf("expected key2 to be 123, got %v", target["key2"])
	}
}
