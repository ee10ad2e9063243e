package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CalWeave/CalWeave/internal/models"
)

func TestNewBridgeClientRequiresBaseURL(t *testing.T) {
	if _, err := NewBridgeClient(); err == nil {
		t.Error("expected error without base URL")
	}
	if _, err := NewBridgeClient(WithBaseURL("http://bridge.local")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCreateEventSendsIntentAndToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		json.NewEncoder(w).Encode(MutationResult{
			Success:  true,
			Provider: "google",
			Event:    &Event{ID: "evt_123", Title: "Dentist"},
		})
	}))
	defer srv.Close()

	cli, err := NewBridgeClient(WithBaseURL(srv.URL), WithToken("secret"))
	if err != nil {
		t.Fatalf("NewBridgeClient failed: %v", err)
	}

	result, err := cli.CreateEvent(context.Background(), "+15551234567", models.IntentSnapshot{
		Action: models.ActionCreate,
		Title:  "Dentist",
	})
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	if gotPath != "/events/create" {
		t.Errorf("expected /events/create, got %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotBody["user_id"] != "+15551234567" {
		t.Errorf("user id not forwarded: %v", gotBody["user_id"])
	}
	if !result.Success || result.Event == nil || result.Event.ID != "evt_123" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestMutationRejectionIsNotAnError(t *testing.T) {
	// A 4xx with a result body is a provider rejection, not a transport
	// failure; the caller decides whether to retry.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(MutationResult{Success: false, Message: "event not found"})
	}))
	defer srv.Close()

	cli, _ := NewBridgeClient(WithBaseURL(srv.URL))
	result, err := cli.DeleteEvent(context.Background(), "+15551234567", models.IntentSnapshot{
		Action: models.ActionDelete, Title: "Dentist",
	})
	if err != nil {
		t.Fatalf("expected rejection without transport error, got %v", err)
	}
	if result.Success {
		t.Error("expected unsuccessful result")
	}
	if result.Message != "event not found" {
		t.Errorf("rejection message lost: %q", result.Message)
	}
}

func TestMutationServerErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cli, _ := NewBridgeClient(WithBaseURL(srv.URL))
	if _, err := cli.UpdateEvent(context.Background(), "+15551234567", models.IntentSnapshot{}); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestGetContacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contacts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("user_id") != "+15551234567" {
			t.Errorf("user id not forwarded: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]Contact{{Name: "Alice", Email: "alice@example.com"}})
	}))
	defer srv.Close()

	cli, _ := NewBridgeClient(WithBaseURL(srv.URL))
	contacts, err := cli.GetContacts(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("GetContacts failed: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Name != "Alice" {
		t.Errorf("unexpected contacts: %+v", contacts)
	}
}

func TestGetRecentEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/recent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]Event{{ID: "evt_1", Title: "Standup"}})
	}))
	defer srv.Close()

	cli, _ := NewBridgeClient(WithBaseURL(srv.URL))
	events, err := cli.GetRecentEvents(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Standup" {
		t.Errorf("unexpected events: %+v", events)
	}
}
