// Package calendar defines the calendar-provider collaborator interface.
//
// CalWeave treats the actual provider integration (Google, CalDAV, ...) as an
// external service reached through a provider bridge; this package carries the
// contract the pipeline depends on plus an HTTP client for the bridge.
package calendar

import (
	"context"

	"github.com/CalWeave/CalWeave/internal/models"
)

// Event is a calendar event as returned by the provider bridge.
type Event struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end,omitempty"`
	Location  string   `json:"location,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
}

// MutationResult is the outcome of a create/update/delete call.
type MutationResult struct {
	Success  bool   `json:"success"`
	Provider string `json:"provider,omitempty"`
	Event    *Event `json:"event,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Contact is an attendee candidate used to build extraction context.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Service defines the calendar operations the pipeline uses. Create, update,
// and delete mutate the user's connected calendar; the read operations feed
// extraction context and conflict detection upstream.
type Service interface {
	CreateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error)
	UpdateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error)
	DeleteEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error)
	GetContacts(ctx context.Context, userID string) ([]Contact, error)
	GetRecentEvents(ctx context.Context, userID string) ([]Event, error)
}
