package calendar

import (
	"context"
	"sync"

	"github.com/CalWeave/CalWeave/internal/models"
)

// MockService implements Service for tests, recording every mutation and
// returning canned results.
type MockService struct {
	mu        sync.Mutex
	Mutations []MockMutation

	// Result is returned from every mutation call unless Err is set.
	Result *MutationResult
	Err    error

	Contacts []Contact
	Recent   []Event
}

// MockMutation is one recorded create/update/delete call.
type MockMutation struct {
	Op     string
	UserID string
	Intent models.IntentSnapshot
}

var _ Service = (*MockService)(nil)

// NewMockService creates a mock whose mutations succeed with a fixed event ID.
func NewMockService() *MockService {
	return &MockService{
		Result: &MutationResult{
			Success:  true,
			Provider: "mock",
			Event:    &Event{ID: "evt_mock"},
		},
	}
}

func (m *MockService) record(op, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Mutations = append(m.Mutations, MockMutation{Op: op, UserID: userID, Intent: intent})
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Result, nil
}

func (m *MockService) CreateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	return m.record("create", userID, intent)
}

func (m *MockService) UpdateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	return m.record("update", userID, intent)
}

func (m *MockService) DeleteEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	return m.record("delete", userID, intent)
}

func (m *MockService) GetContacts(ctx context.Context, userID string) ([]Contact, error) {
	return m.Contacts, nil
}

func (m *MockService) GetRecentEvents(ctx context.Context, userID string) ([]Event, error) {
	return m.Recent, nil
}

// MutationCount returns how many mutations of the given op were recorded.
func (m *MockService) MutationCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mut := range m.Mutations {
		if mut.Op == op {
			n++
		}
	}
	return n
}
