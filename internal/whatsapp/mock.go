package whatsapp

import (
	"context"
	"sync"

	"github.com/CalWeave/CalWeave/internal/models"
)

// SentMessage records one outbound call made against the mock client.
type SentMessage struct {
	To      string
	Body    string
	Buttons []Button
	Rows    []Row
}

// MockClient implements Sender without touching a real WhatsApp connection.
// Tests can inspect Sent and pre-load MediaData for download calls.
type MockClient struct {
	mu        sync.Mutex
	Sent      []SentMessage
	MediaData []byte
	Err       error
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendButtons(ctx context.Context, to string, body string, buttons []Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body, Buttons: buttons})
	return nil
}

func (m *MockClient) SendList(ctx context.Context, to string, body, buttonText string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body, Rows: rows})
	return nil
}

func (m *MockClient) DownloadMedia(ctx context.Context, ref *models.MediaRef) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.MediaData, nil
}

// LastSent returns the most recent outbound call, or nil if none were made.
func (m *MockClient) LastSent() *SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return nil
	}
	last := m.Sent[len(m.Sent)-1]
	return &last
}
