package messaging

import (
	"context"
	"strings"
	"testing"

	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/twiliowhatsapp"
	"github.com/CalWeave/CalWeave/internal/whatsapp"
)

func TestWhatsAppServiceCanonicalizesRecipient(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"15551234567", "+15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, c := range cases {
		got, err := svc.ValidateAndCanonicalizeRecipient(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ValidateAndCanonicalizeRecipient(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWhatsAppServiceSendButtonsConvertsOptions(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	options := []clarify.PromptOption{
		{ID: "cw1.pi.conflict.0.6b656570", Label: "Keep both"},
		{ID: "cw1.pi.conflict.1.6d6f7665", Label: "Move it"},
	}
	if err := svc.SendButtons(context.Background(), "+15551234567", "Conflict found", options); err != nil {
		t.Fatalf("SendButtons failed: %v", err)
	}

	sent := mock.LastSent()
	if sent == nil {
		t.Fatal("nothing sent")
	}
	if len(sent.Buttons) != 2 {
		t.Fatalf("expected 2 buttons, got %d", len(sent.Buttons))
	}
	if sent.Buttons[0].ID != options[0].ID || sent.Buttons[0].Title != "Keep both" {
		t.Errorf("button conversion wrong: %+v", sent.Buttons[0])
	}

	// A sent receipt is emitted alongside the send.
	select {
	case r := <-svc.Receipts():
		if r.To != "+15551234567" {
			t.Errorf("receipt recipient wrong: %q", r.To)
		}
	default:
		t.Error("no sent receipt emitted")
	}
}

func TestWhatsAppServiceSendListConvertsOptions(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	options := []clarify.PromptOption{
		{ID: "a", Label: "Monday 9am"},
		{ID: "b", Label: "Monday 2pm"},
		{ID: "c", Label: "Tuesday 9am"},
		{ID: "d", Label: "Tuesday 2pm"},
	}
	if err := svc.SendList(context.Background(), "+15551234567", "Which time?", options); err != nil {
		t.Fatalf("SendList failed: %v", err)
	}

	sent := mock.LastSent()
	if sent == nil {
		t.Fatal("nothing sent")
	}
	if len(sent.Rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(sent.Rows))
	}
	if sent.Rows[2].ID != "c" || sent.Rows[2].Title != "Tuesday 9am" {
		t.Errorf("row conversion wrong: %+v", sent.Rows[2])
	}
}

func TestTwilioServiceRendersOptionsAsNumberedText(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	options := []clarify.PromptOption{
		{ID: "x", Label: "Keep both"},
		{ID: "y", Label: "Move it"},
		{ID: "z", Label: "Cancel"},
	}
	if err := svc.SendButtons(context.Background(), "+15551234567", "That time is taken.", options); err != nil {
		t.Fatalf("SendButtons failed: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 send, got %d", len(mock.SentMessages))
	}
	body := mock.SentMessages[0].Body
	for _, want := range []string{"That time is taken.", "1. Keep both", "2. Move it", "3. Cancel", "Reply with a number"} {
		if !strings.Contains(body, want) {
			t.Errorf("rendered body missing %q:\n%s", want, body)
		}
	}
}

func TestTwilioServiceStopRejectsSends(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "+15551234567", "hello"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
