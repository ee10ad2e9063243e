package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/store"
)

type stubService struct {
	sent []string
}

func (s *stubService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (s *stubService) SendMessage(ctx context.Context, to, body string) error {
	s.sent = append(s.sent, body)
	return nil
}

func (s *stubService) SendButtons(ctx context.Context, to, body string, options []clarify.PromptOption) error {
	return s.SendMessage(ctx, to, body)
}

func (s *stubService) SendList(ctx context.Context, to, body string, options []clarify.PromptOption) error {
	return s.SendMessage(ctx, to, body)
}

func (s *stubService) Start(ctx context.Context) error   { return nil }
func (s *stubService) Stop() error                       { return nil }
func (s *stubService) Receipts() <-chan models.Receipt   { return nil }
func (s *stubService) Responses() <-chan models.Response { return nil }

type stubClarifier struct {
	textHandled      bool
	textCalls        int
	interactiveCalls int
	flowCalls        int
	lastFlowToken    string
}

func (c *stubClarifier) HandleTextReply(ctx context.Context, resp models.Response) (bool, error) {
	c.textCalls++
	return c.textHandled, nil
}

func (c *stubClarifier) HandleInteractiveReply(ctx context.Context, resp models.Response) error {
	c.interactiveCalls++
	return nil
}

func (c *stubClarifier) HandleFlowSubmission(ctx context.Context, token, payloadJSON string) error {
	c.flowCalls++
	c.lastFlowToken = token
	return nil
}

type stubIntake struct {
	jobs []models.Response
	err  error
}

func (i *stubIntake) IntakeMessage(userID string, resp models.Response) (*models.Job, error) {
	if i.err != nil {
		return nil, i.err
	}
	i.jobs = append(i.jobs, resp)
	return &models.Job{ID: "job-1", UserID: userID}, nil
}

func newHandler(clarifier *stubClarifier, intake *stubIntake) *ResponseHandler {
	return NewResponseHandler(&stubService{}, store.NewInMemoryStore(), clarifier, intake)
}

func TestProcessResponseRoutesAudioToIntake(t *testing.T) {
	clarifier := &stubClarifier{}
	intake := &stubIntake{}
	rh := newHandler(clarifier, intake)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "+1 (555) 123-4567", MessageID: "M1", Kind: models.ResponseKindAudio,
		Media: &models.MediaRef{URL: "https://example.com/a"},
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(intake.jobs) != 1 {
		t.Fatalf("expected 1 intake, got %d", len(intake.jobs))
	}
	if intake.jobs[0].From != "+15551234567" {
		t.Errorf("sender not canonicalized: %q", intake.jobs[0].From)
	}
	if clarifier.textCalls != 0 {
		t.Error("audio should not reach the clarifier")
	}
}

func TestProcessResponseTextFallsThroughToIntake(t *testing.T) {
	clarifier := &stubClarifier{textHandled: false}
	intake := &stubIntake{}
	rh := newHandler(clarifier, intake)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "+15551234567", MessageID: "M1", Kind: models.ResponseKindText, Body: "book dentist",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if clarifier.textCalls != 1 {
		t.Errorf("clarifier should be consulted first, calls=%d", clarifier.textCalls)
	}
	if len(intake.jobs) != 1 {
		t.Errorf("unhandled text should start a job, got %d", len(intake.jobs))
	}
}

func TestProcessResponseTextConsumedByClarifier(t *testing.T) {
	clarifier := &stubClarifier{textHandled: true}
	intake := &stubIntake{}
	rh := newHandler(clarifier, intake)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "+15551234567", MessageID: "M1", Kind: models.ResponseKindText, Body: "Dentist",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(intake.jobs) != 0 {
		t.Error("clarification answer must not start a new job")
	}
}

func TestProcessResponseInteractiveAndFlowRouting(t *testing.T) {
	clarifier := &stubClarifier{}
	rh := newHandler(clarifier, &stubIntake{})

	kinds := []models.ResponseKind{models.ResponseKindButtonReply, models.ResponseKindListReply}
	for i, kind := range kinds {
		err := rh.ProcessResponse(context.Background(), models.Response{
			From: "+15551234567", MessageID: "M" + string(rune('1'+i)), Kind: kind, SelectionID: "cw1.pi.x.0.61",
		})
		if err != nil {
			t.Fatalf("process %s failed: %v", kind, err)
		}
	}
	if clarifier.interactiveCalls != 2 {
		t.Errorf("expected 2 interactive dispatches, got %d", clarifier.interactiveCalls)
	}

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "+15551234567", MessageID: "M9", Kind: models.ResponseKindFlowReply,
		FlowToken: "flw_abc", FlowPayload: `{"title":"Dentist"}`,
	})
	if err != nil {
		t.Fatalf("flow process failed: %v", err)
	}
	if clarifier.flowCalls != 1 || clarifier.lastFlowToken != "flw_abc" {
		t.Errorf("flow submission not dispatched: calls=%d token=%q", clarifier.flowCalls, clarifier.lastFlowToken)
	}
}

func TestProcessResponseDropsDuplicateMessageID(t *testing.T) {
	clarifier := &stubClarifier{}
	intake := &stubIntake{}
	rh := newHandler(clarifier, intake)

	msg := models.Response{From: "+15551234567", MessageID: "M1", Kind: models.ResponseKindAudio,
		Media: &models.MediaRef{URL: "https://example.com/a"}}
	for i := 0; i < 3; i++ {
		if err := rh.ProcessResponse(context.Background(), msg); err != nil {
			t.Fatalf("process %d failed: %v", i, err)
		}
	}
	if len(intake.jobs) != 1 {
		t.Errorf("redelivered message double-processed: %d jobs", len(intake.jobs))
	}
}

func TestProcessResponseRejectsInvalidSender(t *testing.T) {
	rh := newHandler(&stubClarifier{}, &stubIntake{})
	err := rh.ProcessResponse(context.Background(), models.Response{From: "nonsense", Kind: models.ResponseKindText, Body: "hi"})
	if err == nil {
		t.Fatal("expected error for sender with no digits")
	}
}

func TestProcessResponseIntakeErrorPropagates(t *testing.T) {
	intake := &stubIntake{err: errors.New("store down")}
	rh := newHandler(&stubClarifier{}, intake)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "+15551234567", MessageID: "M1", Kind: models.ResponseKindText, Body: "book dentist",
	})
	if err == nil {
		t.Fatal("expected intake error to propagate")
	}
}
