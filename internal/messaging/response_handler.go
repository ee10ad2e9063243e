package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/store"
)

// Clarifier is the clarification surface the router dispatches replies to.
// Satisfied by the clarify engine.
type Clarifier interface {
	// HandleTextReply consumes a plain text message as a clarification
	// answer. Returns false when no clarification is waiting for the sender.
	HandleTextReply(ctx context.Context, resp models.Response) (bool, error)

	// HandleInteractiveReply consumes a button or list tap.
	HandleInteractiveReply(ctx context.Context, resp models.Response) error

	// HandleFlowSubmission consumes a structured form submission.
	HandleFlowSubmission(ctx context.Context, token, payloadJSON string) error
}

// Intake starts a new processing job for a message that is not a
// clarification answer. Satisfied by the pipeline.
type Intake interface {
	IntakeMessage(userID string, resp models.Response) (*models.Job, error)
}

// ResponseHandler routes every inbound message: interactive taps and flow
// submissions go to the clarification engine, text goes to the engine first
// and falls through to job intake, and voice notes always start a new job.
// Inbound message IDs are recorded for at-least-once webhook delivery, so a
// redelivered message is dropped before it can double-process.
type ResponseHandler struct {
	msgService Service
	dedup      store.DedupRepo
	clarifier  Clarifier
	intake     Intake
}

// NewResponseHandler creates a ResponseHandler from its collaborators.
func NewResponseHandler(msgService Service, dedup store.DedupRepo, clarifier Clarifier, intake Intake) *ResponseHandler {
	return &ResponseHandler{
		msgService: msgService,
		dedup:      dedup,
		clarifier:  clarifier,
		intake:     intake,
	}
}

// ProcessResponse routes one inbound message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: sender validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	response.From = canonicalFrom

	if response.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(response.MessageID, canonicalFrom)
		if err != nil {
			return fmt.Errorf("record inbound failed: %w", err)
		}
		if !fresh {
			slog.Info("ResponseHandler.ProcessResponse: duplicate inbound message, dropping", "messageID", response.MessageID, "from", canonicalFrom)
			return nil
		}
	}

	if err := rh.route(ctx, response); err != nil {
		slog.Error("ResponseHandler.ProcessResponse: routing failed", "error", err, "from", canonicalFrom, "kind", response.Kind)
		return err
	}

	if response.MessageID != "" {
		if err := rh.dedup.MarkProcessed(response.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "error", err, "messageID", response.MessageID)
		}
	}
	return nil
}

func (rh *ResponseHandler) route(ctx context.Context, response models.Response) error {
	switch response.Kind {
	case models.ResponseKindFlowReply:
		return rh.clarifier.HandleFlowSubmission(ctx, response.FlowToken, response.FlowPayload)

	case models.ResponseKindButtonReply, models.ResponseKindListReply:
		return rh.clarifier.HandleInteractiveReply(ctx, response)

	case models.ResponseKindText:
		handled, err := rh.clarifier.HandleTextReply(ctx, response)
		if err != nil {
			return err
		}
		if handled {
			slog.Debug("ResponseHandler.route: text consumed as clarification answer", "from", response.From)
			return nil
		}
		return rh.startJob(response)

	case models.ResponseKindAudio:
		return rh.startJob(response)

	default:
		slog.Debug("ResponseHandler.route: ignoring unsupported kind", "kind", response.Kind, "from", response.From)
		return nil
	}
}

// startJob hands the message to pipeline intake. Users are keyed by their
// canonical phone number.
func (rh *ResponseHandler) startJob(response models.Response) error {
	job, err := rh.intake.IntakeMessage(response.From, response)
	if err != nil {
		return fmt.Errorf("job intake failed: %w", err)
	}
	slog.Info("ResponseHandler.startJob: job started", "jobID", job.ID, "from", response.From, "kind", response.Kind)
	return nil
}

// Start begins consuming the messaging service's response channel. It should
// be called once; it returns after spawning the processing goroutine.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")

		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}

			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}
