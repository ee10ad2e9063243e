// Package messaging provides the channel services that carry CalWeave's
// conversations: outbound sends (text, buttons, lists) and the inbound router
// that turns channel events into pipeline jobs or clarification answers.
package messaging

import (
	"context"
	"errors"
	"regexp"

	"github.com/CalWeave/CalWeave/internal/clarify"
	"github.com/CalWeave/CalWeave/internal/models"
)

// ErrServiceStopped is returned by send operations after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit from a recipient.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports plain and interactive sends, and provides channels for receipt
// and response events. Every Service also satisfies the clarification
// engine's Messenger interface.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a plain text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendButtons sends a question with up to three tappable reply buttons.
	SendButtons(ctx context.Context, to string, body string, options []clarify.PromptOption) error

	// SendList sends a question with a selectable row list.
	SendList(ctx context.Context, to string, body string, options []clarify.PromptOption) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming messages.
	Responses() <-chan models.Response
}

var _ clarify.Messenger = (Service)(nil)

// canonicalizePhone reduces a recipient to "+<digits>". Used by both channel
// services so the pipeline and clarification state always key on one format.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(digits) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return "+" + digits, nil
}
