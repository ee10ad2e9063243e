// Package calendar provides the HTTP client for the calendar provider bridge.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/CalWeave/CalWeave/internal/models"
)

// DefaultRequestTimeout bounds a single bridge round trip.
const DefaultRequestTimeout = 30 * time.Second

// Opts holds configuration options for the bridge client.
type Opts struct {
	BaseURL string
	Token   string
}

// Option defines a configuration option for the bridge client.
type Option func(*Opts)

// WithBaseURL sets the provider bridge base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithToken sets the bearer token for bridge requests.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// BridgeClient talks JSON-over-HTTP to the calendar provider bridge.
type BridgeClient struct {
	baseURL string
	token   string
	httpCli *http.Client
}

// Compile-time check that BridgeClient implements Service.
var _ Service = (*BridgeClient)(nil)

// NewBridgeClient creates a bridge client from the provided options.
func NewBridgeClient(opts ...Option) (*BridgeClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("calendar bridge base URL not set")
	}
	return &BridgeClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpCli: &http.Client{Timeout: DefaultRequestTimeout},
	}, nil
}

func (c *BridgeClient) mutate(ctx context.Context, op, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"intent":  intent,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request failed: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request failed: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar bridge %s failed: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response failed: %w", op, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("calendar bridge %s returned %d: %s", op, resp.StatusCode, string(data))
	}

	var result MutationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode %s response failed: %w", op, err)
	}
	slog.Debug("BridgeClient mutation completed", "op", op, "userID", userID, "success", result.Success)
	return &result, nil
}

func (c *BridgeClient) CreateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	return c.mutate(ctx, "create", userID, intent)
}

func (c *BridgeClient) UpdateEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	return c.mutate(ctx, "update", userID, intent)
}

func (c *BridgeClient) DeleteEvent(ctx context.Context, userID string, intent models.IntentSnapshot) (*MutationResult, error) {
	return c.mutate(ctx, "delete", userID, intent)
}

func (c *BridgeClient) get(ctx context.Context, path, userID string, out interface{}) error {
	q := url.Values{"user_id": {userID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("calendar bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calendar bridge returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response failed: %w", err)
	}
	return nil
}

func (c *BridgeClient) GetContacts(ctx context.Context, userID string) ([]Contact, error) {
	var contacts []Contact
	if err := c.get(ctx, "/contacts", userID, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *BridgeClient) GetRecentEvents(ctx context.Context, userID string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/events/recent", userID, &events); err != nil {
		return nil, err
	}
	return events, nil
}
