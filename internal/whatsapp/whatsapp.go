// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in CalWeave.
//
// It provides methods for sending text, button, and list messages, downloading
// voice note media, and translating inbound events into normalized responses.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/CalWeave/CalWeave/internal/models"
	"github.com/CalWeave/CalWeave/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/calweave/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Button is one tappable option on a button prompt.
type Button struct {
	ID    string
	Title string
}

// Row is one selectable entry in a list prompt.
type Row struct {
	ID          string
	Title       string
	Description string
}

// Sender is the outbound WhatsApp surface used by the messaging layer.
// Implemented by Client and by MockClient in tests.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendButtons(ctx context.Context, to string, body string, buttons []Button) error
	SendList(ctx context.Context, to string, body, buttonText string, rows []Row) error
	DownloadMedia(ctx context.Context, ref *models.MediaRef) ([]byte, error)
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// This handles WhatsApp/whatsmeow database configuration with proper validation and warnings.
func NewClient(opts ...Option) (*Client, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	// Determine database DSN
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	// Auto-detect database driver based on DSN
	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
		slog.Debug("WhatsApp client auto-detected PostgreSQL driver", "dsn_type", "postgresql")
	} else {
		dbDriver = "sqlite3"
		slog.Debug("WhatsApp client auto-detected SQLite driver", "dsn_type", "sqlite")

		// Check if SQLite DSN has foreign keys enabled (whatsmeow recommends this)
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "dsn_set", dbDSN != "")
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	slog.Debug("WhatsApp DB store initialized")

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	slog.Debug("WhatsApp device store retrieved")

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		err = waClient.Connect()
		if err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		// Determine output writer for QR or code
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				slog.Debug("WhatsApp login event code received", "code", evt.Code)
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
				fmt.Println("Login event:", evt.Event)
			}
		}
	} else {
		// Already logged in, just connect
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a WhatsApp text message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := c.checkSendArgs(to, body); err != nil {
		return err
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	_, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// SendButtons sends a message with up to three tappable reply buttons.
func (c *Client) SendButtons(ctx context.Context, to string, body string, buttons []Button) error {
	if err := c.checkSendArgs(to, body); err != nil {
		return err
	}
	if len(buttons) == 0 || len(buttons) > models.MaxButtonOptions {
		return fmt.Errorf("button prompt requires 1-%d buttons, got %d", models.MaxButtonOptions, len(buttons))
	}

	protoButtons := make([]*waE2E.ButtonsMessage_Button, 0, len(buttons))
	for _, b := range buttons {
		protoButtons = append(protoButtons, &waE2E.ButtonsMessage_Button{
			ButtonID:   proto.String(b.ID),
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(b.Title)},
			Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{
		ButtonsMessage: &waE2E.ButtonsMessage{
			ContentText: proto.String(body),
			HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
			Buttons:     protoButtons,
		},
	}

	_, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp button message", "error", err, "to", to, "buttons", len(buttons))
		return fmt.Errorf("failed to send button message to %s: %w", to, err)
	}

	slog.Debug("WhatsApp button message sent", "to", to, "buttons", len(buttons))
	return nil
}

// SendList sends a single-select list message.
func (c *Client) SendList(ctx context.Context, to string, body, buttonText string, rows []Row) error {
	if err := c.checkSendArgs(to, body); err != nil {
		return err
	}
	if len(rows) == 0 || len(rows) > models.MaxListOptions {
		return fmt.Errorf("list prompt requires 1-%d rows, got %d", models.MaxListOptions, len(rows))
	}
	if buttonText == "" {
		buttonText = "Choose"
	}

	protoRows := make([]*waE2E.ListMessage_Row, 0, len(rows))
	for _, r := range rows {
		row := &waE2E.ListMessage_Row{
			RowID: proto.String(r.ID),
			Title: proto.String(r.Title),
		}
		if r.Description != "" {
			row.Description = proto.String(r.Description)
		}
		protoRows = append(protoRows, row)
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	msg := &waE2E.Message{
		ListMessage: &waE2E.ListMessage{
			Description: proto.String(body),
			ButtonText:  proto.String(buttonText),
			ListType:    waE2E.ListMessage_SINGLE_SELECT.Enum(),
			Sections: []*waE2E.ListMessage_Section{
				{Rows: protoRows},
			},
		},
	}

	_, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp list message", "error", err, "to", to, "rows", len(rows))
		return fmt.Errorf("failed to send list message to %s: %w", to, err)
	}

	slog.Debug("WhatsApp list message sent", "to", to, "rows", len(rows))
	return nil
}

// DownloadMedia fetches and decrypts a voice note from the stored media
// reference. The reference survives the originating event, so the download
// stage can run long after the message arrived.
func (c *Client) DownloadMedia(ctx context.Context, ref *models.MediaRef) ([]byte, error) {
	if c.waClient == nil {
		return nil, fmt.Errorf("whatsapp client not initialized")
	}
	if ref == nil || ref.URL == "" && ref.DirectPath == "" {
		return nil, fmt.Errorf("media reference is empty")
	}

	audio := &waE2E.AudioMessage{
		URL:           proto.String(ref.URL),
		DirectPath:    proto.String(ref.DirectPath),
		MediaKey:      ref.MediaKey,
		FileSHA256:    ref.FileSHA256,
		FileEncSHA256: ref.FileEncSHA256,
		FileLength:    proto.Uint64(ref.FileLength),
		Mimetype:      proto.String(ref.Mimetype),
	}

	data, err := c.waClient.Download(ctx, audio)
	if err != nil {
		slog.Error("Failed to download WhatsApp media", "error", err, "mimetype", ref.Mimetype)
		return nil, fmt.Errorf("failed to download media: %w", err)
	}

	slog.Debug("WhatsApp media downloaded", "bytes", len(data), "mimetype", ref.Mimetype)
	return data, nil
}

func (c *Client) checkSendArgs(to, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}
