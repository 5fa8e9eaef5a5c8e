// Package whatsapp wraps the whatsmeow client for the attendance bot.
//
// It handles device-store setup, QR login, sending plain-text messages and
// translating whatsmeow events into the bot's models.
package whatsapp

import (
	"context"
	"errors"
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

	"github.com/RizDevStudio/bot/internal/store"
)

// DefaultSQLitePath is the default path for the whatsmeow device database.
const DefaultSQLitePath = "/var/lib/absensibot/whatsmeow.db"

// ErrNoPhoneMapping is returned when a sender identity has no known phone number.
var ErrNoPhoneMapping = errors.New("no phone number known for sender")

// WhatsAppSender is an interface for sending WhatsApp messages (for production and testing)
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR block
	LogLevel    string // whatsmeow log level (DEBUG, INFO, WARN, ERROR)
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw login code instead of a QR block.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithLogLevel sets the level of whatsmeow's own loggers.
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = strings.ToUpper(level)
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	opts     Opts
}

// NewClient opens the device store and creates an unconnected client.
// Call Connect to log in and go online.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := driverFor(dbDSN)
	if dbDriver == store.DSNTypeSQLite && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not have foreign keys enabled; whatsmeow recommends them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", cfg.LogLevel, true))
	return &Client{waClient: waClient, opts: cfg}, nil
}

// driverFor maps a DSN to a database/sql driver name.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return store.DSNTypePostgres
	}
	return store.DSNTypeSQLite
}

// Connect connects to WhatsApp, running the QR login flow first when the
// device is not paired yet. It blocks until pairing finishes.
func (c *Client) Connect(ctx context.Context) error {
	if c.waClient.Store.ID != nil {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := c.waClient.Connect(); err != nil {
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp client connected successfully")
		return nil
	}

	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := c.waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := c.waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if c.opts.QRPath != "" {
		f, err := os.Create(c.opts.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if c.opts.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		case "success":
			slog.Info("WhatsApp pairing successful")
		default:
			slog.Warn("WhatsApp login event", "event", evt.Event)
		}
	}
	if c.waClient.Store.ID == nil {
		return errors.New("WhatsApp login did not complete")
	}
	slog.Info("WhatsApp client connected successfully")
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.waClient.Disconnect()
}

// SendMessage sends a plain-text message. to may be a full JID string or a
// bare phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}

	slog.Debug("Sending WhatsApp message", "to", jid.String(), "body_length", len(body))
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", jid.String(), err)
	}
	return nil
}

// ResolvePhone maps a sender JID to a phone number. Phone-number JIDs map to
// their user part; LIDs are looked up in the device's LID store.
func (c *Client) ResolvePhone(ctx context.Context, senderID string) (string, error) {
	jid, err := types.ParseJID(senderID)
	if err != nil {
		return "", fmt.Errorf("invalid sender %q: %w", senderID, err)
	}
	if phone := PhoneOf(jid); phone != "" {
		return phone, nil
	}
	if jid.Server != types.HiddenUserServer || c.waClient == nil || c.waClient.Store == nil || c.waClient.Store.LIDs == nil {
		return "", ErrNoPhoneMapping
	}
	pn, err := c.waClient.Store.LIDs.GetPNForLID(ctx, jid.ToNonAD())
	if err != nil {
		return "", fmt.Errorf("LID lookup failed for %s: %w", senderID, err)
	}
	if pn.IsEmpty() {
		return "", ErrNoPhoneMapping
	}
	return pn.User, nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// ParseRecipient turns a JID string or bare phone number into a JID.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	digits := strings.TrimPrefix(to, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("invalid recipient %q", to)
		}
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
