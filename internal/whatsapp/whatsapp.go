// Package whatsapp wraps the whatsmeow client used to interview users over WhatsApp.
//
// It handles device-store setup and login, sends text messages and decodes
// the inbound events the messaging layer cares about.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/SchemaPipe/internal/store"
)

const (
	// DefaultSQLitePath is the default whatsmeow device database.
	DefaultSQLitePath = "/var/lib/schemapipe/whatsmeow.db"
	// JIDSuffix is the server part of a regular user JID.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends a text message to a phone number given as digits only.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// EventSource delivers raw whatsmeow events to a handler.
type EventSource interface {
	AddEventHandler(handler func(evt interface{})) uint32
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // file to write the login QR code to
	NumericCode bool   // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store connection string.
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

// WithNumericCode prints the login code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// driverFor maps a DSN onto the database/sql driver name whatsmeow expects.
func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// NewClient opens the device store, logs in when needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no DSN provided, using default path", "path", dbDSN)
	}

	driver := driverFor(dbDSN)
	if driver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite device store without foreign keys, whatsmeow recommends enabling them",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("whatsapp.NewClient: connected with existing session")
		return &Client{waClient: waClient}, nil
	}

	slog.Info("whatsapp.NewClient: login required, starting QR flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.NewClient: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	slog.Info("whatsapp.NewClient: connected after login")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a plain text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	msg := &waE2E.Message{Conversation: &body}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("whatsapp.Client.SendMessage: sent", "to", to, "body_length", len(body))
	return nil
}

// AddEventHandler registers a handler for every whatsmeow event.
func (c *Client) AddEventHandler(handler func(evt interface{})) uint32 {
	return c.waClient.AddEventHandler(handler)
}

// Disconnect closes the connection to the WhatsApp servers.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MessageText returns the text of a message event, or "" for media and
// other non-text messages.
func MessageText(evt *events.Message) string {
	if evt == nil || evt.Message == nil {
		return ""
	}
	if evt.Message.Conversation != nil {
		return *evt.Message.Conversation
	}
	if ext := evt.Message.ExtendedTextMessage; ext != nil && ext.Text != nil {
		return *ext.Text
	}
	return ""
}

// MockClient records sent messages instead of talking to WhatsApp.
type MockClient struct {
	mu       sync.Mutex
	Sent     []SentMessage
	handlers []func(evt interface{})
	Err      error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

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

func (m *MockClient) AddEventHandler(handler func(evt interface{})) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return uint32(len(m.handlers))
}

// Emit delivers evt to every registered handler.
func (m *MockClient) Emit(evt interface{}) {
	m.mu.Lock()
	handlers := append([]func(evt interface{}){}, m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
