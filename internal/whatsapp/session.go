package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Reconnect backoff bounds.
const (
	DefaultMinBackoff = 2 * time.Second
	DefaultMaxBackoff = 2 * time.Minute
)

// Opts holds configuration options for the WhatsApp session.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string        // WhatsApp/whatsmeow database connection string
	QRPath      string        // path to write login QR code
	NumericCode bool          // use numeric login code instead of QR code
	MinBackoff  time.Duration // first reconnect delay
	MaxBackoff  time.Duration // reconnect delay ceiling
}

// Option defines a configuration option for the WhatsApp session.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the session to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the session to print the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithReconnectBackoff sets the reconnect delay bounds.
func WithReconnectBackoff(first, ceiling time.Duration) Option {
	return func(o *Opts) {
		o.MinBackoff = first
		o.MaxBackoff = ceiling
	}
}

// Inbound is a text message received from a contact.
type Inbound struct {
	ID       string
	From     string // sender phone without JID suffix
	PushName string
	Text     string
	Time     time.Time
}

// MessageHandler receives inbound text messages.
type MessageHandler func(Inbound)

// Session owns the whatsmeow connection: pairing, reconnect with backoff and
// logout-and-reset. The rest of the program only sees Client.
type Session struct {
	cfg       Opts
	container *sqlstore.Container
	client    *Client

	mu       sync.Mutex
	wa       *whatsmeow.Client
	handlers []MessageHandler
	ctx      context.Context
	cancel   context.CancelFunc
	retrying bool
}

// needsForeignKeyHint reports whether a SQLite DSN lacks the foreign key flag whatsmeow recommends.
func needsForeignKeyHint(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "foreign_keys")
}

// nextBackoff doubles cur up to ceiling.
func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next > ceiling || next <= 0 {
		return ceiling
	}
	return next
}

// NewSession opens the whatsmeow device store. Call Start to connect.
func NewSession(ctx context.Context, opts ...Option) (*Session, error) {
	cfg := Opts{MinBackoff: DefaultMinBackoff, MaxBackoff: DefaultMaxBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewSession options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := store.DetectDSNType(dbDSN)
	if needsForeignKeyHint(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	s := &Session{cfg: cfg, container: container, client: &Client{}}
	if err := s.loadDevice(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) loadDevice(ctx context.Context) error {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	wa.EnableAutoReconnect = false
	wa.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.wa = wa
	s.mu.Unlock()
	s.client.set(wa)
	return nil
}

func (s *Session) current() *whatsmeow.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wa
}

// Client returns the send capability backed by this session.
func (s *Session) Client() *Client {
	return s.client
}

// OnMessage registers a handler for inbound text messages.
func (s *Session) OnMessage(h MessageHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Start connects, pairing first when the device has no identity. Reconnects
// and resets run until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	return s.connect(s.ctx)
}

func (s *Session) connect(ctx context.Context) error {
	wa := s.current()
	if wa.Store.ID == nil {
		return s.pair(ctx, wa)
	}
	slog.Debug("WhatsApp already logged in, connecting to server")
	if err := wa.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp server", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return nil
}

func (s *Session) pair(ctx context.Context, wa *whatsmeow.Client) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if s.cfg.QRPath != "" {
		f, err := os.Create(s.cfg.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err)
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if s.cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
		case "success":
			slog.Info("WhatsApp pairing succeeded")
			return nil
		default:
			slog.Warn("WhatsApp login event", "event", evt.Event)
			if evt.Error != nil {
				return fmt.Errorf("whatsapp pairing failed: %w", evt.Error)
			}
		}
	}
	if wa.Store.ID == nil {
		return fmt.Errorf("whatsapp pairing ended without login")
	}
	return nil
}

func (s *Session) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		slog.Info("WhatsApp session connected")
	case *events.Disconnected:
		slog.Warn("WhatsApp session disconnected")
		go s.reconnect()
	case *events.LoggedOut:
		slog.Warn("WhatsApp session logged out", "reason", v.Reason)
		go func() {
			if err := s.Reset(s.context()); err != nil {
				slog.Error("WhatsApp session reset failed", "error", err)
			}
		}()
	case *events.Message:
		in, ok := inboundFromEvent(v)
		if !ok {
			return
		}
		s.mu.Lock()
		handlers := append([]MessageHandler(nil), s.handlers...)
		s.mu.Unlock()
		for _, h := range handlers {
			h(in)
		}
	}
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// reconnect retries Connect with exponential backoff. Only one loop runs at a time.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.retrying || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	ctx := s.ctx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
	}()

	delay := s.cfg.MinBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		wa := s.current()
		if wa.IsConnected() {
			return
		}
		if err := wa.Connect(); err != nil {
			slog.Warn("WhatsApp reconnect failed", "attempt", attempt, "retry_in", delay, "error", err)
			delay = nextBackoff(delay, s.cfg.MaxBackoff)
			continue
		}
		slog.Info("WhatsApp reconnected", "attempt", attempt)
		return
	}
}

// Reset logs out, deletes the device identity and pairs a fresh device.
func (s *Session) Reset(ctx context.Context) error {
	wa := s.current()
	if wa.IsLoggedIn() {
		if err := wa.Logout(ctx); err != nil {
			slog.Warn("WhatsApp logout failed, deleting device anyway", "error", err)
		}
	}
	wa.Disconnect()
	if wa.Store != nil && wa.Store.ID != nil {
		if err := wa.Store.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete WhatsApp device: %w", err)
		}
	}
	if err := s.loadDevice(ctx); err != nil {
		return err
	}
	return s.connect(ctx)
}

// Close stops background reconnects and disconnects.
func (s *Session) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	wa := s.wa
	s.mu.Unlock()
	if wa != nil {
		wa.Disconnect()
	}
}

// inboundFromEvent extracts a direct text message; groups, own messages and media are ignored.
func inboundFromEvent(evt *events.Message) (Inbound, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return Inbound{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return Inbound{}, false
	}
	return Inbound{
		ID:       evt.Info.ID,
		From:     evt.Info.Sender.User,
		PushName: evt.Info.PushName,
		Text:     text,
		Time:     evt.Info.Timestamp,
	}, true
}
