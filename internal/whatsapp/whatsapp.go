// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in LeadPipe.
//
// Client exposes a capability-style send interface (text, image, voice note,
// document). Session owns the connection lifecycle behind it.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/leadpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = types.DefaultUserServer
)

// ErrNotConnected is returned when a send is attempted without a live connection.
var ErrNotConnected = errors.New("whatsapp client not connected")

// Sender is the send capability handed to the dispatcher (for production and testing).
type Sender interface {
	SendText(ctx context.Context, to string, body string) error
	SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error
	SendAudio(ctx context.Context, to string, data []byte, mimeType string) error
	SendDocument(ctx context.Context, to string, data []byte, fileName, mimeType string) error
}

// Client sends messages through whichever whatsmeow client the session currently holds.
type Client struct {
	mu sync.RWMutex
	wa *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

func (c *Client) set(wa *whatsmeow.Client) {
	c.mu.Lock()
	c.wa = wa
	c.mu.Unlock()
}

func (c *Client) current() (*whatsmeow.Client, error) {
	c.mu.RLock()
	wa := c.wa
	c.mu.RUnlock()
	if wa == nil || wa.Store == nil || !wa.IsConnected() {
		return nil, ErrNotConnected
	}
	return wa, nil
}

func (c *Client) send(ctx context.Context, to string, msg *waE2E.Message) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	wa, err := c.current()
	if err != nil {
		return err
	}
	jid := types.NewJID(to, JIDSuffix)
	if _, err := wa.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("WhatsApp.send: failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

func (c *Client) upload(ctx context.Context, data []byte, mediaType whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	if len(data) == 0 {
		return whatsmeow.UploadResponse{}, fmt.Errorf("media payload cannot be empty")
	}
	wa, err := c.current()
	if err != nil {
		return whatsmeow.UploadResponse{}, err
	}
	resp, err := wa.Upload(ctx, data, mediaType)
	if err != nil {
		slog.Error("WhatsApp.upload: failed", "error", err, "type", mediaType, "size", len(data))
		return whatsmeow.UploadResponse{}, fmt.Errorf("failed to upload media: %w", err)
	}
	return resp, nil
}

// SendText sends a plain text message to the specified recipient.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	slog.Debug("WhatsApp.SendText", "to", to, "body_length", len(body))
	return c.send(ctx, to, &waE2E.Message{Conversation: proto.String(body)})
}

// SendImage uploads data and sends it as an image message.
func (c *Client) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	up, err := c.upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return err
	}
	img := &waE2E.ImageMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}
	if caption != "" {
		img.Caption = proto.String(caption)
	}
	slog.Debug("WhatsApp.SendImage", "to", to, "size", len(data))
	return c.send(ctx, to, &waE2E.Message{ImageMessage: img})
}

// SendAudio uploads data and sends it as a voice note.
func (c *Client) SendAudio(ctx context.Context, to string, data []byte, mimeType string) error {
	up, err := c.upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return err
	}
	slog.Debug("WhatsApp.SendAudio", "to", to, "size", len(data))
	return c.send(ctx, to, &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		PTT:           proto.Bool(true),
	}})
}

// SendDocument uploads data and sends it as a file attachment.
func (c *Client) SendDocument(ctx context.Context, to string, data []byte, fileName, mimeType string) error {
	up, err := c.upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return err
	}
	slog.Debug("WhatsApp.SendDocument", "to", to, "file", fileName, "size", len(data))
	return c.send(ctx, to, &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		FileName:      proto.String(fileName),
		Title:         proto.String(fileName),
	}})
}

// SentMessage records one send made through MockClient.
type SentMessage struct {
	Kind     string // text, image, audio or document
	To       string
	Body     string
	Data     []byte
	FileName string
	MimeType string
}

// MockClient implements Sender without a WhatsApp connection (for tests).
// Setting Err makes every send fail with it.
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

var _ Sender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	return m.record(SentMessage{Kind: "text", To: to, Body: body})
}

func (m *MockClient) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	return m.record(SentMessage{Kind: "image", To: to, Body: caption, Data: data, MimeType: mimeType})
}

func (m *MockClient) SendAudio(ctx context.Context, to string, data []byte, mimeType string) error {
	return m.record(SentMessage{Kind: "audio", To: to, Data: data, MimeType: mimeType})
}

func (m *MockClient) SendDocument(ctx context.Context, to string, data []byte, fileName, mimeType string) error {
	return m.record(SentMessage{Kind: "document", To: to, Data: data, FileName: fileName, MimeType: mimeType})
}
