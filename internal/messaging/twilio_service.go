package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API.
// Twilio downloads media itself, so references must be public URLs.
type TwilioService struct {
	client    twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	responses chan Inbound
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService around the given client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		responses: make(chan Inbound, DefaultChannelBufferSize),
	}
}

// Start is a no-op for Twilio; inbound messages arrive through WebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	return nil
}

// Responses returns the channel for incoming messages.
func (s *TwilioService) Responses() <-chan Inbound {
	return s.responses
}

func (s *TwilioService) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	return nil
}

func (s *TwilioService) SendText(ctx context.Context, to string, text string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	return s.client.SendMessage(ctx, to, text)
}

func (s *TwilioService) sendMedia(ctx context.Context, to string, mediaRef string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if !isRemoteRef(mediaRef) {
		return fmt.Errorf("%w: twilio requires a public URL, got %q", ErrUnsupportedMedia, mediaRef)
	}
	return s.client.SendMedia(ctx, to, mediaRef, "")
}

func (s *TwilioService) SendAudio(ctx context.Context, to string, mediaRef string) error {
	return s.sendMedia(ctx, to, mediaRef)
}

func (s *TwilioService) SendImage(ctx context.Context, to string, mediaRef string) error {
	return s.sendMedia(ctx, to, mediaRef)
}

// SendDocument is unsupported: Twilio cannot attach raw bytes.
func (s *TwilioService) SendDocument(ctx context.Context, to string, data []byte, fileName string) error {
	return fmt.Errorf("%w: twilio cannot send document %q from bytes", ErrUnsupportedMedia, fileName)
}

// WebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Responses() channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.safeEmitResponse(Inbound{
		ID:   r.FormValue("MessageSid"),
		From: from,
		Name: r.FormValue("ProfileName"),
		Body: body,
		Time: time.Now(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitResponse safely pushes responses into the responses channel.
func (s *TwilioService) safeEmitResponse(in Inbound) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", in.From)
		return
	}

	select {
	case s.responses <- in:
		slog.Debug("TwilioService emitted inbound response", "from", in.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", in.From)
	}
}
