package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
// Media references are fetched and uploaded as bytes.
type WhatsAppService struct {
	client    whatsapp.Sender
	fetcher   MediaFetcher
	responses chan Inbound
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
// A nil fetcher defaults to NewHTTPFetcher.
func NewWhatsAppService(client whatsapp.Sender, fetcher MediaFetcher) *WhatsAppService {
	if fetcher == nil {
		fetcher = NewHTTPFetcher()
	}
	return &WhatsAppService{
		client:    client,
		fetcher:   fetcher,
		responses: make(chan Inbound, DefaultChannelBufferSize),
	}
}

// Start is a no-op; inbound messages arrive through HandleInbound.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	return nil
}

// Stop closes the responses channel. Sends after Stop fail with ErrServiceStopped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Responses returns a channel of incoming messages.
func (s *WhatsAppService) Responses() <-chan Inbound {
	return s.responses
}

func (s *WhatsAppService) checkRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	return nil
}

// mapError tags transport disconnects with ErrNotConnected.
func mapError(err error) error {
	if err != nil && errors.Is(err, whatsapp.ErrNotConnected) {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return err
}

func (s *WhatsAppService) SendText(ctx context.Context, to string, text string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	slog.Debug("WhatsAppService SendText invoked", "to", to, "body_length", len(text))
	if err := s.client.SendText(ctx, to, text); err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", to)
		return mapError(err)
	}
	return nil
}

func (s *WhatsAppService) SendAudio(ctx context.Context, to string, mediaRef string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	data, mimeType, err := s.fetcher.Fetch(ctx, mediaRef)
	if err != nil {
		slog.Warn("WhatsAppService SendAudio media fetch failed", "error", err, "to", to, "ref", mediaRef)
		return err
	}
	if err := s.client.SendAudio(ctx, to, data, voiceNoteMime(mimeType)); err != nil {
		slog.Error("WhatsAppService SendAudio error", "error", err, "to", to)
		return mapError(err)
	}
	return nil
}

func (s *WhatsAppService) SendImage(ctx context.Context, to string, mediaRef string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	data, mimeType, err := s.fetcher.Fetch(ctx, mediaRef)
	if err != nil {
		slog.Warn("WhatsAppService SendImage media fetch failed", "error", err, "to", to, "ref", mediaRef)
		return err
	}
	if err := s.client.SendImage(ctx, to, data, mimeType, ""); err != nil {
		slog.Error("WhatsAppService SendImage error", "error", err, "to", to)
		return mapError(err)
	}
	return nil
}

func (s *WhatsAppService) SendDocument(ctx context.Context, to string, data []byte, fileName string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	if err := s.client.SendDocument(ctx, to, data, fileName, documentMime(fileName)); err != nil {
		slog.Error("WhatsAppService SendDocument error", "error", err, "to", to, "file", fileName)
		return mapError(err)
	}
	return nil
}

// HandleInbound converts a session message and emits it on Responses.
// It is registered with whatsapp.Session.OnMessage.
func (s *WhatsAppService) HandleInbound(in whatsapp.Inbound) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", in.From)
		return
	}
	msg := Inbound{ID: in.ID, From: in.From, Name: in.PushName, Body: in.Text, Time: in.Time}
	select {
	case s.responses <- msg:
		slog.Debug("WhatsAppService emitted inbound message", "from", in.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", in.From)
	}
}

// voiceNoteMime maps audio types to the opus/ogg type WhatsApp plays as a voice note.
func voiceNoteMime(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err == nil && (mediaType == "audio/ogg" || mediaType == "audio/opus") {
		return "audio/ogg; codecs=opus"
	}
	if mimeType == "" {
		return "audio/ogg; codecs=opus"
	}
	return mimeType
}

func documentMime(fileName string) string {
	if ext := filepath.Ext(fileName); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}
