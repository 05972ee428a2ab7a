// Package messaging defines the message dispatcher used by the schedulers and
// the transport-backed services that implement it.
package messaging

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned when the transport has no live session.
	ErrNotConnected = errors.New("messaging transport not connected")
	// ErrUnsupportedMedia is returned when a transport cannot deliver a media kind.
	ErrUnsupportedMedia = errors.New("media kind not supported by transport")
	// ErrMediaUnreachable is returned when a media reference cannot be fetched.
	ErrMediaUnreachable = errors.New("media reference unreachable")
	// ErrServiceStopped is returned by sends after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
)

// Dispatcher sends one message of a given kind. Recipients are canonical
// phone numbers. Implementations hold no sequence state.
type Dispatcher interface {
	SendText(ctx context.Context, to string, text string) error
	// SendAudio sends mediaRef as a voice note.
	SendAudio(ctx context.Context, to string, mediaRef string) error
	SendImage(ctx context.Context, to string, mediaRef string) error
	SendDocument(ctx context.Context, to string, data []byte, fileName string) error
}

// Inbound is a text message received from a lead.
type Inbound struct {
	ID   string // transport message id, used for deduplication
	From string // sender phone as reported by the transport
	Name string // sender display name, if any
	Body string
	Time time.Time
}

// Service is a transport-backed Dispatcher that also yields inbound messages.
type Service interface {
	Dispatcher

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Responses channel.
	Stop() error

	// Responses returns a channel of incoming lead messages.
	Responses() <-chan Inbound
}

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the responses channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long an inbound emit may block before the message is dropped
	DefaultChannelTimeout = 1 * time.Second
)
