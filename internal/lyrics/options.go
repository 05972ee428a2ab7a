package lyrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/util"
)

const (
	DefaultCooldown          = 15 * time.Minute
	DefaultDeliveredTag      = "letraEnviada"
	DefaultDispatchTimeout   = 10 * time.Second
	DefaultGenerationTimeout = 90 * time.Second
)

// DeliveryMode selects how a ready lyric reaches the lead.
type DeliveryMode int

const (
	// DeliverText sends the lyric as a chat message.
	DeliverText DeliveryMode = iota
	// DeliverDocument sends the lyric as a text file attachment.
	DeliverDocument
)

// String implements fmt.Stringer.
func (m DeliveryMode) String() string {
	switch m {
	case DeliverText:
		return "text"
	case DeliverDocument:
		return "document"
	default:
		return fmt.Sprintf("DeliveryMode(%d)", int(m))
	}
}

// ParseDeliveryMode parses "text" or "document".
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return DeliverText, nil
	case "document", "doc", "file":
		return DeliverDocument, nil
	default:
		return DeliverText, fmt.Errorf("unknown lyric delivery mode %q", s)
	}
}

// Opts holds configuration for the Workflow.
type Opts struct {
	Cooldown          time.Duration
	Mode              DeliveryMode
	DeliveredTag      string // empty disables tagging
	PhonePrefix       string
	DispatchTimeout   time.Duration
	GenerationTimeout time.Duration
	MaxAttempts       int // 0 retries forever
	Now               func() time.Time
}

// Option is a functional option for configuring the Workflow.
type Option func(*Opts)

// WithCooldown sets the wait between generation and delivery.
func WithCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.Cooldown = d
	}
}

// WithDeliveryMode selects text or document delivery.
func WithDeliveryMode(m DeliveryMode) Option {
	return func(o *Opts) {
		o.Mode = m
	}
}

// WithDeliveredTag sets the tag applied to a lead once its lyric is delivered.
func WithDeliveredTag(tag string) Option {
	return func(o *Opts) {
		o.DeliveredTag = tag
	}
}

// WithPhonePrefix sets the dialing prefix used to canonicalize recipients.
func WithPhonePrefix(prefix string) Option {
	return func(o *Opts) {
		o.PhonePrefix = prefix
	}
}

// WithDispatchTimeout bounds each delivery send.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.DispatchTimeout = d
		}
	}
}

// WithGenerationTimeout bounds each generator call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.GenerationTimeout = d
		}
	}
}

// WithMaxAttempts stops retrying a record after n failed attempts.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) {
		o.MaxAttempts = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		Cooldown:          DefaultCooldown,
		DeliveredTag:      DefaultDeliveredTag,
		PhonePrefix:       util.DefaultDialingPrefix,
		DispatchTimeout:   DefaultDispatchTimeout,
		GenerationTimeout: DefaultGenerationTimeout,
		Now:               time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
