package sequence

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/render"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Defaults for scheduler configuration
const (
	DefaultDispatchTimeout = 10 * time.Second
	DefaultLeaseTTL        = 2 * time.Minute
	DefaultFormBaseURL     = "http://localhost:3000"
	DefaultFormPath        = "/formulario-cancion"
)

// UnknownKindPolicy decides what happens to a step whose kind is not recognised.
type UnknownKindPolicy int

const (
	// UnknownKindAdvance logs a warning and moves past the step.
	UnknownKindAdvance UnknownKindPolicy = iota
	// UnknownKindStall logs a warning and leaves the index in place.
	UnknownKindStall
)

func (p UnknownKindPolicy) String() string {
	if p == UnknownKindStall {
		return "stall"
	}
	return "advance"
}

// ParseUnknownKindPolicy accepts "advance" (or "") and "stall".
func ParseUnknownKindPolicy(s string) (UnknownKindPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "advance", "skip":
		return UnknownKindAdvance, nil
	case "stall":
		return UnknownKindStall, nil
	default:
		return UnknownKindAdvance, fmt.Errorf("unknown kind policy %q (want advance or stall)", s)
	}
}

// Opts holds configuration options for the Scheduler.
type Opts struct {
	Renderer        *render.Renderer
	FormBaseURL     string
	FormPath        string
	PhonePrefix     string
	DispatchTimeout time.Duration
	UnknownKind     UnknownKindPolicy
	Leaser          store.LeaseRepo
	LeaseTTL        time.Duration
	Concurrency     int
	Now             func() time.Time
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithRenderer sets the template renderer (and so the missing-placeholder policy).
func WithRenderer(r *render.Renderer) Option {
	return func(o *Opts) { o.Renderer = r }
}

// WithFormURL sets the base URL and path of the song request form.
func WithFormURL(baseURL, path string) Option {
	return func(o *Opts) {
		o.FormBaseURL = baseURL
		o.FormPath = path
	}
}

// WithPhonePrefix sets the dialing prefix used to canonicalize recipients.
func WithPhonePrefix(prefix string) Option {
	return func(o *Opts) { o.PhonePrefix = prefix }
}

// WithDispatchTimeout bounds every single dispatch.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *Opts) { o.DispatchTimeout = d }
}

// WithUnknownKindPolicy sets the policy for unrecognised step kinds.
func WithUnknownKindPolicy(p UnknownKindPolicy) Option {
	return func(o *Opts) { o.UnknownKind = p }
}

// WithLeaser enables per-lead leases held around each lead's cycle. The lease
// lasts ttl and is renewed before every entry after the first.
func WithLeaser(l store.LeaseRepo, ttl time.Duration) Option {
	return func(o *Opts) {
		o.Leaser = l
		o.LeaseTTL = ttl
	}
}

// WithConcurrency processes up to n leads in parallel.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func defaultOpts() Opts {
	return Opts{
		Renderer:        render.New(render.MissingEmpty),
		FormBaseURL:     DefaultFormBaseURL,
		FormPath:        DefaultFormPath,
		PhonePrefix:     util.DefaultDialingPrefix,
		DispatchTimeout: DefaultDispatchTimeout,
		LeaseTTL:        DefaultLeaseTTL,
		Concurrency:     1,
		Now:             time.Now,
	}
}

func buildOpts(opts []Option) Opts {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.New(render.MissingEmpty)
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	// The lease is renewed per entry, so it must outlast one dispatch.
	if cfg.LeaseTTL < 2*cfg.DispatchTimeout {
		cfg.LeaseTTL = 2 * cfg.DispatchTimeout
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}
