// Package trigger turns inbound lead messages into leads and sequence activations.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Repo is the storage the handler needs.
type Repo interface {
	store.LeadStore
	store.DedupRepo
}

// Opts holds configuration for the Handler.
type Opts struct {
	PhonePrefix string
	Now         func() time.Time
}

// Option is a functional option for configuring the Handler.
type Option func(*Opts)

// WithPhonePrefix sets the dialing prefix used to canonicalize senders.
func WithPhonePrefix(prefix string) Option {
	return func(o *Opts) {
		o.PhonePrefix = prefix
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Result describes what handling one message did.
type Result struct {
	LeadID    string
	Duplicate bool
	Created   bool
	Activated []string
}

// Handler processes inbound messages.
type Handler struct {
	repo Repo
	cfg  Opts
}

// NewHandler creates a Handler over repo.
func NewHandler(repo Repo, opts ...Option) *Handler {
	cfg := Opts{PhonePrefix: util.DefaultDialingPrefix, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Handler{repo: repo, cfg: cfg}
}

// Handle records msg and activates every sequence whose trigger appears in
// its body, ignoring case. Triggers already active on the lead are skipped.
// A message ID is only treated as a duplicate once a delivery of it has
// been fully handled, so a failed attempt is retried on redelivery.
func (h *Handler) Handle(ctx context.Context, msg messaging.Inbound) (Result, error) {
	phone, err := util.ValidateCanonicalPhone(msg.From, h.cfg.PhonePrefix)
	if err != nil {
		return Result{}, fmt.Errorf("sender %q: %w", msg.From, err)
	}
	res := Result{LeadID: phone}

	if msg.ID != "" {
		fresh, err := h.repo.RecordInbound(ctx, msg.ID, phone)
		if err != nil {
			return res, fmt.Errorf("record inbound %s: %w", msg.ID, err)
		}
		if !fresh {
			slog.Debug("Handler.Handle: duplicate message ignored", "messageID", msg.ID, "leadID", phone)
			res.Duplicate = true
			return res, nil
		}
	}

	now := h.cfg.Now()
	created, err := h.ensureLead(ctx, phone, msg.Name, now)
	if err != nil {
		return res, err
	}
	res.Created = created

	at := msg.Time
	if at.IsZero() {
		at = now
	}
	if err := h.repo.AppendHistoryEntry(ctx, phone, models.HistoryEntry{
		Content:   msg.Body,
		Sender:    models.SenderLead,
		Timestamp: at,
	}); err != nil {
		return res, fmt.Errorf("append inbound history: %w", err)
	}

	defs, err := h.repo.ListSequenceDefinitions(ctx)
	if err != nil {
		return res, fmt.Errorf("list sequences: %w", err)
	}
	for _, trigger := range MatchTriggers(msg.Body, defs) {
		ok, err := h.repo.ActivateSequence(ctx, phone, models.ActiveSequence{Trigger: trigger, StartTime: now})
		if err != nil {
			return res, fmt.Errorf("activate %q: %w", trigger, err)
		}
		if ok {
			res.Activated = append(res.Activated, trigger)
			slog.Info("Handler.Handle: sequence activated", "leadID", phone, "trigger", trigger)
		}
	}

	if msg.ID != "" {
		if err := h.repo.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("Handler.Handle: mark processed failed", "messageID", msg.ID, "error", err)
		}
	}
	return res, nil
}

func (h *Handler) ensureLead(ctx context.Context, phone, name string, now time.Time) (bool, error) {
	lead, err := h.repo.GetLead(ctx, phone)
	if err != nil {
		return false, fmt.Errorf("load lead %s: %w", phone, err)
	}
	if lead != nil {
		return false, nil
	}
	err = h.repo.CreateLead(ctx, models.Lead{ID: phone, Phone: phone, Name: strings.TrimSpace(name), CreatedAt: now})
	if errors.Is(err, store.ErrLeadExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lead %s: %w", phone, err)
	}
	slog.Info("Handler.ensureLead: lead created", "leadID", phone)
	return true, nil
}

// Run handles messages from in until it is closed or ctx is done.
func (h *Handler) Run(ctx context.Context, in <-chan messaging.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := h.Handle(ctx, msg); err != nil {
				slog.Error("Handler.Run: inbound message failed", "messageID", msg.ID, "from", msg.From, "error", err)
			}
		}
	}
}

// MatchTriggers returns the triggers of defs contained in body, ignoring case,
// in definition order and without repeats.
func MatchTriggers(body string, defs []models.SequenceDefinition) []string {
	text := strings.ToLower(body)
	var out []string
	seen := make(map[string]bool)
	for _, def := range defs {
		t := strings.TrimSpace(def.Trigger)
		if t == "" || seen[t] {
			continue
		}
		if strings.Contains(text, strings.ToLower(t)) {
			seen[t] = true
			out = append(out, def.Trigger)
		}
	}
	return out
}
