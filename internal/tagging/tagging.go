// Package tagging applies inactivity tags to leads whose conversation has
// gone quiet for 24 or 48 hours.
package tagging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

const (
	after24h = 24 * time.Hour
	after48h = 48 * time.Hour
)

// Opts holds configuration for the Evaluator.
type Opts struct {
	Now func() time.Time
}

// Option is a functional option for configuring the Evaluator.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// RunReport counts what one run did.
type RunReport struct {
	Leads      int // leads examined
	NoHistory  int
	Tagged     int // leads written with new tags
	TagsAdded  int
	LeadErrors int
	Disabled   bool // no inactivity tag configured
	Duration   time.Duration
}

// String renders a report for CLI output.
func (r RunReport) String() string {
	if r.Disabled {
		return "disabled: no inactivity tags configured"
	}
	return fmt.Sprintf("leads=%d noHistory=%d tagged=%d tagsAdded=%d leadErrors=%d duration=%s",
		r.Leads, r.NoHistory, r.Tagged, r.TagsAdded, r.LeadErrors, r.Duration)
}

// Evaluator is the tag-timeout evaluator.
type Evaluator struct {
	store store.LeadStore
	now   func() time.Time
}

// NewEvaluator creates an Evaluator over st.
func NewEvaluator(st store.LeadStore, opts ...Option) *Evaluator {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Evaluator{store: st, now: cfg.Now}
}

// Run evaluates every lead once. The config is read fresh on each call.
func (e *Evaluator) Run(ctx context.Context) (report RunReport) {
	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Evaluator.Run: recovered from panic", "panic", p, "stack", string(debug.Stack()))
			report.LeadErrors++
		}
		report.Duration = time.Since(started)
		slog.Info("Evaluator.Run: finished", "leads", report.Leads, "tagged", report.Tagged,
			"tagsAdded", report.TagsAdded, "leadErrors", report.LeadErrors, "disabled", report.Disabled)
	}()

	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		slog.Error("Evaluator.Run: failed to load config", "error", err)
		report.LeadErrors++
		return report
	}
	if !cfg.HasInactivityTags() {
		report.Disabled = true
		return report
	}

	leads, err := e.store.ListLeads(ctx)
	if err != nil {
		slog.Error("Evaluator.Run: failed to list leads", "error", err)
		report.LeadErrors++
		return report
	}
	report.Leads = len(leads)

	now := e.now()
	for _, lead := range leads {
		if ctx.Err() != nil {
			break
		}
		e.evaluateLead(ctx, cfg, lead, now, &report)
	}
	return report
}

func (e *Evaluator) evaluateLead(ctx context.Context, cfg models.AppConfig, lead models.Lead, now time.Time, report *RunReport) {
	latest, err := e.store.GetLatestHistoryEntry(ctx, lead.ID)
	if err != nil {
		slog.Error("Evaluator.evaluateLead: history lookup failed", "leadID", lead.ID, "error", err)
		report.LeadErrors++
		return
	}
	if latest == nil {
		report.NoHistory++
		return
	}

	tags := InactivityTags(cfg, lead.Tags, now.Sub(latest.Timestamp))
	if len(tags) == len(lead.Tags) {
		return
	}
	if err := e.store.UpdateLead(ctx, lead.ID, models.LeadUpdate{Tags: &tags}); err != nil {
		slog.Error("Evaluator.evaluateLead: update failed", "leadID", lead.ID, "error", err)
		report.LeadErrors++
		return
	}
	report.Tagged++
	report.TagsAdded += len(tags) - len(lead.Tags)
	slog.Info("Evaluator.evaluateLead: tagged", "leadID", lead.ID, "tags", tags[len(lead.Tags):], "idle", elapsed(now, latest.Timestamp))
}

// InactivityTags returns current with the configured thresholds crossed by
// idle appended. Tags already present are not repeated and current is not modified.
func InactivityTags(cfg models.AppConfig, current []string, idle time.Duration) []string {
	out := slices.Clone(current)
	if cfg.TagAfter24h != "" && idle >= after24h && !slices.Contains(out, cfg.TagAfter24h) {
		out = append(out, cfg.TagAfter24h)
	}
	if cfg.TagAfter48h != "" && idle >= after48h && !slices.Contains(out, cfg.TagAfter48h) {
		out = append(out, cfg.TagAfter48h)
	}
	return out
}

func elapsed(now, since time.Time) string {
	return now.Sub(since).Truncate(time.Minute).String()
}
