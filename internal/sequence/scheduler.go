// Package sequence advances leads through their timed message sequences.
//
// Scheduler.Tick is invoked periodically. For every lead with active
// sequences it dispatches at most one due step per sequence, records it in
// the lead's history, advances the step index and prunes completed
// sequences with a single write per lead.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TickReport counts what one tick did.
type TickReport struct {
	Leads        int // leads with active sequences examined
	Dispatched   int // steps sent
	Suppressed   int // empty text steps advanced without sending
	Unknown      int // steps with an unrecognised kind
	Failed       int // dispatch failures, retried next tick
	Completed    int // sequences finished this tick
	Updated      int // leads written back
	LeadErrors   int // leads skipped because of store errors or panics
	LeaseSkipped int // leads held by another worker
	Duration     time.Duration
}

func (r *TickReport) add(o TickReport) {
	r.Dispatched += o.Dispatched
	r.Suppressed += o.Suppressed
	r.Unknown += o.Unknown
	r.Failed += o.Failed
	r.Completed += o.Completed
	r.Updated += o.Updated
	r.LeadErrors += o.LeadErrors
	r.LeaseSkipped += o.LeaseSkipped
}

// Scheduler is the sequence-advancement engine.
type Scheduler struct {
	store      store.LeadStore
	dispatcher messaging.Dispatcher
	cfg        Opts
	owner      string // lease owner id for this process
}

// NewScheduler creates a Scheduler reading from st and sending through d.
func NewScheduler(st store.LeadStore, d messaging.Dispatcher, opts ...Option) *Scheduler {
	cfg := buildOpts(opts)
	s := &Scheduler{store: st, dispatcher: d, cfg: cfg, owner: "sched-" + uuid.NewString()}
	slog.Debug("Scheduler.NewScheduler: configured",
		"placeholderPolicy", cfg.Renderer.Policy().String(),
		"unknownKind", cfg.UnknownKind.String(),
		"dispatchTimeout", cfg.DispatchTimeout,
		"leases", cfg.Leaser != nil,
		"concurrency", cfg.Concurrency)
	return s
}

// definitionCache memoizes definition lookups for one tick.
type definitionCache struct {
	st   store.LeadStore
	mu   sync.Mutex
	defs map[string]*models.SequenceDefinition
}

func (c *definitionCache) get(ctx context.Context, trigger string) (*models.SequenceDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if def, ok := c.defs[trigger]; ok {
		return def, nil
	}
	def, err := c.st.FindSequenceDefinition(ctx, trigger)
	if err != nil {
		return nil, err
	}
	c.defs[trigger] = def
	return def, nil
}

// Tick runs one pass over all leads with active sequences. It never returns
// an error: failures are contained per step and per lead and counted in the report.
func (s *Scheduler) Tick(ctx context.Context) (report TickReport) {
	started := time.Now()
	now := s.cfg.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.Tick: recovered from panic", "panic", r, "stack", string(debug.Stack()))
			report.LeadErrors++
		}
		report.Duration = time.Since(started)
		slog.Info("Scheduler.Tick: finished",
			"leads", report.Leads, "dispatched", report.Dispatched, "failed", report.Failed,
			"completed", report.Completed, "updated", report.Updated, "leadErrors", report.LeadErrors,
			"leaseSkipped", report.LeaseSkipped, "duration", report.Duration)
	}()

	leads, err := s.store.ListLeadsWithActiveSequences(ctx)
	if err != nil {
		slog.Error("Scheduler.Tick: failed to list leads", "error", err)
		report.LeadErrors++
		return report
	}
	report.Leads = len(leads)
	defs := &definitionCache{st: s.store, defs: make(map[string]*models.SequenceDefinition)}

	if s.cfg.Concurrency <= 1 {
		for _, lead := range leads {
			if ctx.Err() != nil {
				break
			}
			report.add(s.processLead(ctx, lead, defs, now))
		}
		return report
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, lead := range leads {
		g.Go(func() error {
			r := s.processLead(gctx, lead, defs, now)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return report
}

// processLead runs the read-decide-write cycle for one lead.
func (s *Scheduler) processLead(ctx context.Context, lead models.Lead, defs *definitionCache, now time.Time) (r TickReport) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Scheduler.processLead: recovered from panic", "leadID", lead.ID, "panic", p, "stack", string(debug.Stack()))
			r.LeadErrors++
		}
	}()

	// renew extends the lease before each further entry; false means another
	// worker took the lead and this cycle must stop dispatching.
	renew := func() bool { return true }
	if s.cfg.Leaser != nil {
		key := "lead:" + lead.ID
		ok, err := s.cfg.Leaser.AcquireLease(ctx, key, s.owner, s.cfg.LeaseTTL)
		if err != nil {
			slog.Error("Scheduler.processLead: lease failed", "leadID", lead.ID, "error", err)
			r.LeadErrors++
			return r
		}
		if !ok {
			slog.Debug("Scheduler.processLead: lead leased elsewhere, skipping", "leadID", lead.ID)
			r.LeaseSkipped++
			return r
		}
		defer func() {
			if err := s.cfg.Leaser.ReleaseLease(context.WithoutCancel(ctx), key, s.owner); err != nil {
				slog.Warn("Scheduler.processLead: lease release failed", "leadID", lead.ID, "error", err)
			}
		}()
		renew = func() bool {
			ok, err := s.cfg.Leaser.AcquireLease(ctx, key, s.owner, s.cfg.LeaseTTL)
			if err != nil || !ok {
				slog.Warn("Scheduler.processLead: lease lost, stopping early", "leadID", lead.ID, "error", err)
				return false
			}
			return true
		}

		// The listed copy may predate another worker's write.
		fresh, err := s.store.GetLead(ctx, lead.ID)
		if err != nil {
			slog.Error("Scheduler.processLead: re-read failed", "leadID", lead.ID, "error", err)
			r.LeadErrors++
			return r
		}
		if fresh == nil {
			return r
		}
		lead = *fresh
	}
	if len(lead.ActiveSequences) == 0 {
		return r
	}

	phone := util.CanonicalPhone(lead.Phone, s.cfg.PhonePrefix)
	if phone == "" {
		phone = util.CanonicalPhone(lead.ID, s.cfg.PhonePrefix)
	}

	entries := slices.Clone(lead.ActiveSequences)
	dirty := false
	for i := range entries {
		e := &entries[i]
		if e.Completed {
			dirty = true
			continue
		}
		if i > 0 && !renew() {
			r.LeaseSkipped++
			break
		}
		if s.advanceEntry(ctx, lead, phone, e, defs, now, &r) {
			dirty = true
		}
	}

	if !dirty {
		return r
	}
	err := s.store.UpdateActiveSequences(ctx, lead.ID, func(stored []models.ActiveSequence) []models.ActiveSequence {
		return mergeProgress(stored, entries)
	})
	if err != nil {
		slog.Error("Scheduler.processLead: update failed", "leadID", lead.ID, "error", err)
		r.LeadErrors++
		return r
	}
	r.Updated++
	return r
}

// mergeProgress applies the progress made in this cycle onto the stored list.
// Entries activated or removed since the lead was read stay as stored, indexes
// never move backwards and completed entries are dropped.
func mergeProgress(stored, progressed []models.ActiveSequence) []models.ActiveSequence {
	byKey := make(map[string]models.ActiveSequence, len(progressed))
	for _, e := range progressed {
		byKey[entryKey(e)] = e
	}
	merged := make([]models.ActiveSequence, 0, len(stored))
	for _, cur := range stored {
		if p, ok := byKey[entryKey(cur)]; ok {
			cur.Index = max(cur.Index, p.Index)
			cur.Completed = cur.Completed || p.Completed
		}
		merged = append(merged, cur)
	}
	return models.PendingSequences(merged)
}

func entryKey(e models.ActiveSequence) string {
	return e.Trigger + "@" + e.StartTime.UTC().Format(time.RFC3339Nano)
}

// advanceEntry handles one active sequence and reports whether it changed.
func (s *Scheduler) advanceEntry(ctx context.Context, lead models.Lead, phone string, e *models.ActiveSequence, defs *definitionCache, now time.Time, r *TickReport) bool {
	def, err := defs.get(ctx, e.Trigger)
	if err != nil {
		slog.Error("Scheduler.advanceEntry: definition lookup failed", "leadID", lead.ID, "trigger", e.Trigger, "error", err)
		return false
	}
	if def == nil {
		slog.Debug("Scheduler.advanceEntry: no definition for trigger", "leadID", lead.ID, "trigger", e.Trigger)
		return false
	}

	if e.Index >= len(def.Messages) {
		e.Completed = true
		r.Completed++
		return true
	}

	step := def.Messages[e.Index]
	if now.Before(e.StartTime.Add(step.Delay())) {
		return false
	}

	outcome, err := s.dispatchStep(ctx, lead, phone, step)
	switch outcome {
	case outcomeFailed:
		slog.Warn("Scheduler.advanceEntry: dispatch failed, will retry", "leadID", lead.ID, "trigger", e.Trigger, "index", e.Index, "kind", step.Kind, "error", err)
		r.Failed++
		return false
	case outcomeUnknown:
		slog.Warn("Scheduler.advanceEntry: unknown message kind", "leadID", lead.ID, "trigger", e.Trigger, "index", e.Index, "kind", step.Kind, "policy", s.cfg.UnknownKind.String())
		r.Unknown++
		if s.cfg.UnknownKind == UnknownKindStall {
			return false
		}
	case outcomeSuppressed:
		slog.Debug("Scheduler.advanceEntry: empty text suppressed", "leadID", lead.ID, "trigger", e.Trigger, "index", e.Index)
		r.Suppressed++
	case outcomeSent:
		r.Dispatched++
		entry := models.HistoryEntry{
			Content:   historySummary(models.NormalizeKind(string(step.Kind)), e.Trigger),
			Sender:    models.SenderSystem,
			Timestamp: s.cfg.Now(),
		}
		if err := s.store.AppendHistoryEntry(ctx, lead.ID, entry); err != nil {
			// Already sent: advance anyway so the step is not repeated.
			slog.Error("Scheduler.advanceEntry: history append failed", "leadID", lead.ID, "trigger", e.Trigger, "error", err)
		}
		slog.Info("Scheduler.advanceEntry: step dispatched", "leadID", lead.ID, "trigger", e.Trigger, "index", e.Index, "kind", step.Kind)
	}

	e.Index++
	if e.Index >= len(def.Messages) {
		e.Completed = true
		r.Completed++
	}
	return true
}

// String renders a report for CLI output.
func (r TickReport) String() string {
	return fmt.Sprintf("leads=%d dispatched=%d suppressed=%d unknown=%d failed=%d completed=%d updated=%d leadErrors=%d leaseSkipped=%d duration=%s",
		r.Leads, r.Dispatched, r.Suppressed, r.Unknown, r.Failed, r.Completed, r.Updated, r.LeadErrors, r.LeaseSkipped, r.Duration)
}
