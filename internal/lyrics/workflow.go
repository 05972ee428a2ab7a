// Package lyrics runs the song lyric companion workflow: records requested
// through the form are generated, held for a cooldown and then delivered to
// the lead over the same dispatcher the sequence scheduler uses.
package lyrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Generator produces lyric text for a record.
type Generator interface {
	GenerateLyric(ctx context.Context, rec models.LyricRecord) (string, error)
}

// Repo is the storage the workflow needs.
type Repo interface {
	store.LeadStore
	store.LyricRepo
}

// Metadata keys written to the lead on delivery.
const (
	MetaLyricID          = "lyricID"
	MetaLyricDeliveredAt = "lyricDeliveredAt"
)

// TickReport counts what one tick did.
type TickReport struct {
	Generated      int
	GenerateFailed int
	Delivered      int
	DeliverFailed  int
	CoolingDown    int
	GaveUp         int // records past the attempt ceiling
	StoreErrors    int
	Duration       time.Duration
}

// String renders a report for CLI output.
func (r TickReport) String() string {
	return fmt.Sprintf("generated=%d generateFailed=%d delivered=%d deliverFailed=%d coolingDown=%d gaveUp=%d storeErrors=%d duration=%s",
		r.Generated, r.GenerateFailed, r.Delivered, r.DeliverFailed, r.CoolingDown, r.GaveUp, r.StoreErrors, r.Duration)
}

// Workflow advances lyric records NEEDS_CONTENT -> CONTENT_READY -> DELIVERED.
type Workflow struct {
	repo       Repo
	gen        Generator
	dispatcher messaging.Dispatcher
	cfg        Opts
}

// NewWorkflow creates a Workflow. gen may be nil, in which case generation is skipped.
func NewWorkflow(repo Repo, gen Generator, d messaging.Dispatcher, opts ...Option) *Workflow {
	return &Workflow{repo: repo, gen: gen, dispatcher: d, cfg: buildOpts(opts)}
}

// Submit stores a new lyric request for a lead. The phone is canonicalized
// and the lead must already exist.
func (w *Workflow) Submit(ctx context.Context, phone, name string, answers map[string]string) (string, error) {
	canonical, err := util.ValidateCanonicalPhone(phone, w.cfg.PhonePrefix)
	if err != nil {
		return "", err
	}
	lead, err := w.repo.GetLead(ctx, canonical)
	if err != nil {
		return "", fmt.Errorf("load lead %s: %w", canonical, err)
	}
	if lead == nil {
		return "", fmt.Errorf("lead %s: %w", canonical, store.ErrNotFound)
	}
	if name == "" {
		name = lead.Name
	}
	id, err := w.repo.CreateLyricRecord(ctx, models.LyricRecord{
		LeadID:  lead.ID,
		Phone:   canonical,
		Name:    name,
		Answers: answers,
		Status:  models.LyricStatusNeedsContent,
	})
	if err != nil {
		return "", fmt.Errorf("create lyric record: %w", err)
	}
	slog.Info("Workflow.Submit: lyric requested", "leadID", lead.ID, "lyricID", id)
	return id, nil
}

// Tick generates pending lyrics and delivers those past their cooldown.
// Failures are contained per record and retried on a later tick.
func (w *Workflow) Tick(ctx context.Context) (report TickReport) {
	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Workflow.Tick: recovered from panic", "panic", p, "stack", string(debug.Stack()))
			report.StoreErrors++
		}
		report.Duration = time.Since(started)
		slog.Info("Workflow.Tick: finished", "generated", report.Generated, "generateFailed", report.GenerateFailed,
			"delivered", report.Delivered, "deliverFailed", report.DeliverFailed, "coolingDown", report.CoolingDown)
	}()

	if w.gen != nil {
		w.generatePending(ctx, &report)
	}
	w.deliverReady(ctx, &report)
	return report
}

func (w *Workflow) exhausted(rec models.LyricRecord) bool {
	return w.cfg.MaxAttempts > 0 && rec.Attempts >= w.cfg.MaxAttempts
}

func (w *Workflow) generatePending(ctx context.Context, report *TickReport) {
	records, err := w.repo.ListLyricRecordsByStatus(ctx, models.LyricStatusNeedsContent)
	if err != nil {
		slog.Error("Workflow.generatePending: list failed", "error", err)
		report.StoreErrors++
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if w.exhausted(rec) {
			report.GaveUp++
			continue
		}

		gctx, cancel := context.WithTimeout(ctx, w.cfg.GenerationTimeout)
		content, err := w.gen.GenerateLyric(gctx, rec)
		cancel()
		content = strings.TrimSpace(content)
		if err == nil && content == "" {
			err = errors.New("generator returned empty lyric")
		}
		if err != nil {
			slog.Warn("Workflow.generatePending: generation failed", "lyricID", rec.ID, "leadID", rec.LeadID, "attempt", rec.Attempts+1, "error", err)
			report.GenerateFailed++
			w.recordFailure(ctx, rec.ID, err, report)
			continue
		}

		now := w.cfg.Now()
		status := models.LyricStatusContentReady
		cleared := ""
		if err := w.repo.UpdateLyricRecord(ctx, rec.ID, models.LyricUpdate{
			Status:      &status,
			Content:     &content,
			LastError:   &cleared,
			GeneratedAt: &now,
		}); err != nil {
			slog.Error("Workflow.generatePending: update failed", "lyricID", rec.ID, "error", err)
			report.StoreErrors++
			continue
		}
		report.Generated++
		slog.Info("Workflow.generatePending: lyric generated", "lyricID", rec.ID, "leadID", rec.LeadID)
	}
}

func (w *Workflow) deliverReady(ctx context.Context, report *TickReport) {
	records, err := w.repo.ListLyricRecordsByStatus(ctx, models.LyricStatusContentReady)
	if err != nil {
		slog.Error("Workflow.deliverReady: list failed", "error", err)
		report.StoreErrors++
		return
	}
	now := w.cfg.Now()
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if rec.GeneratedAt == nil || now.Before(rec.GeneratedAt.Add(w.cfg.Cooldown)) {
			report.CoolingDown++
			continue
		}
		if w.exhausted(rec) {
			report.GaveUp++
			continue
		}
		w.deliver(ctx, rec, now, report)
	}
}

func (w *Workflow) deliver(ctx context.Context, rec models.LyricRecord, now time.Time, report *TickReport) {
	phone := util.CanonicalPhone(rec.Phone, w.cfg.PhonePrefix)
	if phone == "" {
		phone = util.CanonicalPhone(rec.LeadID, w.cfg.PhonePrefix)
	}

	dctx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	var err error
	switch w.cfg.Mode {
	case DeliverDocument:
		err = w.dispatcher.SendDocument(dctx, phone, []byte(rec.Content+"\n"), DocumentName(rec.Name))
	default:
		err = w.dispatcher.SendText(dctx, phone, rec.Content)
	}
	cancel()
	if err != nil {
		slog.Warn("Workflow.deliver: send failed, will retry", "lyricID", rec.ID, "leadID", rec.LeadID, "mode", w.cfg.Mode.String(), "error", err)
		report.DeliverFailed++
		w.recordFailure(ctx, rec.ID, err, report)
		return
	}

	status := models.LyricStatusDelivered
	if err := w.repo.UpdateLyricRecord(ctx, rec.ID, models.LyricUpdate{Status: &status, DeliveredAt: &now}); err != nil {
		slog.Error("Workflow.deliver: sent but status update failed", "lyricID", rec.ID, "error", err)
		report.StoreErrors++
		return
	}
	report.Delivered++
	slog.Info("Workflow.deliver: lyric delivered", "lyricID", rec.ID, "leadID", rec.LeadID, "mode", w.cfg.Mode.String())

	if err := w.repo.AppendHistoryEntry(ctx, rec.LeadID, models.HistoryEntry{
		Content:   "Se envió la letra de la canción",
		Sender:    models.SenderSystem,
		Timestamp: now,
	}); err != nil {
		slog.Error("Workflow.deliver: history append failed", "lyricID", rec.ID, "leadID", rec.LeadID, "error", err)
		report.StoreErrors++
	}
	w.markLead(ctx, rec, now, report)
}

// markLead records the delivery on the lead and applies the delivered tag.
func (w *Workflow) markLead(ctx context.Context, rec models.LyricRecord, now time.Time, report *TickReport) {
	lead, err := w.repo.GetLead(ctx, rec.LeadID)
	if err != nil || lead == nil {
		slog.Warn("Workflow.markLead: lead unavailable", "leadID", rec.LeadID, "error", err)
		if err != nil {
			report.StoreErrors++
		}
		return
	}
	u := models.LeadUpdate{Metadata: map[string]string{
		MetaLyricID:          rec.ID,
		MetaLyricDeliveredAt: now.UTC().Format(time.RFC3339),
	}}
	if w.cfg.DeliveredTag != "" && !lead.HasTag(w.cfg.DeliveredTag) {
		tags := append(slices.Clone(lead.Tags), w.cfg.DeliveredTag)
		u.Tags = &tags
	}
	if err := w.repo.UpdateLead(ctx, lead.ID, u); err != nil {
		slog.Error("Workflow.markLead: update failed", "leadID", lead.ID, "error", err)
		report.StoreErrors++
	}
}

func (w *Workflow) recordFailure(ctx context.Context, id string, cause error, report *TickReport) {
	msg := cause.Error()
	if err := w.repo.UpdateLyricRecord(ctx, id, models.LyricUpdate{LastError: &msg, IncAttempts: true}); err != nil {
		slog.Error("Workflow.recordFailure: update failed", "lyricID", id, "error", err)
		report.StoreErrors++
	}
}

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

// DocumentName returns the attachment file name for a lyric addressed to name.
func DocumentName(name string) string {
	clean := strings.Trim(unsafeFileChars.ReplaceAllString(strings.TrimSpace(name), "-"), "-")
	if clean == "" {
		return "Letra.txt"
	}
	return "Letra-" + clean + ".txt"
}
