// Package scheduler drives LeadPipe's periodic tasks on cron expressions.
//
// Each job runs at most once at a time: a run that is still going when the
// next one fires causes that firing to be skipped. Panics inside a job are
// recovered and logged so the following firings still happen.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewScheduler creates a cron scheduler. Jobs fire only after Start.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) plus @every/@hourly descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, jobs: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid or the name is taken.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already scheduled", name)
	}
	id, err := s.cron.AddFunc(expr, func() {
		started := time.Now()
		slog.Debug("Scheduler.job: starting", "job", name)
		task()
		slog.Debug("Scheduler.job: done", "job", name, "duration", time.Since(started))
	})
	if err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", name, expr, err)
	}
	s.jobs[name] = id
	slog.Info("Scheduler.AddJob: scheduled", "job", name, "schedule", expr)
	return nil
}

// Jobs returns the scheduled job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next reports when the named job fires next. The time is zero until Start.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler. The returned channel is closed once running jobs finish.
func (s *Scheduler) Stop() <-chan struct{} {
	return s.cron.Stop().Done()
}
