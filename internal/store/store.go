// Package store provides storage backends for LeadPipe.
//
// It is the single source of truth for leads, sequence definitions, the
// conversation history, process config, per-lead leases and lyric records.
// SQLite, PostgreSQL and in-memory backends implement the same interfaces.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Sentinel errors returned by every backend.
var (
	ErrNotFound         = errors.New("record not found")
	ErrLeadExists       = errors.New("lead already exists")
	ErrDuplicateTrigger = errors.New("a sequence with this trigger already exists")
)

// LeadStore is the durable-store adapter consumed by the scheduler, the tag
// evaluator and the trigger source.
type LeadStore interface {
	// CreateLead inserts a new lead. Returns ErrLeadExists when the ID is taken.
	CreateLead(ctx context.Context, lead models.Lead) error
	// GetLead returns the lead or nil when it does not exist.
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	ListLeads(ctx context.Context) ([]models.Lead, error)
	// ListLeadsWithActiveSequences returns leads whose active-sequence list is non-empty.
	ListLeadsWithActiveSequences(ctx context.Context) ([]models.Lead, error)
	// UpdateLead writes the non-nil fields of the update. Returns ErrNotFound for unknown leads.
	UpdateLead(ctx context.Context, id string, u models.LeadUpdate) error
	// UpdateActiveSequences replaces the lead's active list with next(current),
	// where current is read in the same transaction as the write.
	UpdateActiveSequences(ctx context.Context, id string, next func([]models.ActiveSequence) []models.ActiveSequence) error
	// ActivateSequence appends seq to the lead's active list unless a pending
	// entry with the same trigger exists. Reports whether it was appended.
	ActivateSequence(ctx context.Context, id string, seq models.ActiveSequence) (bool, error)

	// FindSequenceDefinition returns the oldest definition for trigger, or nil.
	FindSequenceDefinition(ctx context.Context, trigger string) (*models.SequenceDefinition, error)
	ListSequenceDefinitions(ctx context.Context) ([]models.SequenceDefinition, error)
	// SaveSequenceDefinition inserts a definition, rejecting duplicate triggers
	// with ErrDuplicateTrigger unless replace is set.
	SaveSequenceDefinition(ctx context.Context, def models.SequenceDefinition, replace bool) (string, error)
	DeleteSequenceDefinition(ctx context.Context, trigger string) error

	AppendHistoryEntry(ctx context.Context, leadID string, e models.HistoryEntry) error
	// GetLatestHistoryEntry returns the most recent entry, or nil when the lead has none.
	GetLatestHistoryEntry(ctx context.Context, leadID string) (*models.HistoryEntry, error)
	// ListHistory returns up to limit entries, newest first.
	ListHistory(ctx context.Context, leadID string, limit int) ([]models.HistoryEntry, error)

	GetConfig(ctx context.Context) (models.AppConfig, error)
	SaveConfig(ctx context.Context, cfg models.AppConfig) error
}

// LeaseRepo grants short-lived exclusive claims on a key.
type LeaseRepo interface {
	// AcquireLease claims key for owner until now+ttl. It succeeds when the key
	// is free, expired, or already held by owner.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the claim if owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error
}

// LyricRepo persists lyric records for the companion workflow.
type LyricRepo interface {
	CreateLyricRecord(ctx context.Context, rec models.LyricRecord) (string, error)
	GetLyricRecord(ctx context.Context, id string) (*models.LyricRecord, error)
	ListLyricRecordsByStatus(ctx context.Context, status models.LyricStatus) ([]models.LyricRecord, error)
	UpdateLyricRecord(ctx context.Context, id string, u models.LyricUpdate) error
}

// Store is implemented by every backend.
type Store interface {
	LeadStore
	LeaseRepo
	LyricRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
	Now func() time.Time
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" for
// PostgreSQL URLs or key/value DSNs and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}
