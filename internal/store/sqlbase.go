package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/google/uuid"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"

	appConfigID = "appConfig"
)

// sqlBase holds the queries shared by the SQLite and Postgres backends.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlBase struct {
	db      *sql.DB
	dialect string
	name    string
	now     func() time.Time
}

func (b *sqlBase) rebind(query string) string {
	if b.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *sqlBase) forUpdate() string {
	if b.dialect == dialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (b *sqlBase) utcNow() time.Time {
	return b.now().UTC()
}

// Close closes the database connection.
func (b *sqlBase) Close() error {
	slog.Debug("store.Close: closing database", "backend", b.name)
	return b.db.Close()
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const leadColumns = `id, phone, name, state, tags, active_sequences, fields, metadata, created_at`

func scanLead(row rowScanner) (*models.Lead, error) {
	var (
		l                                  models.Lead
		tags, active, fields, metadataJSON string
	)
	if err := row.Scan(&l.ID, &l.Phone, &l.Name, &l.State, &tags, &active, &fields, &metadataJSON, &l.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &l.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for lead %s: %w", l.ID, err)
	}
	if err := decodeJSON(active, &l.ActiveSequences); err != nil {
		return nil, fmt.Errorf("failed to decode active sequences for lead %s: %w", l.ID, err)
	}
	if err := decodeJSON(fields, &l.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields for lead %s: %w", l.ID, err)
	}
	if err := decodeJSON(metadataJSON, &l.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for lead %s: %w", l.ID, err)
	}
	return &l, nil
}

func (b *sqlBase) queryLeads(ctx context.Context, query string, args ...any) ([]models.Lead, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, rows.Err()
}

// CreateLead inserts a new lead row.
func (b *sqlBase) CreateLead(ctx context.Context, lead models.Lead) error {
	if lead.ID == "" {
		return fmt.Errorf("lead id cannot be empty")
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = b.utcNow()
	}
	tags, err := encodeJSON(nonNilStrings(lead.Tags))
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	active, err := encodeJSON(nonNilSequences(lead.ActiveSequences))
	if err != nil {
		return fmt.Errorf("failed to encode active sequences: %w", err)
	}
	fields, err := encodeJSON(nonNilMap(lead.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	metadataJSON, err := encodeJSON(nonNilMap(lead.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	res, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO leads
		(id, phone, name, state, tags, active_sequences, has_active, fields, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		lead.ID, lead.Phone, lead.Name, lead.State, tags, active, boolToInt(len(lead.ActiveSequences) > 0),
		fields, metadataJSON, lead.CreatedAt.UTC(), b.utcNow())
	if err != nil {
		slog.Error("store.CreateLead: insert failed", "backend", b.name, "leadID", lead.ID, "error", err)
		return fmt.Errorf("failed to insert lead %s: %w", lead.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeadExists
	}
	slog.Debug("store.CreateLead: lead created", "backend", b.name, "leadID", lead.ID)
	return nil
}

// GetLead returns the lead with the given ID, or nil if it does not exist.
func (b *sqlBase) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+leadColumns+` FROM leads WHERE id = ?`), id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("store.GetLead: query failed", "backend", b.name, "leadID", id, "error", err)
		return nil, fmt.Errorf("failed to get lead %s: %w", id, err)
	}
	return l, nil
}

func (b *sqlBase) ListLeads(ctx context.Context) ([]models.Lead, error) {
	leads, err := b.queryLeads(ctx, `SELECT `+leadColumns+` FROM leads ORDER BY created_at, id`)
	if err != nil {
		slog.Error("store.ListLeads: query failed", "backend", b.name, "error", err)
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	slog.Debug("store.ListLeads: succeeded", "backend", b.name, "count", len(leads))
	return leads, nil
}

func (b *sqlBase) ListLeadsWithActiveSequences(ctx context.Context) ([]models.Lead, error) {
	leads, err := b.queryLeads(ctx, `SELECT `+leadColumns+` FROM leads WHERE has_active = 1 ORDER BY created_at, id`)
	if err != nil {
		slog.Error("store.ListLeadsWithActiveSequences: query failed", "backend", b.name, "error", err)
		return nil, fmt.Errorf("failed to list leads with active sequences: %w", err)
	}
	slog.Debug("store.ListLeadsWithActiveSequences: succeeded", "backend", b.name, "count", len(leads))
	return leads, nil
}

// UpdateLead writes the non-nil fields of u. Metadata keys are merged.
func (b *sqlBase) UpdateLead(ctx context.Context, id string, u models.LeadUpdate) error {
	if u.IsEmpty() {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metadataJSON string
	err = tx.QueryRowContext(ctx, b.rebind(`SELECT metadata FROM leads WHERE id = ?`+b.forUpdate()), id).Scan(&metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read lead %s: %w", id, err)
	}

	sets := []string{"updated_at = ?"}
	args := []any{b.utcNow()}
	if u.ActiveSequences != nil {
		active, err := encodeJSON(nonNilSequences(*u.ActiveSequences))
		if err != nil {
			return fmt.Errorf("failed to encode active sequences: %w", err)
		}
		sets = append(sets, "active_sequences = ?", "has_active = ?")
		args = append(args, active, boolToInt(len(*u.ActiveSequences) > 0))
	}
	if u.Tags != nil {
		tags, err := encodeJSON(nonNilStrings(*u.Tags))
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if u.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, *u.State)
	}
	if len(u.Metadata) > 0 {
		merged := map[string]string{}
		if err := decodeJSON(metadataJSON, &merged); err != nil {
			return fmt.Errorf("failed to decode metadata for lead %s: %w", id, err)
		}
		if merged == nil {
			merged = map[string]string{}
		}
		for k, v := range u.Metadata {
			merged[k] = v
		}
		encoded, err := encodeJSON(merged)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, encoded)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, b.rebind(`UPDATE leads SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...); err != nil {
		slog.Error("store.UpdateLead: update failed", "backend", b.name, "leadID", id, "error", err)
		return fmt.Errorf("failed to update lead %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lead update: %w", err)
	}
	slog.Debug("store.UpdateLead: lead updated", "backend", b.name, "leadID", id)
	return nil
}

// UpdateActiveSequences rewrites the active list from the value read under
// the row lock, so activations committed meanwhile are seen by next.
func (b *sqlBase) UpdateActiveSequences(ctx context.Context, id string, next func([]models.ActiveSequence) []models.ActiveSequence) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, b.rebind(`SELECT active_sequences FROM leads WHERE id = ?`+b.forUpdate()), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read lead %s: %w", id, err)
	}
	var current []models.ActiveSequence
	if err := decodeJSON(raw, &current); err != nil {
		return fmt.Errorf("failed to decode active sequences for lead %s: %w", id, err)
	}

	active := nonNilSequences(next(current))
	encoded, err := encodeJSON(active)
	if err != nil {
		return fmt.Errorf("failed to encode active sequences: %w", err)
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`UPDATE leads SET active_sequences = ?, has_active = ?, updated_at = ? WHERE id = ?`),
		encoded, boolToInt(len(active) > 0), b.utcNow(), id); err != nil {
		slog.Error("store.UpdateActiveSequences: update failed", "backend", b.name, "leadID", id, "error", err)
		return fmt.Errorf("failed to update active sequences for lead %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit active sequences: %w", err)
	}
	slog.Debug("store.UpdateActiveSequences: updated", "backend", b.name, "leadID", id, "active", len(active))
	return nil
}

// ActivateSequence appends seq unless a pending entry for the same trigger exists.
func (b *sqlBase) ActivateSequence(ctx context.Context, id string, seq models.ActiveSequence) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, b.rebind(`SELECT active_sequences FROM leads WHERE id = ?`+b.forUpdate()), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lead %s: %w", id, err)
	}
	var active []models.ActiveSequence
	if err := decodeJSON(raw, &active); err != nil {
		return false, fmt.Errorf("failed to decode active sequences for lead %s: %w", id, err)
	}
	if (models.Lead{ActiveSequences: active}).HasActiveTrigger(seq.Trigger) {
		slog.Debug("store.ActivateSequence: already active", "backend", b.name, "leadID", id, "trigger", seq.Trigger)
		return false, nil
	}
	seq.StartTime = seq.StartTime.UTC()
	active = append(active, seq)
	encoded, err := encodeJSON(active)
	if err != nil {
		return false, fmt.Errorf("failed to encode active sequences: %w", err)
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`UPDATE leads SET active_sequences = ?, has_active = 1, updated_at = ? WHERE id = ?`),
		encoded, b.utcNow(), id); err != nil {
		return false, fmt.Errorf("failed to activate sequence for lead %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit activation: %w", err)
	}
	slog.Info("store.ActivateSequence: sequence activated", "backend", b.name, "leadID", id, "trigger", seq.Trigger)
	return true, nil
}

func scanDefinition(row rowScanner) (*models.SequenceDefinition, error) {
	var (
		d        models.SequenceDefinition
		messages string
	)
	if err := row.Scan(&d.ID, &d.Trigger, &messages, &d.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(messages, &d.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages for sequence %s: %w", d.ID, err)
	}
	for i := range d.Messages {
		d.Messages[i].Kind = models.NormalizeKind(string(d.Messages[i].Kind))
	}
	return &d, nil
}

// FindSequenceDefinition returns the oldest definition for trigger, or nil.
func (b *sqlBase) FindSequenceDefinition(ctx context.Context, trigger string) (*models.SequenceDefinition, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT id, trigger_name, messages, created_at
		FROM sequence_definitions WHERE trigger_name = ? ORDER BY created_at, id LIMIT 1`), trigger)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("store.FindSequenceDefinition: query failed", "backend", b.name, "trigger", trigger, "error", err)
		return nil, fmt.Errorf("failed to find sequence %q: %w", trigger, err)
	}
	return d, nil
}

func (b *sqlBase) ListSequenceDefinitions(ctx context.Context) ([]models.SequenceDefinition, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, trigger_name, messages, created_at FROM sequence_definitions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}
	defer rows.Close()

	var defs []models.SequenceDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

// SaveSequenceDefinition validates and stores def, returning its ID.
func (b *sqlBase) SaveSequenceDefinition(ctx context.Context, def models.SequenceDefinition, replace bool) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	if def.ID == "" {
		def.ID = util.GenerateSequenceID()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = b.utcNow()
	}
	messages, err := encodeJSON(def.Messages)
	if err != nil {
		return "", fmt.Errorf("failed to encode messages: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, b.rebind(`SELECT COUNT(*) FROM sequence_definitions WHERE trigger_name = ?`), def.Trigger).Scan(&existing); err != nil {
		return "", fmt.Errorf("failed to check trigger %q: %w", def.Trigger, err)
	}
	if existing > 0 {
		if !replace {
			return "", ErrDuplicateTrigger
		}
		if _, err := tx.ExecContext(ctx, b.rebind(`DELETE FROM sequence_definitions WHERE trigger_name = ?`), def.Trigger); err != nil {
			return "", fmt.Errorf("failed to replace trigger %q: %w", def.Trigger, err)
		}
	}
	if _, err := tx.ExecContext(ctx, b.rebind(`INSERT INTO sequence_definitions (id, trigger_name, messages, created_at) VALUES (?, ?, ?, ?)`),
		def.ID, def.Trigger, messages, def.CreatedAt.UTC()); err != nil {
		return "", fmt.Errorf("failed to insert sequence %q: %w", def.Trigger, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit sequence: %w", err)
	}
	slog.Info("store.SaveSequenceDefinition: sequence saved", "backend", b.name, "trigger", def.Trigger, "id", def.ID, "steps", len(def.Messages))
	return def.ID, nil
}

func (b *sqlBase) DeleteSequenceDefinition(ctx context.Context, trigger string) error {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM sequence_definitions WHERE trigger_name = ?`), trigger)
	if err != nil {
		return fmt.Errorf("failed to delete sequence %q: %w", trigger, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendHistoryEntry appends an entry to the lead's conversation history.
func (b *sqlBase) AppendHistoryEntry(ctx context.Context, leadID string, e models.HistoryEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.utcNow()
	}
	_, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO lead_messages (id, lead_id, content, sender, sent_at) VALUES (?, ?, ?, ?, ?)`),
		e.ID, leadID, e.Content, e.Sender, e.Timestamp.UTC())
	if err != nil {
		slog.Error("store.AppendHistoryEntry: insert failed", "backend", b.name, "leadID", leadID, "error", err)
		return fmt.Errorf("failed to append history for lead %s: %w", leadID, err)
	}
	slog.Debug("store.AppendHistoryEntry: appended", "backend", b.name, "leadID", leadID, "sender", e.Sender)
	return nil
}

const historyColumns = `id, lead_id, content, sender, sent_at`

func scanHistory(row rowScanner) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	if err := row.Scan(&e.ID, &e.LeadID, &e.Content, &e.Sender, &e.Timestamp); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetLatestHistoryEntry returns the newest entry for the lead, or nil.
func (b *sqlBase) GetLatestHistoryEntry(ctx context.Context, leadID string) (*models.HistoryEntry, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+historyColumns+` FROM lead_messages
		WHERE lead_id = ? ORDER BY sent_at DESC, seq DESC LIMIT 1`), leadID)
	e, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest history for lead %s: %w", leadID, err)
	}
	return e, nil
}

func (b *sqlBase) ListHistory(ctx context.Context, leadID string, limit int) ([]models.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM lead_messages WHERE lead_id = ? ORDER BY sent_at DESC, seq DESC`
	args := []any{leadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for lead %s: %w", leadID, err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetConfig returns the stored AppConfig, or the zero value when none was saved.
func (b *sqlBase) GetConfig(ctx context.Context) (models.AppConfig, error) {
	var cfg models.AppConfig
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT tag_after_24h, tag_after_48h FROM app_config WHERE id = ?`), appConfigID).
		Scan(&cfg.TagAfter24h, &cfg.TagAfter48h)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AppConfig{}, nil
	}
	if err != nil {
		return models.AppConfig{}, fmt.Errorf("failed to read config: %w", err)
	}
	return cfg, nil
}

func (b *sqlBase) SaveConfig(ctx context.Context, cfg models.AppConfig) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO app_config (id, tag_after_24h, tag_after_48h, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET tag_after_24h = excluded.tag_after_24h,
		tag_after_48h = excluded.tag_after_48h, updated_at = excluded.updated_at`),
		appConfigID, cfg.TagAfter24h, cfg.TagAfter48h, b.utcNow())
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	slog.Info("store.SaveConfig: config saved", "backend", b.name, "tagAfter24h", cfg.TagAfter24h, "tagAfter48h", cfg.TagAfter48h)
	return nil
}

// AcquireLease claims key for owner. Expiry is stored as unix milliseconds.
func (b *sqlBase) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := b.utcNow()
	res, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO lead_leases (lease_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lease_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE lead_leases.expires_at <= ? OR lead_leases.owner = excluded.owner`),
		key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result: %w", err)
	}
	return n == 1, nil
}

func (b *sqlBase) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM lead_leases WHERE lease_key = ? AND owner = ?`), key, owner); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

const lyricColumns = `id, lead_id, phone, name, answers, status, content, last_error, attempts, generated_at, delivered_at, created_at, updated_at`

func scanLyric(row rowScanner) (*models.LyricRecord, error) {
	var (
		r                    models.LyricRecord
		answers, status      string
		generated, delivered sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.LeadID, &r.Phone, &r.Name, &answers, &status, &r.Content, &r.LastError,
		&r.Attempts, &generated, &delivered, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.LyricStatus(status)
	if err := decodeJSON(answers, &r.Answers); err != nil {
		return nil, fmt.Errorf("failed to decode answers for lyric %s: %w", r.ID, err)
	}
	if generated.Valid {
		t := generated.Time
		r.GeneratedAt = &t
	}
	if delivered.Valid {
		t := delivered.Time
		r.DeliveredAt = &t
	}
	return &r, nil
}

func (b *sqlBase) CreateLyricRecord(ctx context.Context, rec models.LyricRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = util.GenerateLyricID()
	}
	now := b.utcNow()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	answers, err := encodeJSON(nonNilMap(rec.Answers))
	if err != nil {
		return "", fmt.Errorf("failed to encode answers: %w", err)
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO lyric_records (`+lyricColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.LeadID, rec.Phone, rec.Name, answers, string(rec.Status), rec.Content, rec.LastError,
		rec.Attempts, nullTime(rec.GeneratedAt), nullTime(rec.DeliveredAt), rec.CreatedAt.UTC(), now)
	if err != nil {
		slog.Error("store.CreateLyricRecord: insert failed", "backend", b.name, "leadID", rec.LeadID, "error", err)
		return "", fmt.Errorf("failed to insert lyric record: %w", err)
	}
	slog.Debug("store.CreateLyricRecord: created", "backend", b.name, "id", rec.ID, "leadID", rec.LeadID)
	return rec.ID, nil
}

func (b *sqlBase) GetLyricRecord(ctx context.Context, id string) (*models.LyricRecord, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+lyricColumns+` FROM lyric_records WHERE id = ?`), id)
	r, err := scanLyric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lyric record %s: %w", id, err)
	}
	return r, nil
}

func (b *sqlBase) ListLyricRecordsByStatus(ctx context.Context, status models.LyricStatus) ([]models.LyricRecord, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT `+lyricColumns+` FROM lyric_records WHERE status = ? ORDER BY created_at, id`), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list lyric records: %w", err)
	}
	defer rows.Close()

	var records []models.LyricRecord
	for rows.Next() {
		r, err := scanLyric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lyric record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (b *sqlBase) UpdateLyricRecord(ctx context.Context, id string, u models.LyricUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{b.utcNow()}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *u.Content)
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *u.LastError)
	}
	if u.GeneratedAt != nil {
		sets = append(sets, "generated_at = ?")
		args = append(args, u.GeneratedAt.UTC())
	}
	if u.DeliveredAt != nil {
		sets = append(sets, "delivered_at = ?")
		args = append(args, u.DeliveredAt.UTC())
	}
	if u.IncAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	args = append(args, id)

	res, err := b.db.ExecContext(ctx, b.rebind(`UPDATE lyric_records SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to update lyric record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordInbound records an inbound message. Returns false if it was already
// seen and processed.
func (b *sqlBase) RecordInbound(ctx context.Context, messageID, leadID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(`INSERT INTO inbound_dedup (message_id, lead_id, received_at)
		VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`), messageID, leadID, b.utcNow())
	if err != nil {
		return false, fmt.Errorf("failed to record inbound: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read dedup result: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var processedAt sql.NullTime
	err = b.db.QueryRowContext(ctx, b.rebind(`SELECT processed_at FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&processedAt)
	if err != nil {
		return false, fmt.Errorf("failed to read dedup record: %w", err)
	}
	if !processedAt.Valid {
		slog.Info("store.RecordInbound: retrying unprocessed message", "backend", b.name, "messageID", messageID)
	}
	return !processedAt.Valid, nil
}

func (b *sqlBase) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), b.utcNow(), messageID)
	if err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilSequences(v []models.ActiveSequence) []models.ActiveSequence {
	if v == nil {
		return []models.ActiveSequence{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
