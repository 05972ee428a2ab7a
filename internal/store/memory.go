package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/google/uuid"
)

type memLease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore is a Store kept in process memory. It backs tests and the
// one-shot CLI paths that run without a database.
type InMemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	leads   map[string]models.Lead
	defs    []models.SequenceDefinition
	history map[string][]models.HistoryEntry
	config  models.AppConfig
	leases  map[string]memLease
	lyrics  map[string]models.LyricRecord
	inbound map[string]DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{
		now:     cfg.Now,
		leads:   make(map[string]models.Lead),
		history: make(map[string][]models.HistoryEntry),
		leases:  make(map[string]memLease),
		lyrics:  make(map[string]models.LyricRecord),
		inbound: make(map[string]DedupRecord),
	}
}

// cloneLead deep-copies the slices and maps so callers never share state with the store.
func cloneLead(l models.Lead) models.Lead {
	l.Tags = slices.Clone(l.Tags)
	l.ActiveSequences = slices.Clone(l.ActiveSequences)
	l.Fields = maps.Clone(l.Fields)
	l.Metadata = maps.Clone(l.Metadata)
	return l
}

func cloneDefinition(d models.SequenceDefinition) models.SequenceDefinition {
	d.Messages = slices.Clone(d.Messages)
	return d
}

func (s *InMemoryStore) CreateLead(_ context.Context, lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lead.ID == "" {
		return errors.New("lead id cannot be empty")
	}
	if _, ok := s.leads[lead.ID]; ok {
		return ErrLeadExists
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = s.now().UTC()
	}
	s.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (s *InMemoryStore) GetLead(_ context.Context, id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	c := cloneLead(l)
	return &c, nil
}

func (s *InMemoryStore) sortedLeads(filter func(models.Lead) bool) []models.Lead {
	out := make([]models.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		if filter == nil || filter(l) {
			out = append(out, cloneLead(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) ListLeads(_ context.Context) ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLeads(nil), nil
}

func (s *InMemoryStore) ListLeadsWithActiveSequences(_ context.Context) ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLeads(func(l models.Lead) bool { return len(l.ActiveSequences) > 0 }), nil
}

func (s *InMemoryStore) UpdateLead(_ context.Context, id string, u models.LeadUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return ErrNotFound
	}
	if u.ActiveSequences != nil {
		l.ActiveSequences = slices.Clone(*u.ActiveSequences)
	}
	if u.Tags != nil {
		l.Tags = slices.Clone(*u.Tags)
	}
	if u.State != nil {
		l.State = *u.State
	}
	if len(u.Metadata) > 0 {
		if l.Metadata == nil {
			l.Metadata = make(map[string]string, len(u.Metadata))
		}
		maps.Copy(l.Metadata, u.Metadata)
	}
	s.leads[id] = l
	return nil
}

func (s *InMemoryStore) UpdateActiveSequences(_ context.Context, id string, next func([]models.ActiveSequence) []models.ActiveSequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return ErrNotFound
	}
	l.ActiveSequences = slices.Clone(next(slices.Clone(l.ActiveSequences)))
	s.leads[id] = l
	return nil
}

func (s *InMemoryStore) ActivateSequence(_ context.Context, id string, seq models.ActiveSequence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return false, ErrNotFound
	}
	if l.HasActiveTrigger(seq.Trigger) {
		return false, nil
	}
	l.ActiveSequences = append(slices.Clone(l.ActiveSequences), seq)
	s.leads[id] = l
	return true, nil
}

func (s *InMemoryStore) FindSequenceDefinition(_ context.Context, trigger string) (*models.SequenceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.defs {
		if d.Trigger == trigger {
			c := cloneDefinition(d)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListSequenceDefinitions(_ context.Context) ([]models.SequenceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SequenceDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, cloneDefinition(d))
	}
	return out, nil
}

func (s *InMemoryStore) SaveSequenceDefinition(_ context.Context, def models.SequenceDefinition, replace bool) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.defs {
		if d.Trigger != def.Trigger {
			continue
		}
		if !replace {
			return "", ErrDuplicateTrigger
		}
		s.defs = slices.Delete(s.defs, i, i+1)
		break
	}
	if def.ID == "" {
		def.ID = util.GenerateSequenceID()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now().UTC()
	}
	def.Messages = slices.Clone(def.Messages)
	for i := range def.Messages {
		def.Messages[i].Kind = models.NormalizeKind(string(def.Messages[i].Kind))
	}
	s.defs = append(s.defs, cloneDefinition(def))
	return def.ID, nil
}

func (s *InMemoryStore) DeleteSequenceDefinition(_ context.Context, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.defs)
	s.defs = slices.DeleteFunc(s.defs, func(d models.SequenceDefinition) bool { return d.Trigger == trigger })
	if len(s.defs) == n {
		return ErrNotFound
	}
	return nil
}

func (s *InMemoryStore) AppendHistoryEntry(_ context.Context, leadID string, e models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	e.LeadID = leadID
	s.history[leadID] = append(s.history[leadID], e)
	return nil
}

// newestFirst returns the lead's history ordered newest first; ties keep reverse insertion order.
func (s *InMemoryStore) newestFirst(leadID string) []models.HistoryEntry {
	entries := slices.Clone(s.history[leadID])
	slices.Reverse(entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	return entries
}

func (s *InMemoryStore) GetLatestHistoryEntry(_ context.Context, leadID string) (*models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.newestFirst(leadID)
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *InMemoryStore) ListHistory(_ context.Context, leadID string, limit int) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.newestFirst(leadID)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *InMemoryStore) GetConfig(_ context.Context) (models.AppConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, nil
}

func (s *InMemoryStore) SaveConfig(_ context.Context, cfg models.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	return nil
}

func (s *InMemoryStore) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.leases[key]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	s.leases[key] = memLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) ReleaseLease(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[key]; ok && cur.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

func cloneLyric(r models.LyricRecord) models.LyricRecord {
	r.Answers = maps.Clone(r.Answers)
	return r
}

func (s *InMemoryStore) CreateLyricRecord(_ context.Context, rec models.LyricRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = util.GenerateLyricID()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.lyrics[rec.ID] = cloneLyric(rec)
	return rec.ID, nil
}

func (s *InMemoryStore) GetLyricRecord(_ context.Context, id string) (*models.LyricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lyrics[id]
	if !ok {
		return nil, nil
	}
	c := cloneLyric(r)
	return &c, nil
}

func (s *InMemoryStore) ListLyricRecordsByStatus(_ context.Context, status models.LyricStatus) ([]models.LyricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LyricRecord
	for _, r := range s.lyrics {
		if r.Status == status {
			out = append(out, cloneLyric(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) UpdateLyricRecord(_ context.Context, id string, u models.LyricUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lyrics[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Content != nil {
		r.Content = *u.Content
	}
	if u.LastError != nil {
		r.LastError = *u.LastError
	}
	if u.GeneratedAt != nil {
		t := *u.GeneratedAt
		r.GeneratedAt = &t
	}
	if u.DeliveredAt != nil {
		t := *u.DeliveredAt
		r.DeliveredAt = &t
	}
	if u.IncAttempts {
		r.Attempts++
	}
	r.UpdatedAt = s.now().UTC()
	s.lyrics[id] = r
	return nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, leadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inbound[messageID]; ok {
		return r.ProcessedAt == nil, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, LeadID: leadID, ReceivedAt: s.now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	t := s.now().UTC()
	r.ProcessedAt = &t
	s.inbound[messageID] = r
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
