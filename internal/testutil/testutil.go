// Package testutil provides fakes and helpers shared by LeadPipe tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/stretchr/testify/require"
)

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Call is one recorded dispatch.
type Call struct {
	Kind     string // text, audio, image or document
	To       string
	Body     string // text or media reference
	Data     []byte
	FileName string
}

// FakeDispatcher records dispatches. FailFor and FailKind inject errors by
// recipient or by kind; Block makes every send wait for its context.
type FakeDispatcher struct {
	mu       sync.Mutex
	calls    []Call
	FailFor  map[string]error
	FailKind map[string]error
	Block    bool
	Panic    string // recipient whose send panics
}

var _ messaging.Dispatcher = (*FakeDispatcher)(nil)

// NewFakeDispatcher returns an empty FakeDispatcher.
func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{FailFor: map[string]error{}, FailKind: map[string]error{}}
}

func (d *FakeDispatcher) do(ctx context.Context, c Call) error {
	d.mu.Lock()
	block := d.Block
	err := d.FailFor[c.To]
	if err == nil {
		err = d.FailKind[c.Kind]
	}
	panicFor := d.Panic
	d.mu.Unlock()

	if panicFor != "" && panicFor == c.To {
		panic("fake dispatcher panic for " + c.To)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
	return nil
}

func (d *FakeDispatcher) SendText(ctx context.Context, to string, text string) error {
	return d.do(ctx, Call{Kind: "text", To: to, Body: text})
}

func (d *FakeDispatcher) SendAudio(ctx context.Context, to string, mediaRef string) error {
	return d.do(ctx, Call{Kind: "audio", To: to, Body: mediaRef})
}

func (d *FakeDispatcher) SendImage(ctx context.Context, to string, mediaRef string) error {
	return d.do(ctx, Call{Kind: "image", To: to, Body: mediaRef})
}

func (d *FakeDispatcher) SendDocument(ctx context.Context, to string, data []byte, fileName string) error {
	return d.do(ctx, Call{Kind: "document", To: to, Data: data, FileName: fileName})
}

// Calls returns a copy of the successful dispatches.
func (d *FakeDispatcher) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsTo returns the successful dispatches to one recipient.
func (d *FakeDispatcher) CallsTo(to string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.To == to {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls and injected failures.
func (d *FakeDispatcher) Reset() {
	d.mu.Lock()
	d.calls = nil
	d.FailFor = map[string]error{}
	d.FailKind = map[string]error{}
	d.Block = false
	d.Panic = ""
	d.mu.Unlock()
}

// FlakyStore wraps a store and injects failures per lead.
type FlakyStore struct {
	store.Store

	mu             sync.Mutex
	FailUpdateFor  map[string]error
	FailHistoryFor map[string]error
	FailFind       error
	FailList       error
	FailConfig     error
	FindCalls      int
	UpdateCalls    int
}

// NewFlakyStore wraps s with no failures configured.
func NewFlakyStore(s store.Store) *FlakyStore {
	return &FlakyStore{Store: s, FailUpdateFor: map[string]error{}, FailHistoryFor: map[string]error{}}
}

func (f *FlakyStore) UpdateLead(ctx context.Context, id string, u models.LeadUpdate) error {
	f.mu.Lock()
	f.UpdateCalls++
	err := f.FailUpdateFor[id]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.UpdateLead(ctx, id, u)
}

func (f *FlakyStore) UpdateActiveSequences(ctx context.Context, id string, next func([]models.ActiveSequence) []models.ActiveSequence) error {
	f.mu.Lock()
	f.UpdateCalls++
	err := f.FailUpdateFor[id]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.UpdateActiveSequences(ctx, id, next)
}

func (f *FlakyStore) AppendHistoryEntry(ctx context.Context, leadID string, e models.HistoryEntry) error {
	f.mu.Lock()
	err := f.FailHistoryFor[leadID]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.AppendHistoryEntry(ctx, leadID, e)
}

func (f *FlakyStore) FindSequenceDefinition(ctx context.Context, trigger string) (*models.SequenceDefinition, error) {
	f.mu.Lock()
	f.FindCalls++
	err := f.FailFind
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.FindSequenceDefinition(ctx, trigger)
}

func (f *FlakyStore) ListLeadsWithActiveSequences(ctx context.Context) ([]models.Lead, error) {
	f.mu.Lock()
	err := f.FailList
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.ListLeadsWithActiveSequences(ctx)
}

func (f *FlakyStore) GetConfig(ctx context.Context) (models.AppConfig, error) {
	f.mu.Lock()
	err := f.FailConfig
	f.mu.Unlock()
	if err != nil {
		return models.AppConfig{}, err
	}
	return f.Store.GetConfig(ctx)
}

// Updates returns how many lead writes were made, failed ones included.
func (f *FlakyStore) Updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.UpdateCalls
}

// SeedLead inserts lead into s, failing the test on error.
func SeedLead(t *testing.T, s store.LeadStore, lead models.Lead) {
	t.Helper()
	if lead.Phone == "" {
		lead.Phone = lead.ID
	}
	require.NoError(t, s.CreateLead(context.Background(), lead))
}

// SeedSequence stores def, failing the test on error.
func SeedSequence(t *testing.T, s store.LeadStore, def models.SequenceDefinition) {
	t.Helper()
	_, err := s.SaveSequenceDefinition(context.Background(), def, false)
	require.NoError(t, err)
}

// MustGetLead loads a lead, failing the test when it is missing.
func MustGetLead(t *testing.T, s store.LeadStore, id string) models.Lead {
	t.Helper()
	lead, err := s.GetLead(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, lead, "lead %s not found", id)
	return *lead
}
