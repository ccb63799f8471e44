// Package memstore is an in-memory store.Store. Transactions are serialized by
// a single mutex and applied copy-on-commit, so a failed transaction leaves no
// trace. It backs the test suites and the serve command's -memory mode.
package memstore

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartprospect/backend/internal/models"
	"github.com/smartprospect/backend/internal/store"
)

var errReadOnly = errors.New("memstore: write in read-only transaction")

type eventKey struct {
	category string
	eventID  string
}

type ledgerKey struct {
	reason  models.LedgerReason
	eventID string
}

type state struct {
	accounts    map[uuid.UUID]models.Account
	emails      map[string]uuid.UUID
	ledger      []models.LedgerEntry
	ledgerKeys  map[ledgerKey]int
	events      map[eventKey]time.Time
	campaigns   map[uuid.UUID]models.Campaign
	transitions []models.Transition
	prospects   map[uuid.UUID][]models.Prospect
	jobs        map[uuid.UUID]models.JobRun
}

func newState() *state {
	return &state{
		accounts:   make(map[uuid.UUID]models.Account),
		emails:     make(map[string]uuid.UUID),
		ledgerKeys: make(map[ledgerKey]int),
		events:     make(map[eventKey]time.Time),
		campaigns:  make(map[uuid.UUID]models.Campaign),
		prospects:  make(map[uuid.UUID][]models.Prospect),
		jobs:       make(map[uuid.UUID]models.JobRun),
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts:    maps.Clone(s.accounts),
		emails:      maps.Clone(s.emails),
		ledger:      append([]models.LedgerEntry(nil), s.ledger...),
		ledgerKeys:  maps.Clone(s.ledgerKeys),
		events:      maps.Clone(s.events),
		campaigns:   maps.Clone(s.campaigns),
		transitions: append([]models.Transition(nil), s.transitions...),
		prospects:   make(map[uuid.UUID][]models.Prospect, len(s.prospects)),
		jobs:        maps.Clone(s.jobs),
	}
	for id, ps := range s.prospects {
		c.prospects[id] = append([]models.Prospect(nil), ps...)
	}
	return c
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.RWMutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

var _ store.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{st: s.st, readOnly: true})
}

type tx struct {
	st       *state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// --- accounts ---

func (t *tx) InsertAccount(_ context.Context, a *models.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.accounts[a.ID]; ok {
		return store.ErrConflict
	}
	if _, ok := t.st.emails[a.Email]; ok && a.Email != "" {
		return store.ErrConflict
	}
	t.st.accounts[a.ID] = *a
	if a.Email != "" {
		t.st.emails[a.Email] = a.ID
	}
	return nil
}

func (t *tx) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (t *tx) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	id, ok := t.st.emails[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.GetAccount(ctx, id)
}

// LockAccount only checks existence; the store mutex already serializes transactions.
func (t *tx) LockAccount(_ context.Context, id uuid.UUID) error {
	if _, ok := t.st.accounts[id]; !ok {
		return store.ErrNotFound
	}
	return nil
}

// --- ledger ---

func copyEntry(e models.LedgerEntry) *models.LedgerEntry {
	e.Metadata = maps.Clone(e.Metadata)
	return &e
}

func (t *tx) InsertLedgerEntry(_ context.Context, e *models.LedgerEntry) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.accounts[e.AccountID]; !ok {
		return store.ErrNotFound
	}
	if e.ExternalEventID != nil {
		k := ledgerKey{reason: e.Reason, eventID: *e.ExternalEventID}
		if _, dup := t.st.ledgerKeys[k]; dup {
			return store.ErrConflict
		}
		t.st.ledgerKeys[k] = len(t.st.ledger)
	}
	t.st.ledger = append(t.st.ledger, *copyEntry(*e))
	return nil
}

func (t *tx) FindLedgerEntryByEvent(_ context.Context, reason models.LedgerReason, externalEventID string) (*models.LedgerEntry, error) {
	i, ok := t.st.ledgerKeys[ledgerKey{reason: reason, eventID: externalEventID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyEntry(t.st.ledger[i]), nil
}

func (t *tx) GetLedgerEntry(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	for _, e := range t.st.ledger {
		if e.ID == id {
			return copyEntry(e), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) SumLedger(_ context.Context, accountID uuid.UUID) (int64, error) {
	var sum int64
	for _, e := range t.st.ledger {
		if e.AccountID == accountID && e.RedactedAt == nil {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (t *tx) ListLedgerEntries(_ context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	for i := len(t.st.ledger) - 1; i >= 0; i-- {
		e := t.st.ledger[i]
		if e.AccountID != accountID || e.RedactedAt != nil {
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *tx) RedactLedgerEntry(_ context.Context, id uuid.UUID, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	for i := range t.st.ledger {
		if t.st.ledger[i].ID != id {
			continue
		}
		if t.st.ledger[i].RedactedAt == nil {
			ts := at
			t.st.ledger[i].RedactedAt = &ts
		}
		return nil
	}
	return store.ErrNotFound
}

// --- processed events ---

func (t *tx) InsertProcessedEvent(_ context.Context, category, eventID string, at time.Time) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	k := eventKey{category: category, eventID: eventID}
	if _, ok := t.st.events[k]; ok {
		return false, nil
	}
	t.st.events[k] = at
	return true, nil
}

// --- campaigns ---

func (t *tx) InsertCampaign(_ context.Context, c *models.Campaign) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.campaigns[c.ID]; ok {
		return store.ErrConflict
	}
	t.st.campaigns[c.ID] = *c
	return nil
}

func (t *tx) GetCampaign(_ context.Context, id uuid.UUID) (*models.Campaign, error) {
	c, ok := t.st.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *tx) UpdateCampaign(_ context.Context, c *models.Campaign) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.campaigns[c.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.campaigns[c.ID] = *c
	return nil
}

func (t *tx) ListCampaignsByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Campaign, error) {
	var out []*models.Campaign
	for _, c := range t.st.campaigns {
		if c.OwnerID != ownerID || c.DeletedAt != nil {
			continue
		}
		cp := c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) InsertTransition(_ context.Context, tr *models.Transition) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.transitions = append(t.st.transitions, *tr)
	return nil
}

func (t *tx) ListTransitions(_ context.Context, campaignID uuid.UUID) ([]*models.Transition, error) {
	var out []*models.Transition
	for _, tr := range t.st.transitions {
		if tr.CampaignID == campaignID {
			cp := tr
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- prospects ---

func (t *tx) InsertProspects(_ context.Context, prospects []*models.Prospect) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, p := range prospects {
		existing := t.st.prospects[p.CampaignID]
		for _, e := range existing {
			if e.Ordinal == p.Ordinal {
				return store.ErrConflict
			}
		}
		cp := *p
		cp.Fields = maps.Clone(p.Fields)
		cp.Assets.Extra = maps.Clone(p.Assets.Extra)
		t.st.prospects[p.CampaignID] = append(existing, cp)
	}
	return nil
}

func (t *tx) ListProspects(_ context.Context, campaignID uuid.UUID) ([]*models.Prospect, error) {
	ps := t.st.prospects[campaignID]
	out := make([]*models.Prospect, 0, len(ps))
	for _, p := range ps {
		cp := p
		cp.Fields = maps.Clone(p.Fields)
		cp.Assets.Extra = maps.Clone(p.Assets.Extra)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (t *tx) UpdateProspect(_ context.Context, p *models.Prospect) error {
	if err := t.writable(); err != nil {
		return err
	}
	ps := t.st.prospects[p.CampaignID]
	for i := range ps {
		if ps[i].Ordinal == p.Ordinal {
			cp := *p
			cp.Fields = maps.Clone(p.Fields)
			cp.Assets.Extra = maps.Clone(p.Assets.Extra)
			ps[i] = cp
			return nil
		}
	}
	return store.ErrNotFound
}

// --- job runs ---

func (t *tx) InsertJobRun(_ context.Context, j *models.JobRun) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.jobs[j.ID]; ok {
		return store.ErrConflict
	}
	if j.Status == models.JobPending {
		for _, other := range t.st.jobs {
			if other.CampaignID == j.CampaignID && other.Kind == j.Kind && other.Status == models.JobPending {
				return store.ErrConflict
			}
		}
	}
	t.st.jobs[j.ID] = *j
	return nil
}

func (t *tx) GetJobRun(_ context.Context, id uuid.UUID) (*models.JobRun, error) {
	j, ok := t.st.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (t *tx) UpdateJobRun(_ context.Context, j *models.JobRun) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.jobs[j.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.jobs[j.ID] = *j
	return nil
}

func (t *tx) ListOpenJobRuns(_ context.Context, campaignID uuid.UUID) ([]*models.JobRun, error) {
	var out []*models.JobRun
	for _, j := range t.st.jobs {
		if j.CampaignID == campaignID && j.Status == models.JobPending {
			cp := j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (t *tx) ListStaleJobRuns(_ context.Context, cutoff time.Time, limit int) ([]*models.JobRun, error) {
	var out []*models.JobRun
	for _, j := range t.st.jobs {
		if j.Status == models.JobPending && j.CreatedAt.Before(cutoff) {
			cp := j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
