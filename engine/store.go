package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists case, plan item and sentry part records with revision checks.
// Load methods return (nil, nil) when the record does not exist.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
	LoadCase(ctx context.Context, id string) (*CaseInstance, error)
	LoadPlanItem(ctx context.Context, id string) (*PlanItemInstance, error)
	ListPlanItems(ctx context.Context, caseID string) ([]*PlanItemInstance, error)
	ListCases(ctx context.Context) ([]*CaseInstance, error)
	OutboxStore
}

// Tx is the transactional store boundary. Writes become visible only when the
// surrounding RunInTransaction returns nil.
type Tx interface {
	LoadCase(ctx context.Context, id string) (*CaseInstance, error)
	ListPlanItems(ctx context.Context, caseID string) ([]*PlanItemInstance, error)
	ListSentryParts(ctx context.Context, caseID string) ([]*SentryPartInstance, error)
	SaveCase(ctx context.Context, rec *CaseInstance, expectedRevision int) (int, error)
	SavePlanItem(ctx context.Context, rec *PlanItemInstance, expectedRevision int) (int, error)
	SaveSentryPart(ctx context.Context, part *SentryPartInstance) error
	DeleteSentryParts(ctx context.Context, caseID, planItemID, sentryID string) error
	AppendOutbox(ctx context.Context, entry OutboxEntry) error
}

// OutboxStore exposes lease/claim/retry operations for the dispatch loop.
// ClaimOutbox judges retry and lease expiry against now, the caller's clock.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, workerID string, limit int, now, leaseUntil time.Time) ([]OutboxEntry, error)
	MarkOutboxCompleted(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, retryAt time.Time, reason string) error
}

// NormalizeOutboxEntry fills ids, status and timestamps before an entry is stored.
func NormalizeOutboxEntry(entry OutboxEntry) OutboxEntry {
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Topic = strings.TrimSpace(entry.Topic)
	if entry.Status == "" {
		entry.Status = OutboxStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return CloneOutboxEntry(entry)
}

// InMemoryStore is a thread-safe store. Transactions work on a copy that is
// swapped in on success.
type InMemoryStore struct {
	mu     sync.RWMutex
	data   *memData
	outbox []OutboxEntry
}

type memData struct {
	cases map[string]*CaseInstance
	items map[string]*PlanItemInstance
	parts map[string]map[string]*SentryPartInstance
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: &memData{
		cases: make(map[string]*CaseInstance),
		items: make(map[string]*PlanItemInstance),
		parts: make(map[string]map[string]*SentryPartInstance),
	}}
}

var errStoreNotConfigured = errors.New("in-memory store not configured")

// RunInTransaction buffers the writes of fn and applies them in one step.
// The store lock is held only while reading and committing, never while fn
// runs; records are revision checked again at commit.
func (s *InMemoryStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil {
		return errStoreNotConfigured
	}
	if fn == nil {
		return nil
	}
	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *InMemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range tx.cases {
		current, ok := s.data.cases[id]
		if _, err := CheckRevision(revisionOfCase(current), w.base, ok); err != nil {
			return err
		}
	}
	for id, w := range tx.items {
		current, ok := s.data.items[id]
		rev := 0
		if ok {
			rev = current.Revision
		}
		if _, err := CheckRevision(rev, w.base, ok); err != nil {
			return err
		}
	}
	for id, w := range tx.cases {
		s.data.cases[id] = w.rec
	}
	for id, w := range tx.items {
		s.data.items[id] = w.rec
	}
	for _, op := range tx.partOps {
		op(s.data)
	}
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

func (s *InMemoryStore) LoadCase(_ context.Context, id string) (*CaseInstance, error) {
	if s == nil {
		return nil, errStoreNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneCase(s.data.cases[id]), nil
}

func (s *InMemoryStore) LoadPlanItem(_ context.Context, id string) (*PlanItemInstance, error) {
	if s == nil {
		return nil, errStoreNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ClonePlanItem(s.data.items[id]), nil
}

func (s *InMemoryStore) ListPlanItems(_ context.Context, caseID string) ([]*PlanItemInstance, error) {
	if s == nil {
		return nil, errStoreNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listItems(caseID), nil
}

func (s *InMemoryStore) ListCases(_ context.Context) ([]*CaseInstance, error) {
	if s == nil {
		return nil, errStoreNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CaseInstance, 0, len(s.data.cases))
	for _, rec := range s.data.cases {
		out = append(out, CloneCase(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// OutboxEntries returns a copy of the outbox for assertions and debugging.
func (s *InMemoryStore) OutboxEntries() []OutboxEntry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneOutbox(s.outbox)
}

func (s *InMemoryStore) ClaimOutbox(_ context.Context, workerID string, limit int, now, leaseUntil time.Time) ([]OutboxEntry, error) {
	if s == nil {
		return nil, errStoreNotConfigured
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id required")
	}
	if limit <= 0 {
		limit = 100
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := make([]OutboxEntry, 0, limit)
	for idx := range s.outbox {
		entry := s.outbox[idx]
		if !IsClaimableOutboxEntry(entry, now) {
			continue
		}
		entry.Status = OutboxStatusLeased
		entry.LeaseOwner = workerID
		entry.LeaseUntil = leaseUntil.UTC()
		entry.Attempts++
		s.outbox[idx] = entry
		claimed = append(claimed, CloneOutboxEntry(entry))
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxCompleted(_ context.Context, id string) error {
	if s == nil {
		return errStoreNotConfigured
	}
	processedAt := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.outbox {
		if s.outbox[idx].ID != id {
			continue
		}
		s.outbox[idx].Status = OutboxStatusCompleted
		s.outbox[idx].LeaseOwner = ""
		s.outbox[idx].LeaseUntil = time.Time{}
		s.outbox[idx].RetryAt = time.Time{}
		s.outbox[idx].ProcessedAt = &processedAt
		s.outbox[idx].LastError = ""
		return nil
	}
	return fmt.Errorf("outbox %s not found", id)
}

func (s *InMemoryStore) MarkOutboxFailed(_ context.Context, id string, retryAt time.Time, reason string) error {
	if s == nil {
		return errStoreNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.outbox {
		if s.outbox[idx].ID != id {
			continue
		}
		s.outbox[idx].Status = OutboxStatusPending
		s.outbox[idx].LeaseOwner = ""
		s.outbox[idx].LeaseUntil = time.Time{}
		s.outbox[idx].RetryAt = retryAt.UTC()
		s.outbox[idx].LastError = strings.TrimSpace(reason)
		return nil
	}
	return fmt.Errorf("outbox %s not found", id)
}

type caseWrite struct {
	rec  *CaseInstance
	base int
}

type itemWrite struct {
	rec  *PlanItemInstance
	base int
}

// memTx reads through to the store and keeps its own writes until commit.
type memTx struct {
	store   *InMemoryStore
	cases   map[string]caseWrite
	items   map[string]itemWrite
	partOps []func(*memData)
	outbox  []OutboxEntry
}

func newMemTx(s *InMemoryStore) *memTx {
	return &memTx{
		store: s,
		cases: make(map[string]caseWrite),
		items: make(map[string]itemWrite),
	}
}

func (tx *memTx) LoadCase(_ context.Context, id string) (*CaseInstance, error) {
	if w, ok := tx.cases[id]; ok {
		return CloneCase(w.rec), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return CloneCase(tx.store.data.cases[id]), nil
}

func (tx *memTx) ListPlanItems(_ context.Context, caseID string) ([]*PlanItemInstance, error) {
	tx.store.mu.RLock()
	out := tx.store.data.listItems(caseID)
	tx.store.mu.RUnlock()
	seen := make(map[string]int, len(out))
	for i, rec := range out {
		seen[rec.ID] = i
	}
	for id, w := range tx.items {
		if w.rec.CaseInstanceID != caseID {
			continue
		}
		if i, ok := seen[id]; ok {
			out[i] = ClonePlanItem(w.rec)
			continue
		}
		out = append(out, ClonePlanItem(w.rec))
	}
	SortPlanItems(out)
	return out, nil
}

func (tx *memTx) ListSentryParts(_ context.Context, caseID string) ([]*SentryPartInstance, error) {
	view := &memData{parts: make(map[string]map[string]*SentryPartInstance)}
	tx.store.mu.RLock()
	if parts := tx.store.data.parts[caseID]; parts != nil {
		m := make(map[string]*SentryPartInstance, len(parts))
		for k, p := range parts {
			cp := *p
			m[k] = &cp
		}
		view.parts[caseID] = m
	}
	tx.store.mu.RUnlock()
	for _, op := range tx.partOps {
		op(view)
	}
	parts := view.parts[caseID]
	out := make([]*SentryPartInstance, 0, len(parts))
	for _, p := range parts {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (tx *memTx) SaveCase(_ context.Context, rec *CaseInstance, expectedRevision int) (int, error) {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return 0, errors.New("case record id required")
	}
	w, staged := tx.cases[rec.ID]
	var current *CaseInstance
	if staged {
		current = w.rec
	} else {
		tx.store.mu.RLock()
		current = tx.store.data.cases[rec.ID]
		tx.store.mu.RUnlock()
		w.base = revisionOfCase(current)
	}
	next, err := CheckRevision(revisionOfCase(current), expectedRevision, current != nil)
	if err != nil {
		return 0, err
	}
	cp := CloneCase(rec)
	cp.Revision = next
	cp.UpdatedAt = time.Now().UTC()
	w.rec = cp
	tx.cases[cp.ID] = w
	return next, nil
}

func (tx *memTx) SavePlanItem(_ context.Context, rec *PlanItemInstance, expectedRevision int) (int, error) {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return 0, errors.New("plan item record id required")
	}
	w, staged := tx.items[rec.ID]
	var current *PlanItemInstance
	if staged {
		current = w.rec
	} else {
		tx.store.mu.RLock()
		current = tx.store.data.items[rec.ID]
		tx.store.mu.RUnlock()
		if current != nil {
			w.base = current.Revision
		}
	}
	currentRev := 0
	if current != nil {
		currentRev = current.Revision
	}
	next, err := CheckRevision(currentRev, expectedRevision, current != nil)
	if err != nil {
		return 0, err
	}
	cp := ClonePlanItem(rec)
	cp.Revision = next
	cp.UpdatedAt = time.Now().UTC()
	w.rec = cp
	tx.items[cp.ID] = w
	return next, nil
}

func (tx *memTx) SaveSentryPart(_ context.Context, part *SentryPartInstance) error {
	if part == nil {
		return errors.New("sentry part required")
	}
	cp := *part
	tx.partOps = append(tx.partOps, func(d *memData) {
		if d.parts[cp.CaseInstanceID] == nil {
			d.parts[cp.CaseInstanceID] = make(map[string]*SentryPartInstance)
		}
		stored := cp
		d.parts[cp.CaseInstanceID][cp.Key()] = &stored
	})
	return nil
}

func (tx *memTx) DeleteSentryParts(_ context.Context, caseID, planItemID, sentryID string) error {
	tx.partOps = append(tx.partOps, func(d *memData) {
		for key, p := range d.parts[caseID] {
			if p.PlanItemInstanceID == planItemID && p.SentryID == sentryID {
				delete(d.parts[caseID], key)
			}
		}
	})
	return nil
}

func (tx *memTx) AppendOutbox(_ context.Context, entry OutboxEntry) error {
	tx.outbox = append(tx.outbox, NormalizeOutboxEntry(entry))
	return nil
}

func revisionOfCase(rec *CaseInstance) int {
	if rec == nil {
		return 0
	}
	return rec.Revision
}

func (d *memData) listItems(caseID string) []*PlanItemInstance {
	var out []*PlanItemInstance
	for _, rec := range d.items {
		if rec.CaseInstanceID == caseID {
			out = append(out, ClonePlanItem(rec))
		}
	}
	SortPlanItems(out)
	return out
}

// SortPlanItems orders instances by creation sequence.
func SortPlanItems(items []*PlanItemInstance) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Seq != items[j].Seq {
			return items[i].Seq < items[j].Seq
		}
		return items[i].ID < items[j].ID
	})
}

func cloneOutbox(in []OutboxEntry) []OutboxEntry {
	if len(in) == 0 {
		return nil
	}
	out := make([]OutboxEntry, 0, len(in))
	for _, e := range in {
		out = append(out, CloneOutboxEntry(e))
	}
	return out
}
