// Package boltstore is an embedded engine.Store on bbolt. Every record is a
// JSON document; per-case buckets index plan items and sentry parts.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/goliatone/go-cmmn/engine"
)

var (
	bucketCases     = []byte("cases")
	bucketItems     = []byte("plan_items")
	bucketCaseItems = []byte("case_items")
	bucketParts     = []byte("sentry_parts")
	bucketOutbox    = []byte("outbox")
	bucketOutboxIdx = []byte("outbox_index")
)

var errNotConfigured = errors.New("bolt store not configured")

// Store implements engine.Store on a bbolt file.
type Store struct {
	db *bolt.DB
}

var _ engine.Store = (*Store)(nil)

// Open opens (or creates) the database file and its top-level buckets.
func Open(path string, timeout time.Duration) (*Store, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database.
func New(db *bolt.DB) (*Store, error) {
	if db == nil {
		return nil, errNotConfigured
	}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCases, bucketItems, bucketCaseItems, bucketParts, bucketOutbox, bucketOutboxIdx} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunInTransaction runs fn in a read-write bolt transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(engine.Tx) error) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	if fn == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := fn(&boltTx{tx: tx}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

func (s *Store) LoadCase(_ context.Context, id string) (rec *engine.CaseInstance, err error) {
	if s == nil || s.db == nil {
		return nil, errNotConfigured
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, err = getCase(tx, id)
		return err
	})
	return rec, err
}

func (s *Store) LoadPlanItem(_ context.Context, id string) (rec *engine.PlanItemInstance, err error) {
	if s == nil || s.db == nil {
		return nil, errNotConfigured
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		rec, err = getPlanItem(tx, id)
		return err
	})
	return rec, err
}

func (s *Store) ListPlanItems(_ context.Context, caseID string) (out []*engine.PlanItemInstance, err error) {
	if s == nil || s.db == nil {
		return nil, errNotConfigured
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		out, err = listPlanItems(tx, caseID)
		return err
	})
	return out, err
}

func (s *Store) ListCases(_ context.Context) ([]*engine.CaseInstance, error) {
	if s == nil || s.db == nil {
		return nil, errNotConfigured
	}
	var out []*engine.CaseInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCases).ForEach(func(_, v []byte) error {
			var rec engine.CaseInstance
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ClaimOutbox leases claimable entries in append order.
func (s *Store) ClaimOutbox(_ context.Context, workerID string, limit int, now, leaseUntil time.Time) ([]engine.OutboxEntry, error) {
	if s == nil || s.db == nil {
		return nil, errNotConfigured
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

	var claimed []engine.OutboxEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		type lease struct {
			key   []byte
			entry engine.OutboxEntry
		}
		var leased []lease
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(leased) < limit; k, v = c.Next() {
			var entry engine.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !engine.IsClaimableOutboxEntry(entry, now) {
				continue
			}
			entry.Status = engine.OutboxStatusLeased
			entry.LeaseOwner = workerID
			entry.LeaseUntil = leaseUntil.UTC()
			entry.Attempts++
			leased = append(leased, lease{key: append([]byte(nil), k...), entry: entry})
		}
		// writes happen after iteration; bolt cursors are invalidated by Put
		for _, l := range leased {
			if err := putJSON(b, l.key, l.entry); err != nil {
				return err
			}
			claimed = append(claimed, engine.CloneOutboxEntry(l.entry))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) MarkOutboxCompleted(_ context.Context, id string) error {
	processedAt := time.Now().UTC()
	return s.updateOutbox(id, func(entry *engine.OutboxEntry) {
		entry.Status = engine.OutboxStatusCompleted
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = time.Time{}
		entry.ProcessedAt = &processedAt
		entry.LastError = ""
	})
}

func (s *Store) MarkOutboxFailed(_ context.Context, id string, retryAt time.Time, reason string) error {
	return s.updateOutbox(id, func(entry *engine.OutboxEntry) {
		entry.Status = engine.OutboxStatusPending
		entry.LeaseOwner = ""
		entry.LeaseUntil = time.Time{}
		entry.RetryAt = retryAt.UTC()
		entry.LastError = strings.TrimSpace(reason)
	})
}

func (s *Store) updateOutbox(id string, fn func(*engine.OutboxEntry)) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOutboxIdx).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("outbox %s not found", id)
		}
		b := tx.Bucket(bucketOutbox)
		var entry engine.OutboxEntry
		if err := json.Unmarshal(b.Get(key), &entry); err != nil {
			return err
		}
		fn(&entry)
		return putJSON(b, key, entry)
	})
}

func getCase(tx *bolt.Tx, id string) (*engine.CaseInstance, error) {
	raw := tx.Bucket(bucketCases).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var rec engine.CaseInstance
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode case %s: %w", id, err)
	}
	return &rec, nil
}

func getPlanItem(tx *bolt.Tx, id string) (*engine.PlanItemInstance, error) {
	raw := tx.Bucket(bucketItems).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	var rec engine.PlanItemInstance
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode plan item %s: %w", id, err)
	}
	return &rec, nil
}

func listPlanItems(tx *bolt.Tx, caseID string) ([]*engine.PlanItemInstance, error) {
	idx := tx.Bucket(bucketCaseItems).Bucket([]byte(caseID))
	if idx == nil {
		return nil, nil
	}
	var out []*engine.PlanItemInstance
	err := idx.ForEach(func(k, _ []byte) error {
		rec, err := getPlanItem(tx, string(k))
		if err != nil {
			return err
		}
		if rec != nil {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	engine.SortPlanItems(out)
	return out, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

func seqKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}
