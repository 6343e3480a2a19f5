package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/goliatone/go-cmmn/engine"
)

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) LoadCase(_ context.Context, id string) (*engine.CaseInstance, error) {
	return getCase(t.tx, id)
}

func (t *boltTx) ListPlanItems(_ context.Context, caseID string) ([]*engine.PlanItemInstance, error) {
	return listPlanItems(t.tx, caseID)
}

func (t *boltTx) ListSentryParts(_ context.Context, caseID string) ([]*engine.SentryPartInstance, error) {
	b := t.tx.Bucket(bucketParts).Bucket([]byte(caseID))
	if b == nil {
		return nil, nil
	}
	var out []*engine.SentryPartInstance
	// keys are part keys, so cursor order matches SentryPartInstance.Key order
	err := b.ForEach(func(_, v []byte) error {
		var part engine.SentryPartInstance
		if err := json.Unmarshal(v, &part); err != nil {
			return err
		}
		out = append(out, &part)
		return nil
	})
	return out, err
}

func (t *boltTx) SaveCase(_ context.Context, rec *engine.CaseInstance, expectedRevision int) (int, error) {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return 0, errors.New("case record id required")
	}
	current, err := getCase(t.tx, rec.ID)
	if err != nil {
		return 0, err
	}
	next, err := engine.CheckRevision(revisionOf(current), expectedRevision, current != nil)
	if err != nil {
		return 0, err
	}
	cp := engine.CloneCase(rec)
	cp.Revision = next
	cp.UpdatedAt = time.Now().UTC()
	if err := putJSON(t.tx.Bucket(bucketCases), []byte(cp.ID), cp); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *boltTx) SavePlanItem(_ context.Context, rec *engine.PlanItemInstance, expectedRevision int) (int, error) {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return 0, errors.New("plan item record id required")
	}
	current, err := getPlanItem(t.tx, rec.ID)
	if err != nil {
		return 0, err
	}
	currentRev := 0
	if current != nil {
		currentRev = current.Revision
	}
	next, err := engine.CheckRevision(currentRev, expectedRevision, current != nil)
	if err != nil {
		return 0, err
	}
	cp := engine.ClonePlanItem(rec)
	cp.Revision = next
	cp.UpdatedAt = time.Now().UTC()
	if err := putJSON(t.tx.Bucket(bucketItems), []byte(cp.ID), cp); err != nil {
		return 0, err
	}
	idx, err := t.tx.Bucket(bucketCaseItems).CreateBucketIfNotExists([]byte(cp.CaseInstanceID))
	if err != nil {
		return 0, err
	}
	if err := idx.Put([]byte(cp.ID), []byte{}); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *boltTx) SaveSentryPart(_ context.Context, part *engine.SentryPartInstance) error {
	if part == nil {
		return errors.New("sentry part required")
	}
	b, err := t.tx.Bucket(bucketParts).CreateBucketIfNotExists([]byte(part.CaseInstanceID))
	if err != nil {
		return err
	}
	return putJSON(b, []byte(part.Key()), part)
}

func (t *boltTx) DeleteSentryParts(_ context.Context, caseID, planItemID, sentryID string) error {
	b := t.tx.Bucket(bucketParts).Bucket([]byte(caseID))
	if b == nil {
		return nil
	}
	prefix := []byte(planItemID + "/" + sentryID + "/")
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) AppendOutbox(_ context.Context, entry engine.OutboxEntry) error {
	entry = engine.NormalizeOutboxEntry(entry)
	b := t.tx.Bucket(bucketOutbox)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := seqKey(seq)
	if err := putJSON(b, key, entry); err != nil {
		return err
	}
	return t.tx.Bucket(bucketOutboxIdx).Put([]byte(entry.ID), key)
}

func revisionOf(rec *engine.CaseInstance) int {
	if rec == nil {
		return 0
	}
	return rec.Revision
}
