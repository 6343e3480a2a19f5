package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-cmmn/engine"
)

type sqlTx struct {
	store *Store
	q     queryer
}

func (t *sqlTx) LoadCase(ctx context.Context, id string) (*engine.CaseInstance, error) {
	return t.store.loadCase(ctx, t.q, id)
}

func (t *sqlTx) ListPlanItems(ctx context.Context, caseID string) ([]*engine.PlanItemInstance, error) {
	return t.store.listPlanItems(ctx, t.q, caseID)
}

func (t *sqlTx) ListSentryParts(ctx context.Context, caseID string) ([]*engine.SentryPartInstance, error) {
	s := t.store
	q := s.dialect.rebind(fmt.Sprintf(`SELECT plan_item_instance_id, sentry_id, on_part, fired_at FROM %s
		WHERE case_instance_id = ?
		ORDER BY plan_item_instance_id ASC, sentry_id ASC, on_part ASC`, s.parts))
	rows, err := t.q.QueryContext(ctx, q, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*engine.SentryPartInstance
	for rows.Next() {
		part := &engine.SentryPartInstance{CaseInstanceID: caseID}
		var firedAt string
		if err := rows.Scan(&part.PlanItemInstanceID, &part.SentryID, &part.OnPart, &firedAt); err != nil {
			return nil, err
		}
		if ts, ok := parseTime(firedAt); ok {
			part.FiredAt = ts
		}
		out = append(out, part)
	}
	return out, rows.Err()
}

func (t *sqlTx) SaveCase(ctx context.Context, rec *engine.CaseInstance, expectedRevision int) (int, error) {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return 0, errors.New("case record id required")
	}
	s := t.store
	cp := engine.CloneCase(rec)
	cp.Revision = nextRevision(expectedRevision)
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return 0, err
	}
	updated := formatTime(cp.UpdatedAt)

	insert := fmt.Sprintf(`INSERT INTO %s (id, definition_id, state, revision, start_time, data, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?) ON CONFLICT (id) DO NOTHING`, s.cases)
	update := fmt.Sprintf(`UPDATE %s SET definition_id=?, state=?, revision=?, start_time=?, data=?, updated_at=?
		WHERE id=? AND revision=?`, s.cases)
	return s.saveVersioned(ctx, t.q, insert, update,
		[]any{cp.ID, cp.DefinitionID, string(cp.State), formatTime(cp.StartTime), string(data), updated},
		[]any{cp.DefinitionID, string(cp.State), cp.Revision, formatTime(cp.StartTime), string(data), updated, cp.ID, expectedRevision},
		expectedRevision,
	)
}

func (t *sqlTx) SavePlanItem(ctx context.Context, rec *engine.PlanItemInstance, expectedRevision int) (int, error) {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return 0, errors.New("plan item record id required")
	}
	s := t.store
	cp := engine.ClonePlanItem(rec)
	cp.Revision = nextRevision(expectedRevision)
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return 0, err
	}
	updated := formatTime(cp.UpdatedAt)

	insert := fmt.Sprintf(`INSERT INTO %s (id, case_instance_id, stage_instance_id, definition_id, state, seq, revision, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?) ON CONFLICT (id) DO NOTHING`, s.items)
	update := fmt.Sprintf(`UPDATE %s SET state=?, seq=?, revision=?, data=?, updated_at=?
		WHERE id=? AND revision=?`, s.items)
	return s.saveVersioned(ctx, t.q, insert, update,
		[]any{cp.ID, cp.CaseInstanceID, cp.StageInstanceID, cp.DefinitionID, string(cp.State), cp.Seq, string(data), updated},
		[]any{string(cp.State), cp.Seq, cp.Revision, string(data), updated, cp.ID, expectedRevision},
		expectedRevision,
	)
}

func (t *sqlTx) SaveSentryPart(ctx context.Context, part *engine.SentryPartInstance) error {
	if part == nil {
		return errors.New("sentry part required")
	}
	s := t.store
	q := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (case_instance_id, plan_item_instance_id, sentry_id, on_part, fired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (case_instance_id, plan_item_instance_id, sentry_id, on_part) DO UPDATE SET fired_at = excluded.fired_at`, s.parts))
	_, err := t.q.ExecContext(ctx, q, part.CaseInstanceID, part.PlanItemInstanceID, part.SentryID, part.OnPart, formatTime(part.FiredAt))
	return mapError(err)
}

func (t *sqlTx) DeleteSentryParts(ctx context.Context, caseID, planItemID, sentryID string) error {
	s := t.store
	q := s.dialect.rebind(fmt.Sprintf(`DELETE FROM %s WHERE case_instance_id = ? AND plan_item_instance_id = ? AND sentry_id = ?`, s.parts))
	_, err := t.q.ExecContext(ctx, q, caseID, planItemID, sentryID)
	return mapError(err)
}

func (t *sqlTx) AppendOutbox(ctx context.Context, entry engine.OutboxEntry) error {
	s := t.store
	entry = engine.NormalizeOutboxEntry(entry)
	metadata := ""
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}
	processed := ""
	if entry.ProcessedAt != nil {
		processed = formatTime(*entry.ProcessedAt)
	}
	q := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (
		id, case_instance_id, topic, payload, status, attempts, lease_owner, lease_until,
		retry_at, processed_at, last_error, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.outbox))
	_, err := t.q.ExecContext(ctx, q,
		entry.ID,
		entry.CaseInstanceID,
		entry.Topic,
		string(entry.Payload),
		entry.Status,
		entry.Attempts,
		entry.LeaseOwner,
		formatTime(entry.LeaseUntil),
		formatTime(entry.RetryAt),
		processed,
		entry.LastError,
		metadata,
		formatTime(entry.CreatedAt),
	)
	return mapError(err)
}

func nextRevision(expected int) int {
	if expected < 0 {
		expected = 0
	}
	return expected + 1
}
