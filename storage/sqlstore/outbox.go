package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-cmmn/engine"
)

const claimableWhere = `status != 'completed'
		AND (retry_at = '' OR retry_at <= ?)
		AND (status = 'pending' OR (status = 'leased' AND (lease_until = '' OR lease_until <= ?)))`

// ClaimOutbox leases up to limit claimable entries for workerID.
func (s *Store) ClaimOutbox(ctx context.Context, workerID string, limit int, now, leaseUntil time.Time) ([]engine.OutboxEntry, error) {
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
	if leaseUntil.IsZero() {
		leaseUntil = now.Add(30 * time.Second)
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	at := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	selectIDs := s.dialect.rebind(fmt.Sprintf(`SELECT id FROM %s WHERE %s
		ORDER BY created_at ASC, id ASC LIMIT ?%s`, s.outbox, claimableWhere, s.dialect.claimLock()))
	rows, err := tx.QueryContext(ctx, selectIDs, at, at, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	update := s.dialect.rebind(fmt.Sprintf(`UPDATE %s
		SET status = 'leased', lease_owner = ?, lease_until = ?, attempts = attempts + 1
		WHERE id = ? AND %s`, s.outbox, claimableWhere))
	claimed := make([]engine.OutboxEntry, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, update, workerID, formatTime(leaseUntil), id, at, at)
		if err != nil {
			return nil, mapError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		entry, err := s.loadOutbox(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	tx = nil
	return claimed, nil
}

// MarkOutboxCompleted marks one entry as delivered.
func (s *Store) MarkOutboxCompleted(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	q := s.dialect.rebind(fmt.Sprintf(`UPDATE %s
		SET status = 'completed', lease_owner = '', lease_until = '', retry_at = '', processed_at = ?, last_error = ''
		WHERE id = ?`, s.outbox))
	return s.expectOne(ctx, id, q, formatTime(time.Now()), strings.TrimSpace(id))
}

// MarkOutboxFailed returns one entry to pending with a retry time.
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, retryAt time.Time, reason string) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	q := s.dialect.rebind(fmt.Sprintf(`UPDATE %s
		SET status = 'pending', lease_owner = '', lease_until = '', retry_at = ?, processed_at = '', last_error = ?
		WHERE id = ?`, s.outbox))
	return s.expectOne(ctx, id, q, formatTime(retryAt), strings.TrimSpace(reason), strings.TrimSpace(id))
}

func (s *Store) expectOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox %s not found", id)
	}
	return nil
}

func (s *Store) loadOutbox(ctx context.Context, q queryer, id string) (engine.OutboxEntry, error) {
	query := s.dialect.rebind(fmt.Sprintf(`SELECT
		id, case_instance_id, topic, payload, status, attempts, lease_owner, lease_until,
		retry_at, processed_at, last_error, metadata, created_at
		FROM %s WHERE id = ?`, s.outbox))
	var (
		entry                                   engine.OutboxEntry
		payload, leaseUntil, retryAt, processed string
		metadata, createdAt                     string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&entry.ID,
		&entry.CaseInstanceID,
		&entry.Topic,
		&payload,
		&entry.Status,
		&entry.Attempts,
		&entry.LeaseOwner,
		&leaseUntil,
		&retryAt,
		&processed,
		&entry.LastError,
		&metadata,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.OutboxEntry{}, fmt.Errorf("outbox %s not found", id)
	}
	if err != nil {
		return engine.OutboxEntry{}, err
	}
	if payload != "" {
		entry.Payload = []byte(payload)
	}
	if ts, ok := parseTime(leaseUntil); ok {
		entry.LeaseUntil = ts
	}
	if ts, ok := parseTime(retryAt); ok {
		entry.RetryAt = ts
	}
	if ts, ok := parseTime(processed); ok {
		entry.ProcessedAt = &ts
	}
	if ts, ok := parseTime(createdAt); ok {
		entry.CreatedAt = ts
	}
	if strings.TrimSpace(metadata) != "" {
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return engine.OutboxEntry{}, fmt.Errorf("decode outbox metadata: %w", err)
		}
	}
	return entry, nil
}
