// Package sqlstore persists case instances, plan item instances, sentry parts
// and the outbox in a SQL database (sqlite or postgres).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-cmmn/engine"
)

// timeLayout is fixed width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var errNotConfigured = errors.New("sql store not configured")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements engine.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect

	cases  string
	items  string
	parts  string
	outbox string

	schemaMu sync.Mutex
	migrated bool
}

var _ engine.Store = (*Store)(nil)

// New builds a store. Tables are named <prefix>_cases, <prefix>_plan_items,
// <prefix>_sentry_parts and <prefix>_outbox; the prefix defaults to "cmmn".
func New(db *sql.DB, dialect Dialect, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "cmmn"
	}
	if dialect == "" {
		dialect = DialectSQLite
	}
	return &Store{
		db:      db,
		dialect: dialect,
		cases:   prefix + "_cases",
		items:   prefix + "_plan_items",
		parts:   prefix + "_sentry_parts",
		outbox:  prefix + "_outbox",
	}
}

// Migrate creates missing tables and indexes. It runs once per store.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.migrated {
		return nil
	}
	for _, ddl := range s.schema() {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.migrated = true
	return nil
}

func (s *Store) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			state TEXT NOT NULL,
			revision INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.cases),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			case_instance_id TEXT NOT NULL,
			stage_instance_id TEXT NOT NULL DEFAULT '',
			definition_id TEXT NOT NULL,
			state TEXT NOT NULL,
			seq INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, s.items),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_case_stage ON %s (case_instance_id, stage_instance_id)`, s.items, s.items),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			case_instance_id TEXT NOT NULL,
			plan_item_instance_id TEXT NOT NULL,
			sentry_id TEXT NOT NULL,
			on_part TEXT NOT NULL,
			fired_at TEXT NOT NULL,
			PRIMARY KEY (case_instance_id, plan_item_instance_id, sentry_id, on_part)
		)`, s.parts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			case_instance_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until TEXT NOT NULL DEFAULT '',
			retry_at TEXT NOT NULL DEFAULT '',
			processed_at TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`, s.outbox),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status ON %s (status, created_at)`, s.outbox, s.outbox),
	}
}

// RunInTransaction executes fn in a database transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(engine.Tx) error) error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	if fn == nil {
		return nil
	}
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	if err := fn(&sqlTx{store: s, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return mapError(tx.Commit())
}

func (s *Store) LoadCase(ctx context.Context, id string) (*engine.CaseInstance, error) {
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s.loadCase(ctx, s.db, id)
}

func (s *Store) LoadPlanItem(ctx context.Context, id string) (*engine.PlanItemInstance, error) {
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	q := s.dialect.rebind(fmt.Sprintf(`SELECT data, revision FROM %s WHERE id = ?`, s.items))
	var data string
	var rev int
	err := s.db.QueryRowContext(ctx, q, strings.TrimSpace(id)).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePlanItem(data, rev)
}

func (s *Store) ListPlanItems(ctx context.Context, caseID string) ([]*engine.PlanItemInstance, error) {
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s.listPlanItems(ctx, s.db, caseID)
}

func (s *Store) ListCases(ctx context.Context) ([]*engine.CaseInstance, error) {
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data, revision FROM %s ORDER BY start_time ASC, id ASC`, s.cases)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*engine.CaseInstance
	for rows.Next() {
		var data string
		var rev int
		if err := rows.Scan(&data, &rev); err != nil {
			return nil, err
		}
		rec, err := decodeCase(data, rev)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) loadCase(ctx context.Context, q queryer, id string) (*engine.CaseInstance, error) {
	query := s.dialect.rebind(fmt.Sprintf(`SELECT data, revision FROM %s WHERE id = ?`, s.cases))
	var data string
	var rev int
	err := q.QueryRowContext(ctx, query, strings.TrimSpace(id)).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCase(data, rev)
}

func (s *Store) listPlanItems(ctx context.Context, q queryer, caseID string) ([]*engine.PlanItemInstance, error) {
	query := s.dialect.rebind(fmt.Sprintf(`SELECT data, revision FROM %s WHERE case_instance_id = ? ORDER BY seq ASC, id ASC`, s.items))
	rows, err := q.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*engine.PlanItemInstance
	for rows.Next() {
		var data string
		var rev int
		if err := rows.Scan(&data, &rev); err != nil {
			return nil, err
		}
		rec, err := decodePlanItem(data, rev)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// saveVersioned inserts when expected is 0 and otherwise updates guarded by
// the expected revision. Zero affected rows is a version conflict.
func (s *Store) saveVersioned(ctx context.Context, q queryer, insert, update string, insertArgs, updateArgs []any, expected int) (int, error) {
	if expected <= 0 {
		res, err := q.ExecContext(ctx, s.dialect.rebind(insert), insertArgs...)
		if err != nil {
			return 0, mapError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, engine.ErrStateVersionConflict
		}
		return 1, nil
	}
	res, err := q.ExecContext(ctx, s.dialect.rebind(update), updateArgs...)
	if err != nil {
		return 0, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, engine.ErrStateVersionConflict
	}
	return expected + 1, nil
}

func decodeCase(data string, rev int) (*engine.CaseInstance, error) {
	var rec engine.CaseInstance
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	rec.Revision = rev
	return &rec, nil
}

func decodePlanItem(data string, rev int) (*engine.PlanItemInstance, error) {
	var rec engine.PlanItemInstance
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode plan item: %w", err)
	}
	rec.Revision = rev
	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}
