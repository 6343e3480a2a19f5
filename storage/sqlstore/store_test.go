package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/engine/storetest"
	"github.com/goliatone/go-cmmn/model"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Dialect: DialectSQLite,
		DSN:     filepath.Join(t.TempDir(), "cmmn.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		return New(openSQLite(t), DialectSQLite, "")
	})
}

func TestPostgresStoreConformance(t *testing.T) {
	dsn := os.Getenv("CMMN_POSTGRES_URL")
	if dsn == "" {
		t.Skip("CMMN_POSTGRES_URL not set")
	}
	storetest.Run(t, func(t *testing.T) engine.Store {
		db, err := Open(context.Background(), Config{Dialect: DialectPostgres, DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		// one prefix per subtest keeps runs isolated
		prefix := "cmmn_" + filepath.Base(t.Name())
		return New(db, DialectPostgres, sanitize(prefix))
	})
}

func sanitize(name string) string {
	out := []rune(name)
	for i, r := range out {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			out[i] = '_'
		}
	}
	return string(out)
}

func TestEngineRunsOnSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store := New(openSQLite(t), DialectSQLite, "claims")
	eng := engine.New(engine.WithLogger(engine.NopLogger()), engine.WithStore(store))

	b := model.NewCase("claim")
	b.Plan().HumanTask("review").Required().Case().
		Sentry("after-review").On("review", model.TransitionComplete).Case().
		Plan().HumanTask("payout").Entry("after-review")
	def, err := b.Build()
	require.NoError(t, err)
	_, err = eng.Deploy(def)
	require.NoError(t, err)

	kase, err := eng.StartCase(ctx, engine.StartCaseRequest{DefinitionRef: "claim", BusinessKey: "CL-1"})
	require.NoError(t, err)

	items, err := eng.ListPlanItems(ctx, kase.ID)
	require.NoError(t, err)
	byDef := map[string]*engine.PlanItemInstance{}
	for _, item := range items {
		byDef[item.DefinitionID] = item
	}
	require.Contains(t, byDef, "payout")
	assert.Equal(t, engine.StateUnavailable, byDef["payout"].State)
	assert.Equal(t, engine.StateActive, byDef["review"].State)

	require.NoError(t, eng.TriggerPlanItem(ctx, byDef["review"].ID))

	payout, err := eng.GetPlanItem(ctx, byDef["payout"].ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, payout.State)

	got, err := eng.GetCase(ctx, kase.ID)
	require.NoError(t, err)
	assert.Equal(t, "CL-1", got.BusinessKey)
	assert.Greater(t, got.Revision, 1)
}

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a = ? WHERE id = ? AND rev = ?`
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, `UPDATE t SET a = $1 WHERE id = $2 AND rev = $3`, DialectPostgres.rebind(q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)

	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}

func TestMapErrorTurnsContentionIntoVersionConflict(t *testing.T) {
	assert.True(t, errors.Is(mapError(&pgconn.PgError{Code: "40001", Message: "could not serialize"}), engine.ErrStateVersionConflict))
	assert.True(t, errors.Is(mapError(errors.New("database is locked (5) (SQLITE_BUSY)")), engine.ErrStateVersionConflict))

	other := &pgconn.PgError{Code: "42P01"}
	assert.Same(t, error(other), mapError(other))
	assert.Nil(t, mapError(nil))
}
