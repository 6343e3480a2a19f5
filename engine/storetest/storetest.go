// Package storetest holds a conformance suite shared by engine.Store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/model"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) engine.Store

// Run exercises the full Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("case revisions", func(t *testing.T) { testCaseRevisions(t, newStore(t)) })
	t.Run("plan items", func(t *testing.T) { testPlanItems(t, newStore(t)) })
	t.Run("sentry parts", func(t *testing.T) { testSentryParts(t, newStore(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
}

func sampleCase(id string) *engine.CaseInstance {
	return &engine.CaseInstance{
		ID:            id,
		DefinitionID:  "claim:1",
		DefinitionKey: "claim",
		State:         engine.CaseActive,
		StartTime:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		BusinessKey:   "bk-" + id,
		Variables:     map[string]any{"amount": "12.50", "approved": true},
		PlanItemSeq:   2,
	}
}

func sampleItem(caseID, id string, seq int) *engine.PlanItemInstance {
	started := time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC)
	return &engine.PlanItemInstance{
		ID:             id,
		CaseInstanceID: caseID,
		DefinitionID:   "task-" + id,
		Type:           model.TypeHumanTask,
		State:          engine.StateActive,
		Seq:            seq,
		CreatedAt:      started,
		StartedAt:      &started,
		LocalVariables: map[string]any{"note": "x"},
	}
}

func save(t *testing.T, store engine.Store, fn func(tx engine.Tx) error) error {
	t.Helper()
	return store.RunInTransaction(context.Background(), fn)
}

func testCaseRevisions(t *testing.T, store engine.Store) {
	ctx := context.Background()
	rec := sampleCase("c1")

	var rev int
	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		var err error
		rev, err = tx.SaveCase(ctx, rec, 0)
		return err
	}))
	assert.Equal(t, 1, rev)

	got, err := store.LoadCase(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Revision)
	assert.Equal(t, engine.CaseActive, got.State)
	assert.Equal(t, "bk-c1", got.BusinessKey)
	assert.Equal(t, "claim", got.DefinitionKey)
	assert.Equal(t, 2, got.PlanItemSeq)
	assert.Equal(t, "12.50", got.Variables["amount"])
	assert.Equal(t, true, got.Variables["approved"])
	assert.True(t, rec.StartTime.Equal(got.StartTime))

	err = save(t, store, func(tx engine.Tx) error {
		_, err := tx.SaveCase(ctx, rec, 0)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrStateVersionConflict))

	rec.State = engine.CaseCompleted
	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		var err error
		rev, err = tx.SaveCase(ctx, rec, 1)
		return err
	}))
	assert.Equal(t, 2, rev)

	missing, err := store.LoadCase(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		_, err := tx.SaveCase(ctx, sampleCase("c2"), 0)
		return err
	}))
	cases, err := store.ListCases(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 2)
}

func testPlanItems(t *testing.T, store engine.Store) {
	ctx := context.Background()
	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		if _, err := tx.SaveCase(ctx, sampleCase("c1"), 0); err != nil {
			return err
		}
		for _, item := range []*engine.PlanItemInstance{
			sampleItem("c1", "b", 2),
			sampleItem("c1", "a", 1),
			sampleItem("c2", "z", 1),
		} {
			if _, err := tx.SavePlanItem(ctx, item, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	items, err := store.ListPlanItems(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
	assert.Equal(t, 1, items[0].Revision)
	require.NotNil(t, items[0].StartedAt)
	assert.Equal(t, "x", items[0].LocalVariables["note"])

	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		listed, err := tx.ListPlanItems(ctx, "c1")
		if err != nil {
			return err
		}
		listed[0].State = engine.StateCompleted
		_, err = tx.SavePlanItem(ctx, listed[0], listed[0].Revision)
		return err
	}))

	got, err := store.LoadPlanItem(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, engine.StateCompleted, got.State)
	assert.Equal(t, 2, got.Revision)

	err = save(t, store, func(tx engine.Tx) error {
		_, err := tx.SavePlanItem(ctx, sampleItem("c1", "a", 1), 1)
		return err
	})
	assert.True(t, errors.Is(err, engine.ErrStateVersionConflict))

	missing, err := store.LoadPlanItem(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testSentryParts(t *testing.T, store engine.Store) {
	ctx := context.Background()
	fired := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	parts := []*engine.SentryPartInstance{
		{CaseInstanceID: "c1", PlanItemInstanceID: "x", SentryID: "s1", OnPart: "a#complete", FiredAt: fired},
		{CaseInstanceID: "c1", PlanItemInstanceID: "x", SentryID: "s1", OnPart: "b#complete", FiredAt: fired},
		{CaseInstanceID: "c1", PlanItemInstanceID: "x", SentryID: "s2", OnPart: "a#complete", FiredAt: fired},
	}
	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		for _, p := range parts {
			if err := tx.SaveSentryPart(ctx, p); err != nil {
				return err
			}
		}
		// saving twice keeps a single record
		return tx.SaveSentryPart(ctx, parts[0])
	}))

	var listed []*engine.SentryPartInstance
	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		var err error
		listed, err = tx.ListSentryParts(ctx, "c1")
		return err
	}))
	assert.Len(t, listed, 3)

	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		if err := tx.DeleteSentryParts(ctx, "c1", "x", "s1"); err != nil {
			return err
		}
		var err error
		listed, err = tx.ListSentryParts(ctx, "c1")
		return err
	}))
	require.Len(t, listed, 1)
	assert.Equal(t, "s2", listed[0].SentryID)
}

func testRollback(t *testing.T, store engine.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := save(t, store, func(tx engine.Tx) error {
		if _, err := tx.SaveCase(ctx, sampleCase("c1"), 0); err != nil {
			return err
		}
		if _, err := tx.SavePlanItem(ctx, sampleItem("c1", "a", 1), 0); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, engine.OutboxEntry{CaseInstanceID: "c1", Topic: "t"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.LoadCase(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
	item, err := store.LoadPlanItem(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, item)
	claimed, err := store.ClaimOutbox(ctx, "w", 10, time.Now(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func testOutbox(t *testing.T, store engine.Store) {
	ctx := context.Background()
	require.NoError(t, save(t, store, func(tx engine.Tx) error {
		for _, topic := range []string{"job.enqueue", "job.cancel", "case.child.start"} {
			err := tx.AppendOutbox(ctx, engine.OutboxEntry{
				CaseInstanceID: "c1",
				Topic:          topic,
				Payload:        []byte(`{"id":"` + topic + `"}`),
				Metadata:       map[string]any{"cascade_id": "cx"},
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	now := time.Now()
	lease := now.Add(time.Minute)
	first, err := store.ClaimOutbox(ctx, "w1", 2, now, lease)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, engine.OutboxStatusLeased, first[0].Status)
	assert.Equal(t, "w1", first[0].LeaseOwner)
	assert.Equal(t, 1, first[0].Attempts)
	assert.NotEmpty(t, first[0].ID)
	assert.Equal(t, "cx", first[0].Metadata["cascade_id"])

	second, err := store.ClaimOutbox(ctx, "w2", 10, now, lease)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[1].ID, second[0].ID)

	require.NoError(t, store.MarkOutboxCompleted(ctx, first[0].ID))
	require.NoError(t, store.MarkOutboxFailed(ctx, first[1].ID, time.Now().Add(time.Hour), "queue offline"))
	require.NoError(t, store.MarkOutboxFailed(ctx, second[0].ID, time.Now().Add(-time.Second), "retry now"))

	again, err := store.ClaimOutbox(ctx, "w3", 10, now, lease)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, second[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)
	assert.Equal(t, "retry now", again[0].LastError)
	assert.JSONEq(t, `{"id":"case.child.start"}`, string(again[0].Payload))

	// a later clock sees the expired lease and the delayed retry
	later := now.Add(2 * time.Hour)
	future, err := store.ClaimOutbox(ctx, "w4", 10, later, later.Add(time.Minute))
	require.NoError(t, err)
	ids := make([]string, 0, len(future))
	for _, entry := range future {
		ids = append(ids, entry.ID)
	}
	assert.ElementsMatch(t, []string{first[1].ID, second[0].ID}, ids)

	assert.Error(t, store.MarkOutboxCompleted(ctx, "missing"))
}
