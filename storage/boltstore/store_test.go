package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/engine/storetest"
	"github.com/goliatone/go-cmmn/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cmmn.bolt"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store { return openStore(t) })
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cmmn.bolt")

	s, err := Open(path, 0)
	require.NoError(t, err)
	eng := engine.New(engine.WithLogger(engine.NopLogger()), engine.WithStore(s))
	b := model.NewCase("intake")
	b.Plan().HumanTask("triage").Required()
	b.Plan().Milestone("received")
	_, err = eng.Deploy(b.MustBuild())
	require.NoError(t, err)

	kase, err := eng.StartCase(ctx, engine.StartCaseRequest{DefinitionRef: "intake"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, 0)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadCase(ctx, kase.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, engine.CaseActive, got.State)

	items, err := s.ListPlanItems(ctx, kase.ID)
	require.NoError(t, err)
	states := map[string]engine.PlanItemState{}
	for _, item := range items {
		states[item.DefinitionID] = item.State
	}
	assert.Equal(t, engine.StateActive, states["triage"])
	assert.Equal(t, engine.StateCompleted, states["received"])
}
