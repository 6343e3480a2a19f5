package prommetrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/model"
)

func TestCollectorRecordsCommandsAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	col, err := New(reg, "test")
	require.NoError(t, err)

	ctx := context.Background()
	eng := engine.New(
		engine.WithLogger(engine.NopLogger()),
		engine.WithMetrics(col),
		engine.WithListeners(col),
	)
	b := model.NewCase("claim")
	b.Plan().HumanTask("review").Required()
	_, err = eng.Deploy(b.MustBuild())
	require.NoError(t, err)

	kase, err := eng.StartCase(ctx, engine.StartCaseRequest{DefinitionRef: "claim"})
	require.NoError(t, err)
	items, err := eng.ListPlanItems(ctx, kase.ID)
	require.NoError(t, err)

	var review string
	for _, item := range items {
		if item.DefinitionID == "review" {
			review = item.ID
		}
	}
	require.NoError(t, eng.TriggerPlanItem(ctx, review))
	assert.Error(t, eng.TriggerPlanItem(ctx, review))

	assert.Equal(t, 1.0, testutil.ToFloat64(col.commands.WithLabelValues("trigger", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.commands.WithLabelValues("trigger", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.casesEnded.WithLabelValues(string(engine.CaseCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.events.WithLabelValues(string(engine.EventCaseStarted), "")))
	assert.Equal(t, 2, testutil.CollectAndCount(col.commandDuration))
}

func TestCollectorCountsJobFailures(t *testing.T) {
	col, err := New(prometheus.NewRegistry(), "")
	require.NoError(t, err)
	require.NoError(t, col.OnEvent(context.Background(), engine.Event{Type: engine.EventJobFailed}))
	col.RecordDuration("start", 20*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(col.jobsFailed))
}

func TestRegisteringTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "dup")
	require.NoError(t, err)
	_, err = New(reg, "dup")
	assert.Error(t, err)
}
