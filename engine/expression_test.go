package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableEvaluator(t *testing.T) {
	ev := VariableEvaluator{}
	ctx := context.Background()
	vars := map[string]any{"approved": true, "count": 0, "name": "ana"}

	cases := map[string]bool{
		"approved":  true,
		"!approved": false,
		"count":     false,
		"name":      true,
		"missing":   false,
		"!missing":  true,
		"true":      true,
		" false ":   false,
	}
	for expr, want := range cases {
		got, err := ev.Evaluate(ctx, expr, vars)
		require.NoError(t, err, expr)
		assert.Equal(t, want, Truthy(got), expr)
	}

	_, err := ev.Evaluate(ctx, "", vars)
	assert.Error(t, err)
	_, err = ev.Evaluate(ctx, "count > 1", vars)
	assert.Error(t, err)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy(""))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(int32(2)))
	assert.False(t, Truthy(uint8(0)))
	assert.False(t, Truthy(float32(0)))
	assert.False(t, Truthy([]string{}))
	assert.True(t, Truthy(map[string]any{"a": 1}))
	assert.True(t, Truthy(struct{}{}))
}
