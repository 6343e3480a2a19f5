package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/engine"
)

const claimsDefinition = `
key: claims
name: Insurance claim
plan:
  children:
    - id: review
      type: human-task
      required: true
    - id: payout
      type: human-task
      entry_criteria: [approved]
    - id: reminder
      type: timer-event-listener
      timer: 100ms
sentries:
  - id: approved
    on:
      - source: review
        event: complete
    if: "amount > 100"
`

type cliHarness struct {
	t    *testing.T
	base []string
}

func newCLIHarness(t *testing.T, store string) *cliHarness {
	t.Helper()
	dir := t.TempDir()
	defs := filepath.Join(dir, "definitions")
	require.NoError(t, os.MkdirAll(defs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(defs, "claims.yaml"), []byte(claimsDefinition), 0o644))
	return &cliHarness{t: t, base: []string{
		"--store", store,
		"--db", filepath.Join(dir, "cmmn."+store),
		"--definitions", defs,
		"--log-level", "error",
	}}
}

func (h *cliHarness) run(args ...string) (string, error) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append(append([]string{}, h.base...), args...), &stdout, &stderr)
	return stdout.String(), err
}

func (h *cliHarness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "cmmn %s", strings.Join(args, " "))
	return out
}

type shown struct {
	Case  engine.CaseInstance        `json:"case"`
	Items []*engine.PlanItemInstance `json:"plan_items"`
}

func (h *cliHarness) show(caseID string) shown {
	h.t.Helper()
	var got shown
	require.NoError(h.t, json.Unmarshal([]byte(h.mustRun("show", caseID, "--json")), &got))
	return got
}

func (s shown) state(defID string) engine.PlanItemState {
	for i := len(s.Items) - 1; i >= 0; i-- {
		if s.Items[i].DefinitionID == defID {
			return s.Items[i].State
		}
	}
	return ""
}

func TestCLICaseLifecycle(t *testing.T) {
	for _, store := range []string{"sqlite", "bolt"} {
		t.Run(store, func(t *testing.T) {
			h := newCLIHarness(t, store)

			assert.Contains(t, h.mustRun("definitions"), "claims")

			out := h.mustRun("start", "claims", "amount=500", "--id", "c1", "--business-key", "CLM-1")
			assert.Equal(t, "c1\n", out)

			got := h.show("c1")
			assert.Equal(t, engine.CaseActive, got.Case.State)
			assert.EqualValues(t, 500, got.Case.Variables["amount"])
			assert.Equal(t, engine.StateActive, got.state("review"))
			assert.Equal(t, engine.StateUnavailable, got.state("payout"))

			h.mustRun("trigger", "c1/review")
			got = h.show("c1")
			assert.Equal(t, engine.StateCompleted, got.state("review"))
			assert.Equal(t, engine.StateActive, got.state("payout"))

			h.mustRun("set-var", "c1", "paid=true", "note=first payment")
			h.mustRun("set-var", "--item", "c1/payout", "reference=TX-9")
			h.mustRun("business-status", "c1", "paying")
			got = h.show("c1")
			assert.Equal(t, true, got.Case.Variables["paid"])
			assert.Equal(t, "first payment", got.Case.Variables["note"])
			assert.Equal(t, "paying", got.Case.BusinessStatus)

			listing := h.mustRun("show")
			assert.Contains(t, listing, "c1")
			assert.Contains(t, listing, "CLM-1")

			h.mustRun("terminate", "c1")
			assert.Equal(t, engine.CaseTerminated, h.show("c1").Case.State)

			_, err := h.run("terminate", "c1")
			assert.True(t, engine.IsIllegalTransition(err))
		})
	}
}

func TestCLIWorkFiresTimers(t *testing.T) {
	h := newCLIHarness(t, "sqlite")
	h.mustRun("start", "claims", "--id", "c2")
	assert.Equal(t, engine.StateActive, h.show("c2").state("reminder"))

	h.mustRun("work", "--until-idle", "--for", "5s")
	assert.Equal(t, engine.StateCompleted, h.show("c2").state("reminder"))
}

func TestCLIRejectsBadInput(t *testing.T) {
	h := newCLIHarness(t, "sqlite")

	_, err := h.run("start", "claims", "novalue")
	assert.ErrorContains(t, err, "must be key=value")

	_, err = h.run("trigger", "missing/review")
	assert.Error(t, err)

	_, err = h.run("start", "unknown")
	assert.Error(t, err)
}

func TestParseVarsKeepsScalarTypes(t *testing.T) {
	vars, err := parseVars([]string{"n=3", "ok=false", "name=ada", "ratio=0.5", "empty="})
	require.NoError(t, err)
	assert.Equal(t, 3, vars["n"])
	assert.Equal(t, false, vars["ok"])
	assert.Equal(t, "ada", vars["name"])
	assert.Equal(t, 0.5, vars["ratio"])
	assert.Nil(t, vars["empty"])
}
