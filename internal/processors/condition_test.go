package processors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

func conditionInput(config string, trigger schema.TriggerPayload) Input {
	return testInput(schema.Node{
		ID:     "cond",
		Type:   schema.NodeCondition,
		Config: rawConfig(config),
	}, trigger)
}

func TestConditionClauseOperators(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	cases := []struct {
		name    string
		config  string
		trigger schema.TriggerPayload
		expect  bool
	}{
		{
			"equals true",
			`{"clauses":[{"field":"trigger.status","operator":"equals","value":"hot"}]}`,
			schema.TriggerPayload{"status": "hot"},
			true,
		},
		{
			"not_equals",
			`{"clauses":[{"field":"trigger.status","operator":"not_equals","value":"cold"}]}`,
			schema.TriggerPayload{"status": "hot"},
			true,
		},
		{
			"contains",
			`{"clauses":[{"field":"trigger.message","operator":"contains","value":"precio"}]}`,
			schema.TriggerPayload{"message": "cual es el precio?"},
			true,
		},
		{
			"not_contains",
			`{"clauses":[{"field":"trigger.message","operator":"not_contains","value":"baja"}]}`,
			schema.TriggerPayload{"message": "hola"},
			true,
		},
		{
			"is_empty on missing path",
			`{"clauses":[{"field":"trigger.nothing","operator":"is_empty"}]}`,
			schema.TriggerPayload{},
			true,
		},
		{
			"is_not_empty",
			`{"clauses":[{"field":"trigger.message","operator":"is_not_empty"}]}`,
			schema.TriggerPayload{"message": "x"},
			true,
		},
		{
			"gt numeric",
			`{"clauses":[{"field":"trigger.score","operator":"gt","value":"50"}]}`,
			schema.TriggerPayload{"score": 72},
			true,
		},
		{
			"lte numeric",
			`{"clauses":[{"field":"trigger.score","operator":"lte","value":"72"}]}`,
			schema.TriggerPayload{"score": 72},
			true,
		},
		{
			"between inclusive",
			`{"clauses":[{"field":"trigger.score","operator":"between","value":"10,72"}]}`,
			schema.TriggerPayload{"score": 72},
			true,
		},
		{
			"between outside",
			`{"clauses":[{"field":"trigger.score","operator":"between","value":"10,50"}]}`,
			schema.TriggerPayload{"score": 72},
			false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := conditionInput(tc.config, tc.trigger)
			res, err := p.Process(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, res.Output["result"])
			wantBranch := schema.BranchFalse
			if tc.expect {
				wantBranch = schema.BranchTrue
			}
			assert.Equal(t, wantBranch, res.Branch)
		})
	}
}

func TestConditionDaysAgo(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	old := time.Now().AddDate(0, 0, -10).Format("2006-01-02")
	in := conditionInput(
		`{"clauses":[{"field":"trigger.last_contacted","operator":"days_ago","value":"7"}]}`,
		schema.TriggerPayload{"last_contacted": old},
	)
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["result"])

	recent := time.Now().AddDate(0, 0, -2).Format("2006-01-02")
	in = conditionInput(
		`{"clauses":[{"field":"trigger.last_contacted","operator":"days_ago","value":"7"}]}`,
		schema.TriggerPayload{"last_contacted": recent},
	)
	res, err = p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, false, res.Output["result"])
}

func TestConditionCombineModes(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	clauses := `[{"field":"trigger.a","operator":"equals","value":"1"},{"field":"trigger.b","operator":"equals","value":"2"}]`
	trigger := schema.TriggerPayload{"a": "1", "b": "wrong"}

	in := conditionInput(`{"clauses":`+clauses+`}`, trigger)
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, false, res.Output["result"], "and requires every clause")

	in = conditionInput(`{"clauses":`+clauses+`,"combine":"or"}`, trigger)
	res, err = p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["result"], "or requires one clause")
}

func TestConditionClauseValueResolvesPlaceholders(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	in := conditionInput(
		`{"clauses":[{"field":"trigger.city","operator":"equals","value":"{{trigger.expected_city}}"}]}`,
		schema.TriggerPayload{"city": "Madrid", "expected_city": "Madrid"},
	)
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["result"])
}

func TestConditionCustomerScope(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	in := conditionInput(
		`{"clauses":[{"field":"customer.interest","operator":"equals","value":"solar"}]}`,
		schema.TriggerPayload{},
	)
	in.Context.SetContact(&store.Contact{
		ID: "c-1", TenantID: "tenant-1",
		Custom: map[string]any{"interest": "solar"},
	})

	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["result"])
}

func TestConditionExpressionTree(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	expr := fmt.Sprintf(`{"expression":%s}`, `{"op":"and","args":[
		{"var":"trigger.score","op":">","value":50},
		{"op":"or","args":[
			{"var":"trigger.city","op":"==","value":"Madrid"},
			{"var":"trigger.city","op":"==","value":"Sevilla"}
		]}
	]}`)

	in := conditionInput(expr, schema.TriggerPayload{"score": 72, "city": "Sevilla"})
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["result"])
	assert.Equal(t, schema.BranchTrue, res.Branch)
}

func TestConditionEvaluationErrorTakesDefaultBranch(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	in := conditionInput(
		`{"clauses":[{"field":"trigger.name","operator":"gt","value":"5"}],"default_branch":"true"}`,
		schema.TriggerPayload{"name": "not-a-number"},
	)
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err, "evaluation failures route, they do not fail the run")
	assert.Equal(t, schema.BranchTrue, res.Branch)
	assert.Contains(t, res.Output["evaluation_error"], "not numeric")
}

func TestConditionEmptyConfigDefaultsToFalseBranch(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewCondition(deps)

	in := conditionInput(`{}`, schema.TriggerPayload{})
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, schema.BranchFalse, res.Branch)
}
