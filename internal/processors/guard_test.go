package processors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

func guardInput(config string, bodies []string) Input {
	in := testInput(schema.Node{
		ID:     "guard",
		Type:   schema.NodeComplianceGuard,
		Config: rawConfig(config),
	}, schema.TriggerPayload{})
	in.Context.SetPendingMessages(bodies, nil)
	return in
}

func TestGuardPassesCleanText(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewComplianceGuard(deps)

	res, err := p.Process(context.Background(), guardInput(
		`{"blocklist":["gratis total"]}`,
		[]string{"Hola, te enviamos la oferta."},
	))
	require.NoError(t, err)
	assert.Equal(t, schema.BranchPass, res.Branch)
	assert.Equal(t, true, res.Output["passed"])
	assert.Empty(t, res.Output["violations"])
}

func TestGuardBlocklistIsCaseInsensitive(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewComplianceGuard(deps)

	res, err := p.Process(context.Background(), guardInput(
		`{"blocklist":["GRATIS Total"]}`,
		[]string{"Llevate todo gratis total hoy"},
	))
	require.NoError(t, err)
	assert.Equal(t, schema.BranchFail, res.Branch)
	violations := res.Output["violations"].([]string)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "blocked term")
}

func TestGuardURLAllowList(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewComplianceGuard(deps)

	res, err := p.Process(context.Background(), guardInput(
		`{"allowed_domains":["flowtalk.io"]}`,
		[]string{"Mira https://docs.flowtalk.io/precios y https://spam.example.com/x"},
	))
	require.NoError(t, err)
	assert.Equal(t, schema.BranchFail, res.Branch)
	violations := res.Output["violations"].([]string)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "spam.example.com")
}

func TestGuardSubdomainsOfAllowedDomainPass(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewComplianceGuard(deps)

	res, err := p.Process(context.Background(), guardInput(
		`{"allowed_domains":["flowtalk.io"]}`,
		[]string{"https://app.flowtalk.io/workflows"},
	))
	require.NoError(t, err)
	assert.Equal(t, schema.BranchPass, res.Branch)
}

func TestGuardNoPendingTextPasses(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewComplianceGuard(deps)

	res, err := p.Process(context.Background(), guardInput(`{"blocklist":["x"]}`, nil))
	require.NoError(t, err)
	assert.Equal(t, schema.BranchPass, res.Branch)
}

func TestGuardDoesNotConsumePendingMessages(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	p := NewComplianceGuard(deps)

	in := guardInput(`{}`, []string{"hola"})
	_, err := p.Process(context.Background(), in)
	require.NoError(t, err)

	bodies, _ := in.Context.TakePendingMessages()
	assert.Equal(t, []string{"hola"}, bodies, "the guard only inspects, the send node consumes")
}
