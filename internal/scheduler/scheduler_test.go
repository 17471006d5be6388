package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// mockRunner records Execute calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	WorkflowID string
	Trigger    schema.TriggerPayload
}

func (r *mockRunner) Execute(_ context.Context, workflowID string, trigger schema.TriggerPayload) (*store.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{WorkflowID: workflowID, Trigger: trigger.Clone()})
	if r.err != nil {
		return nil, r.err
	}
	return &store.Run{ID: "run-1", WorkflowID: workflowID, Status: schema.RunStatusCompleted}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// syncDispatcher runs jobs inline so tests see their effects immediately.
type syncDispatcher struct {
	err error
}

func (d *syncDispatcher) Dispatch(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.err != nil {
		return d.err
	}
	_ = fn(ctx)
	return nil
}

func newTestScheduler(t *testing.T, runner Runner, pool Dispatcher) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(s, runner, pool, logger, Config{}), s
}

func saveScanWorkflow(t *testing.T, s *store.MemoryStore, id string, active bool, triggerConfig string) {
	t.Helper()
	require.NoError(t, s.SaveWorkflow(context.Background(), &schema.Workflow{
		ID:       id,
		TenantID: "t-1",
		Active:   active,
		Nodes: []schema.Node{
			{ID: "trig", Type: schema.NodeDBTrigger, Config: json.RawMessage(triggerConfig)},
			{ID: "send", Type: schema.NodeSendMessage, Config: json.RawMessage(`{}`)},
		},
		Edges: []schema.Edge{{Source: "trig", Target: "send"}},
	}))
}

const qualifiedScan = `{"table":"contacts","field":"status","condition":"equals","value":"qualified","scan_schedule":"* * * * *"}`

func TestTickDispatchesMatchingContacts(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true, qualifiedScan)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified", Phone: "+34600"}))
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-2", TenantID: "t-1", Status: "new"}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, "wf-1", call.WorkflowID)
	assert.Equal(t, schema.TriggerTypeDB, call.Trigger.TriggerType())
	assert.Equal(t, "contacts", call.Trigger.Table())
	assert.Equal(t, "status", call.Trigger.Field())
	assert.Equal(t, "qualified", call.Trigger.NewValue())
	assert.Equal(t, "c-1", call.Trigger.ContactID())
}

func TestTickDebouncesRepeatFirings(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true, qualifiedScan)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	require.Equal(t, 1, runner.callCount())

	// Next minute's scan sees the same contact but the debounce window
	// is still open.
	sched.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestTickRefiresAfterDebounceExpiry(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true,
		`{"table":"contacts","field":"status","condition":"equals","value":"qualified","scan_schedule":"* * * * *","debounce_hours":1}`)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	require.Equal(t, 1, runner.callCount())

	sched.now = func() time.Time { return time.Now().UTC().Add(90 * time.Minute) }
	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestTickSkipsChangedConditionInScans(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true,
		`{"table":"contacts","field":"status","condition":"changed","scan_schedule":"* * * * *"}`)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	assert.Zero(t, runner.callCount())
}

func TestTickSkipsInactiveWorkflows(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", false, qualifiedScan)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	assert.Zero(t, runner.callCount())
}

func TestTickSkipsTriggersWithoutScanSchedule(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true,
		`{"table":"contacts","field":"status","condition":"equals","value":"qualified"}`)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	assert.Zero(t, runner.callCount())
}

func TestTickHonorsCronSchedule(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	// Daily at midnight: the first sighting scans, then nothing until
	// the next boundary.
	saveScanWorkflow(t, s, "wf-1", true,
		`{"table":"contacts","field":"status","condition":"equals","value":"qualified","scan_schedule":"0 0 * * *"}`)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	require.Equal(t, 1, runner.callCount())

	// A brand-new matching contact appears, but the schedule is not due.
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-2", TenantID: "t-1", Status: "qualified"}))
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestTickSkipsBadScanSchedule(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true,
		`{"table":"contacts","field":"status","condition":"equals","value":"qualified","scan_schedule":"not a cron"}`)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	assert.Zero(t, runner.callCount())
}

func TestInflightDedupSkipsWithoutBurningDebounce(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true, qualifiedScan)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	require.True(t, sched.tryAcquire("wf-1", "c-1"))
	sched.tick(ctx)
	assert.Zero(t, runner.callCount(), "an in-flight pair is skipped")

	// The skip consumed no debounce row, so releasing lets the next due
	// scan fire normally.
	sched.release("wf-1", "c-1")
	sched.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDispatchFailureReleasesInflight(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{err: assert.AnError})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true, qualifiedScan)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	assert.Zero(t, runner.callCount())
	assert.True(t, sched.tryAcquire("wf-1", "c-1"), "the pair is not stuck in-flight")
}

func TestRunFailureStillReleasesInflight(t *testing.T) {
	runner := &mockRunner{err: assert.AnError}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true, qualifiedScan)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{ID: "c-1", TenantID: "t-1", Status: "qualified"}))

	sched.tick(ctx)
	require.Equal(t, 1, runner.callCount())
	assert.True(t, sched.tryAcquire("wf-1", "c-1"))
}

func TestTickQueriesCustomFields(t *testing.T) {
	runner := &mockRunner{}
	sched, s := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	saveScanWorkflow(t, s, "wf-1", true,
		`{"table":"contacts","field":"interest","condition":"contains","value":"solar","scan_schedule":"* * * * *"}`)
	require.NoError(t, s.CreateContact(ctx, &store.Contact{
		ID: "c-1", TenantID: "t-1", Custom: map[string]any{"interest": "solar panels"},
	}))

	sched.tick(ctx)
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "solar panels", runner.calls[0].Trigger.NewValue())
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{}
	sched, _ := newTestScheduler(t, runner, &syncDispatcher{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestFireHashChangesWithCondition(t *testing.T) {
	a := fireHash(schema.DBTriggerNodeConfig{Table: "contacts", Field: "status", Condition: "equals", Value: "qualified"})
	b := fireHash(schema.DBTriggerNodeConfig{Table: "contacts", Field: "status", Condition: "equals", Value: "lost"})
	assert.NotEqual(t, a, b, "editing the condition opens a new debounce window")
}
