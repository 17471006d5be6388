package processors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

func delayAt(t *testing.T, now time.Time, config string) (*Result, time.Time, error) {
	t.Helper()
	deps, _, _ := newTestDeps(t)
	p := NewDelay(deps)
	p.now = func() time.Time { return now }

	in := testInput(schema.Node{ID: "wait", Type: schema.NodeDelay, Config: rawConfig(config)}, schema.TriggerPayload{})
	res, err := p.Process(context.Background(), in)
	return res, in.Context.ScheduledAt(), err
}

func TestDelayNoneSchedulesNow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	res, sched, err := delayAt(t, now, `{}`)
	require.NoError(t, err)
	assert.Equal(t, now, sched)
	assert.Equal(t, now.Format(time.RFC3339), res.Output["scheduled_at"])
}

func TestDelayRelativeOffset(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, sched, err := delayAt(t, now, `{"mode":"relative","offset":"90m"}`)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Minute), sched)
}

func TestDelayRelativeRejectsBadOffset(t *testing.T) {
	now := time.Now()
	_, _, err := delayAt(t, now, `{"mode":"relative","offset":"-5m"}`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.ErrorCode(err))

	_, _, err = delayAt(t, now, `{"mode":"relative","offset":"soon"}`)
	require.Error(t, err)
}

func TestDelayAutoWindowBeforeOpening(t *testing.T) {
	now := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
	_, sched, err := delayAt(t, now, `{"mode":"auto_window","window_start":"09:00","window_end":"18:00","jitter_max_seconds":5}`)
	require.NoError(t, err)

	windowStart := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	assert.True(t, sched.After(windowStart), "jitter pushes past the window start")
	assert.True(t, sched.Before(windowStart.Add(6*time.Second)))
}

func TestDelayAutoWindowInsideWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	_, sched, err := delayAt(t, now, `{"mode":"auto_window","jitter_max_seconds":5}`)
	require.NoError(t, err)
	assert.True(t, sched.After(now))
	assert.True(t, sched.Before(now.Add(6*time.Second)))
}

func TestDelayAutoWindowAfterClosing(t *testing.T) {
	now := time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)
	_, sched, err := delayAt(t, now, `{"mode":"auto_window","window_start":"09:00","window_end":"18:00","jitter_max_seconds":5}`)
	require.NoError(t, err)

	nextStart := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	assert.True(t, sched.After(nextStart), "after the window the send waits for tomorrow")
	assert.True(t, sched.Before(nextStart.Add(6*time.Second)))
}

func TestDelayAutoWindowBadTimezone(t *testing.T) {
	_, _, err := delayAt(t, time.Now(), `{"mode":"auto_window","timezone":"Mars/Olympus"}`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.ErrorCode(err))
}

func TestDelayUnknownMode(t *testing.T) {
	_, _, err := delayAt(t, time.Now(), `{"mode":"quantum"}`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.ErrorCode(err))
}
