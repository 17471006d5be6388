package processors

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// defaultJitterMaxSeconds spreads auto-window sends so a scan over many
// contacts does not fire a burst at the exact window boundary.
const defaultJitterMaxSeconds = 30

// Delay computes the pacing timestamp for downstream send nodes. It never
// sleeps itself: the timestamp goes into the context and the send processor
// decides how much of it to honor.
type Delay struct {
	deps Deps
	now  func() time.Time
}

// NewDelay creates a Delay processor.
func NewDelay(deps Deps) *Delay {
	return &Delay{deps: deps, now: time.Now}
}

func (p *Delay) Type() schema.NodeType {
	return schema.NodeDelay
}

func (p *Delay) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.DelayNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}

	var scheduledAt time.Time
	var err *schema.FlowError
	switch cfg.Mode {
	case "auto_window":
		scheduledAt, err = p.autoWindow(cfg)
	case "relative":
		scheduledAt, err = p.relative(cfg)
	case "", "none":
		scheduledAt = p.now().UTC()
	default:
		err = schema.NewErrorf(schema.ErrCodeConfig, "unknown delay mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err.WithNode(in.Node.ID)
	}

	in.Context.SetScheduledAt(scheduledAt)
	return &Result{Output: map[string]any{
		"scheduled_at": scheduledAt.Format(time.RFC3339),
		"mode":         cfg.Mode,
	}}, nil
}

// autoWindow returns a near-immediate timestamp inside the configured
// work-hours window, otherwise the next window start, jittered either way.
func (p *Delay) autoWindow(cfg schema.DelayNodeConfig) (time.Time, *schema.FlowError) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfig,
				"unknown timezone %q", cfg.Timezone)
		}
		loc = l
	}

	start, err := parseClock(cfg.WindowStart, 9, 0)
	if err != nil {
		return time.Time{}, err
	}
	end, err := parseClock(cfg.WindowEnd, 18, 0)
	if err != nil {
		return time.Time{}, err
	}

	now := p.now().In(loc)
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), start.hour, start.minute, 0, 0, loc)
	windowEnd := time.Date(now.Year(), now.Month(), now.Day(), end.hour, end.minute, 0, 0, loc)

	jitterMax := cfg.JitterMaxSeconds
	if jitterMax <= 0 {
		jitterMax = defaultJitterMaxSeconds
	}
	jitter := time.Duration(rand.Intn(jitterMax)+1) * time.Second

	switch {
	case now.Before(windowStart):
		return windowStart.Add(jitter).UTC(), nil
	case now.Before(windowEnd):
		return now.Add(jitter).UTC(), nil
	default:
		return windowStart.AddDate(0, 0, 1).Add(jitter).UTC(), nil
	}
}

func (p *Delay) relative(cfg schema.DelayNodeConfig) (time.Time, *schema.FlowError) {
	offset, err := time.ParseDuration(cfg.Offset)
	if err != nil || offset < 0 {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfig,
			"invalid relative delay offset %q", cfg.Offset)
	}
	return p.now().Add(offset).UTC(), nil
}

type clock struct {
	hour, minute int
}

// parseClock reads an "HH:MM" work-hours boundary.
func parseClock(s string, defaultHour, defaultMinute int) (clock, *schema.FlowError) {
	if s == "" {
		return clock{defaultHour, defaultMinute}, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, schema.NewErrorf(schema.ErrCodeConfig,
			"invalid window time %q, want HH:MM", s)
	}
	return clock{t.Hour(), t.Minute()}, nil
}
