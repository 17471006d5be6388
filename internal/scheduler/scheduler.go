package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// Runner executes one workflow for one trigger payload. Satisfied by
// *engine.Engine.
type Runner interface {
	Execute(ctx context.Context, workflowID string, trigger schema.TriggerPayload) (*store.Run, error)
}

// Dispatcher bounds concurrent run execution. Satisfied by *engine.RunPool.
type Dispatcher interface {
	Dispatch(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config tunes the scan loop.
type Config struct {
	// ScanInterval is the ticker period for the outer loop. Per-node cron
	// schedules decide which triggers actually scan on a given tick.
	ScanInterval time.Duration
	// QueryLimit caps how many contacts one trigger scan may match.
	QueryLimit int
	// DefaultDebounce applies when a db_trigger node sets no debounce_hours.
	DefaultDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 60 * time.Second
	}
	if c.QueryLimit <= 0 {
		c.QueryLimit = 500
	}
	if c.DefaultDebounce <= 0 {
		c.DefaultDebounce = 24 * time.Hour
	}
	return c
}

// Scheduler periodically scans active workflows for db_trigger nodes whose
// cron schedule is due, queries matching contacts, and dispatches one run
// per contact through the bounded pool. The store's trigger-fire table
// debounces repeat firings; an in-flight set prevents the same
// (workflow, contact) pair from running twice concurrently.
type Scheduler struct {
	store  store.Store
	runner Runner
	pool   Dispatcher
	parser cron.Parser
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	dueMu    sync.Mutex
	nextScan map[string]time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, runner Runner, pool Dispatcher, logger *slog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		pool:     pool,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
		nextScan: make(map[string]time.Time),
	}
}

// Start launches the background scan loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("scan_interval", s.cfg.ScanInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop shuts the loop down and waits for it to exit. Runs already handed
// to the pool keep going; Wait on the pool to drain them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

// tick walks every active workflow's db_trigger nodes and scans the due ones.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{ActiveOnly: true})
	if err != nil {
		s.logger.Error("list workflows for scan", slog.String("error", err.Error()))
		return
	}

	for _, wf := range workflows {
		for _, node := range wf.Nodes {
			if node.Type != schema.NodeDBTrigger {
				continue
			}
			var cfg schema.DBTriggerNodeConfig
			if err := json.Unmarshal(node.Config, &cfg); err != nil {
				s.logger.Warn("bad db_trigger config",
					slog.String("workflow_id", wf.ID),
					slog.String("node_id", node.ID),
					slog.String("error", err.Error()))
				continue
			}
			if cfg.ScanSchedule == "" {
				continue
			}
			if !s.due(wf.ID, node.ID, cfg.ScanSchedule, now) {
				continue
			}
			s.scanTrigger(ctx, wf, node, cfg, now)
		}
	}

	if _, err := s.store.PurgeTriggerFires(ctx, now); err != nil {
		s.logger.Warn("purge expired trigger fires", slog.String("error", err.Error()))
	}
}

// due reports whether a node's cron schedule has come around. A node seen
// for the first time scans immediately.
func (s *Scheduler) due(workflowID, nodeID, spec string, now time.Time) bool {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		s.logger.Warn("bad scan_schedule",
			slog.String("workflow_id", workflowID),
			slog.String("node_id", nodeID),
			slog.String("spec", spec),
			slog.String("error", err.Error()))
		return false
	}

	key := workflowID + "\x00" + nodeID
	s.dueMu.Lock()
	defer s.dueMu.Unlock()
	next, seen := s.nextScan[key]
	if seen && now.Before(next) {
		return false
	}
	s.nextScan[key] = sched.Next(now)
	return true
}

// scanTrigger queries contacts matching the node's condition and dispatches
// one run per fresh match.
func (s *Scheduler) scanTrigger(ctx context.Context, wf *schema.Workflow, node schema.Node, cfg schema.DBTriggerNodeConfig, now time.Time) {
	switch cfg.Condition {
	case "changed", "":
		// Scans see current state only; change detection needs the write
		// path to supply old_value.
		return
	}

	contacts, err := s.store.QueryContacts(ctx, store.ContactQuery{
		TenantID: wf.TenantID,
		Field:    cfg.Field,
		Op:       cfg.Condition,
		Value:    cfg.Value,
		Limit:    s.cfg.QueryLimit,
	})
	if err != nil {
		s.logger.Error("trigger scan query",
			slog.String("workflow_id", wf.ID),
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()))
		return
	}

	debounce := s.cfg.DefaultDebounce
	if cfg.DebounceHours > 0 {
		debounce = time.Duration(cfg.DebounceHours) * time.Hour
	}
	hash := fireHash(cfg)

	for _, ct := range contacts {
		if !s.tryAcquire(wf.ID, ct.ID) {
			continue
		}
		fresh, err := s.store.MarkTriggerFired(ctx, &store.TriggerFire{
			WorkflowID: wf.ID,
			NodeID:     node.ID,
			ContactID:  ct.ID,
			FireHash:   hash,
			FiredAt:    now,
			ExpiresAt:  now.Add(debounce),
		})
		if err != nil {
			s.release(wf.ID, ct.ID)
			s.logger.Error("mark trigger fired",
				slog.String("workflow_id", wf.ID),
				slog.String("contact_id", ct.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !fresh {
			s.release(wf.ID, ct.ID)
			continue
		}

		trigger := schema.TriggerPayload{
			schema.KeyTriggerType: schema.TriggerTypeDB,
			schema.KeyTable:       cfg.Table,
			schema.KeyField:       cfg.Field,
			schema.KeyCondition:   cfg.Condition,
			schema.KeyNewValue:    contactFieldValue(ct, cfg.Field),
			schema.KeyContactID:   ct.ID,
		}

		workflowID, contactID := wf.ID, ct.ID
		err = s.pool.Dispatch(ctx, func(runCtx context.Context) error {
			defer s.release(workflowID, contactID)
			if _, runErr := s.runner.Execute(runCtx, workflowID, trigger); runErr != nil {
				s.logger.Error("scheduled run failed",
					slog.String("workflow_id", workflowID),
					slog.String("contact_id", contactID),
					slog.String("error", runErr.Error()))
				return runErr
			}
			return nil
		})
		if err != nil {
			s.release(workflowID, contactID)
			s.logger.Error("dispatch scheduled run",
				slog.String("workflow_id", workflowID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) tryAcquire(workflowID, contactID string) bool {
	key := workflowID + "\x00" + contactID
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID, contactID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID+"\x00"+contactID)
}

// fireHash identifies one trigger configuration so that editing the node's
// condition opens a new debounce window.
func fireHash(cfg schema.DBTriggerNodeConfig) string {
	h := sha256.Sum256([]byte(cfg.Table + "\x00" + cfg.Field + "\x00" + cfg.Condition + "\x00" + cfg.Value))
	return hex.EncodeToString(h[:8])
}

// contactFieldValue mirrors the store's typed-column-vs-custom-map split so
// the synthesized payload carries the value the query matched on.
func contactFieldValue(ct *store.Contact, field string) string {
	switch field {
	case "name":
		return ct.Name
	case "phone":
		return ct.Phone
	case "chat_id":
		return ct.ChatID
	case "status":
		return ct.Status
	}
	if v, ok := ct.Custom[field]; ok && v != nil {
		if str, ok := v.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
