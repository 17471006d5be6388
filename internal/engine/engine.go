// Package engine owns the workflow execution loop: it loads a graph
// definition, walks its edges node by node, dispatches each node to its
// step processor, and records runs and steps durably along the way.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowtalk-io/flowtalk/internal/expressions"
	"github.com/flowtalk-io/flowtalk/internal/logging"
	"github.com/flowtalk-io/flowtalk/internal/processors"
	"github.com/flowtalk-io/flowtalk/internal/store"
	"github.com/flowtalk-io/flowtalk/internal/streaming"
	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// DefaultMaxSteps caps the steps one run may record. Validation warns on
// cycles instead of rejecting them; this guard makes a cyclic definition
// that slipped through terminate instead of walking forever.
const DefaultMaxSteps = 256

// Config tunes engine limits.
type Config struct {
	MaxSteps        int
	StoreAttempts   int
	StoreRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = defaultStoreAttempts
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = defaultStoreDelay
	}
	return c
}

// Engine executes workflows. Every invocation is independent: the engine
// holds no mutable per-run state, so one instance serves any number of
// concurrent runs.
type Engine struct {
	store    store.Store
	registry *processors.Registry
	hub      streaming.EventHub
	logger   *slog.Logger
	cfg      Config
}

// New creates an Engine.
func New(s store.Store, registry *processors.Registry, hub streaming.EventHub, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    s,
		registry: registry,
		hub:      hub,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Execute runs one workflow for one trigger payload and returns the
// terminal run record. The returned error, when non-nil, is the error that
// failed the run; the run record is still returned once it was created.
func (e *Engine) Execute(ctx context.Context, workflowID string, trigger schema.TriggerPayload) (*store.Run, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not active", workflowID)
	}

	graph, err := BuildGraph(wf)
	if err != nil {
		return nil, err
	}
	start, err := graph.StartNode()
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		Status:     schema.RunStatusRunning,
		Trigger:    trigger,
		StartedAt:  time.Now().UTC(),
	}
	if err := withStoreRetry(ctx, e.cfg.StoreAttempts, e.cfg.StoreRetryDelay, func() error {
		return e.store.CreateRun(ctx, run)
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %v", err).WithCause(err)
	}

	ctx = logging.WithRun(ctx, run.ID, wf.ID, wf.TenantID)
	log := logging.LogWith(ctx, e.logger)
	log.InfoContext(ctx, "run started", "start_node", start)
	e.publish(ctx, run, "", schema.EventRunStarted, nil)

	walk := &walkState{
		engine:  e,
		graph:   graph,
		run:     run,
		execCtx: expressions.NewContext(trigger),
	}
	walkErr := walk.walkFrom(ctx, start)

	e.finalize(ctx, run, walkErr)
	if walkErr != nil {
		log.ErrorContext(ctx, "run failed", "error", walkErr, "steps", walk.steps)
		return run, walkErr
	}
	log.InfoContext(ctx, "run completed", "steps", walk.steps, "duration_ms", run.DurationMs)
	return run, nil
}

// walkState carries the per-run walk bookkeeping. Forked sub-walks share
// it: they append steps to the same run against the same execution context.
type walkState struct {
	engine  *Engine
	graph   *Graph
	run     *store.Run
	execCtx *expressions.Context
	steps   int
}

// walkFrom executes the path starting at nodeID until no edge can be
// taken. When a node's branch matches several edges, the first is the
// primary continuation and every other target runs immediately as a
// synchronous forked sub-walk, in definition order, to completion, before
// the primary continues. Steps therefore record in depth-first order.
func (w *walkState) walkFrom(ctx context.Context, nodeID string) error {
	for nodeID != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.steps++
		if w.steps > w.engine.cfg.MaxSteps {
			return schema.NewErrorf(schema.ErrCodeExecution,
				"run exceeded %d steps, aborting (cyclic definition?)", w.engine.cfg.MaxSteps)
		}

		node := w.graph.Nodes[nodeID]
		result, err := w.executeNode(ctx, node)
		if err != nil {
			switch node.ErrorStrategy {
			case schema.StrategyContinue:
				// Swallow and keep walking with a synthetic failure output.
				result = &processors.Result{Output: map[string]any{
					"failed": true,
					"error":  err.Error(),
				}}
			case schema.StrategyRollback, schema.StrategyAbort, "":
				// Storage writes are per-call here, there is no open
				// transaction to unwind; rollback degenerates to abort.
				return err
			default:
				return err
			}
		}

		w.execCtx.MergeOutput(node.ID, result.Output)

		edges := w.graph.NextEdges(node.ID, result.Branch)
		if result.Branch != "" {
			w.engine.publish(ctx, w.run, node.ID, schema.EventBranchTaken, map[string]any{
				"branch": result.Branch, "matched_edges": len(edges),
			})
		}
		if len(edges) == 0 {
			return nil
		}

		for _, fork := range edges[1:] {
			if err := w.walkFrom(ctx, fork.Target); err != nil {
				return err
			}
		}
		nodeID = edges[0].Target
	}
	return nil
}

// executeNode runs one node through its processor with full step
// bookkeeping: open step row, dispatch, close with status/output/branch.
func (w *walkState) executeNode(ctx context.Context, node schema.Node) (*processors.Result, error) {
	e := w.engine

	proc, err := e.registry.Get(node.Type)
	if err != nil {
		return nil, err
	}

	step := &store.Step{
		ID:        uuid.NewString(),
		RunID:     w.run.ID,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Status:    schema.StepStatusRunning,
		Input:     node.Config,
		StartedAt: time.Now().UTC(),
	}
	if err := withStoreRetry(ctx, e.cfg.StoreAttempts, e.cfg.StoreRetryDelay, func() error {
		return e.store.CreateStep(ctx, step)
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create step: %v", err).WithCause(err)
	}

	stepCtx := logging.WithNodeID(ctx, node.ID)
	e.publish(stepCtx, w.run, node.ID, schema.EventStepStarted, map[string]any{"node_type": node.Type})

	result, procErr := w.dispatch(stepCtx, proc, node)

	now := time.Now().UTC()
	duration := now.Sub(step.StartedAt).Milliseconds()
	update := store.StepUpdate{CompletedAt: &now, DurationMs: &duration}

	if procErr != nil {
		status := schema.StepStatusFailed
		errText := procErr.Error()
		update.Status = &status
		update.Error = &errText
		e.closeStep(ctx, step.ID, update)
		e.publish(stepCtx, w.run, node.ID, schema.EventStepFailed, map[string]any{"error": errText})
		return nil, procErr
	}

	if result == nil {
		result = &processors.Result{}
	}
	status := schema.StepStatusCompleted
	update.Status = &status
	if result.Branch != "" {
		update.BranchTaken = &result.Branch
	}
	if result.Output != nil {
		if raw, err := json.Marshal(result.Output); err == nil {
			update.Output = raw
		}
	}
	e.closeStep(ctx, step.ID, update)
	e.publish(stepCtx, w.run, node.ID, schema.EventStepCompleted, map[string]any{"branch": result.Branch})
	return result, nil
}

// dispatch invokes the processor with panic recovery: a panicking node
// fails its step instead of taking down the whole process.
func (w *walkState) dispatch(ctx context.Context, proc processors.Processor, node schema.Node) (result *processors.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution,
				"node %s panicked: %v", node.ID, r).WithNode(node.ID)
		}
	}()
	return proc.Process(ctx, processors.Input{
		Node:    node,
		Run:     w.run,
		Context: w.execCtx,
	})
}

// closeStep persists a step's terminal state, best effort with bounded
// retry; an audit row that cannot be written is logged, not fatal.
func (e *Engine) closeStep(ctx context.Context, stepID string, update store.StepUpdate) {
	if err := withStoreRetry(ctx, e.cfg.StoreAttempts, e.cfg.StoreRetryDelay, func() error {
		return e.store.UpdateStep(ctx, stepID, update)
	}); err != nil {
		e.logger.WarnContext(ctx, "step close failed", "step_id", stepID, "error", err)
	}
}

// finalize moves the run to its terminal status with bounded retry. A
// failed run keeps its partial step history plus a serialized diagnostic
// for audit review.
func (e *Engine) finalize(ctx context.Context, run *store.Run, walkErr error) {
	now := time.Now().UTC()
	duration := now.Sub(run.StartedAt).Milliseconds()
	update := store.RunUpdate{CompletedAt: &now, DurationMs: &duration}

	if walkErr == nil {
		status := schema.RunStatusCompleted
		update.Status = &status
		run.Status = status
	} else {
		status := schema.RunStatusFailed
		errText := walkErr.Error()
		update.Status = &status
		update.Error = &errText
		update.Diagnostic = diagnostic(walkErr)
		run.Status = status
		run.Error = errText
		run.Diagnostic = update.Diagnostic
	}
	run.CompletedAt = &now
	run.DurationMs = duration

	if err := withStoreRetry(ctx, e.cfg.StoreAttempts, e.cfg.StoreRetryDelay, func() error {
		return e.store.UpdateRun(ctx, run.ID, update)
	}); err != nil {
		e.logger.ErrorContext(ctx, "run finalize failed", "run_id", run.ID, "error", err)
	}

	event := schema.EventRunCompleted
	var payload map[string]any
	if walkErr != nil {
		event = schema.EventRunFailed
		payload = map[string]any{"error": walkErr.Error()}
	}
	e.publish(ctx, run, "", event, payload)
}

// diagnostic serializes the failure shape for the run record.
func diagnostic(err error) json.RawMessage {
	d := map[string]any{
		"error": err.Error(),
		"code":  schema.ErrorCode(err),
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.NodeID != "" {
			d["node_id"] = fe.NodeID
		}
		if len(fe.Details) > 0 {
			d["details"] = fe.Details
		}
		if fe.Cause != nil {
			d["cause"] = fmt.Sprintf("%v", fe.Cause)
		}
	}
	raw, _ := json.Marshal(d)
	return raw
}

func (e *Engine) publish(ctx context.Context, run *store.Run, nodeID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		TenantID:   run.TenantID,
		NodeID:     nodeID,
		EventType:  eventType,
		Payload:    payload,
	})
}
