package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/logging"
)

// Event reports stage progress during a run.
type Event struct {
	RunID    string
	Stage    string
	Status   string // "started", "skipped", "completed", "failed"
	Duration time.Duration
	Error    error
}

// EventCallback is called for each stage event if set.
type EventCallback func(Event)

// Orchestrator drives a run through the stage graph. Stages of one level run
// in parallel; levels run in order. Updates are applied serially and the
// state is snapshotted after each one.
type Orchestrator struct {
	graph *Graph

	// StageTimeout bounds each stage.
	StageTimeout time.Duration
	// RunTimeout is the hard deadline of a run. When it passes, the run is
	// marked failed without cancelling in-flight provider calls.
	RunTimeout time.Duration

	// Snapshot persists the state. A snapshot error is logged, not fatal.
	Snapshot func(ctx context.Context, st *ir.PipelineState) error
	// Compensate is invoked once for every refund-required failure.
	Compensate func(ctx context.Context, st *ir.PipelineState, failure *StageFailure)
	OnEvent    EventCallback

	Logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator builds an orchestrator over stages.
func NewOrchestrator(stages ...Stage) (*Orchestrator, error) {
	g, err := BuildGraph(stages)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{graph: g, StageTimeout: DefaultStageTimeout, now: time.Now}, nil
}

// Graph returns the stage graph.
func (o *Orchestrator) Graph() *Graph { return o.graph }

type stageOutcome struct {
	name     string
	update   Update
	err      error
	duration time.Duration
}

// Run executes every stage whose output is missing. It returns nil on
// success or a *StageFailure, which is also recorded on the state.
func (o *Orchestrator) Run(ctx context.Context, st *ir.PipelineState) error {
	logger := o.Logger
	if logger == nil {
		logger = logging.With("component", "orchestrator")
	}
	logger = logger.With("run_id", st.RunID)

	st.Status = ir.StatusRunning
	st.Failure = nil
	o.snapshot(ctx, st, logger)

	cp := &checkpointer{save: o.Snapshot, logger: logger}
	defer cp.close()
	ctx = context.WithValue(ctx, checkpointKey{}, cp)

	var expired <-chan time.Time
	if o.RunTimeout > 0 {
		timer := time.NewTimer(o.RunTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	for _, level := range o.graph.Levels() {
		var pending []Stage
		for _, name := range level {
			stage := o.graph.Stage(name)
			if stage.Done(st) {
				logger.Debug("stage output present, skipping", "stage", name)
				o.emit(Event{RunID: st.RunID, Stage: name, Status: "skipped"})
				continue
			}
			pending = append(pending, stage)
		}
		if len(pending) == 0 {
			continue
		}

		done := make(chan []stageOutcome, 1)
		go func() { done <- o.runLevel(ctx, st, pending) }()

		var outcomes []stageOutcome
		select {
		case outcomes = <-done:
		case <-expired:
			failure := &StageFailure{
				Stage:          StageWatchdog,
				Reason:         fmt.Sprintf("run exceeded deadline of %s", o.RunTimeout),
				UserMessage:    msgTimeout,
				RefundRequired: true,
			}
			cp.close()
			return o.fail(ctx, st, failure, logger)
		case <-ctx.Done():
			cp.close()
			return o.fail(ctx, st, Classify(pending[0].Name(), ctx.Err()), logger)
		}

		var failure *StageFailure
		for _, out := range outcomes {
			if out.err != nil {
				o.emit(Event{RunID: st.RunID, Stage: out.name, Status: "failed", Duration: out.duration, Error: out.err})
				if failure == nil {
					failure = Classify(out.name, out.err)
				}
				continue
			}
			if out.update != nil {
				out.update(st)
			}
			st.UpdatedAt = o.now().UTC()
			o.snapshot(ctx, st, logger)
			o.emit(Event{RunID: st.RunID, Stage: out.name, Status: "completed", Duration: out.duration})
			logger.Info("stage completed", "stage", out.name, "duration", out.duration.Round(time.Millisecond), "cost_usd", st.Cost)
		}
		if failure != nil {
			return o.fail(ctx, st, failure, logger)
		}
	}

	st.Status = ir.StatusCompleted
	st.UpdatedAt = o.now().UTC()
	o.snapshot(ctx, st, logger)
	logger.Info("run completed", "cost_usd", st.Cost)
	return nil
}

// runLevel runs stages concurrently. Sibling failures do not cancel each
// other; outcomes come back in level order.
func (o *Orchestrator) runLevel(ctx context.Context, st *ir.PipelineState, stages []Stage) []stageOutcome {
	outcomes := make([]stageOutcome, len(stages))
	var g errgroup.Group
	for i, stage := range stages {
		g.Go(func() error {
			o.emit(Event{RunID: st.RunID, Stage: stage.Name(), Status: "started"})
			start := time.Now()
			sctx, cancel := WithTimeout(ctx, o.StageTimeout)
			defer cancel()

			update, err := stage.Run(sctx, st)
			outcomes[i] = stageOutcome{name: stage.Name(), update: update, err: err, duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) fail(ctx context.Context, st *ir.PipelineState, failure *StageFailure, logger *slog.Logger) error {
	now := o.now().UTC()
	st.Status = ir.StatusFailed
	st.Failure = failure.Record(now)
	st.UpdatedAt = now

	logger.Error("run failed", "stage", failure.Stage, "reason", failure.Reason, "refund_required", failure.RefundRequired)
	o.snapshot(context.WithoutCancel(ctx), st, logger)
	if failure.RefundRequired && o.Compensate != nil {
		o.Compensate(context.WithoutCancel(ctx), st, failure)
	}
	return failure
}

func (o *Orchestrator) snapshot(ctx context.Context, st *ir.PipelineState, logger *slog.Logger) {
	if o.Snapshot == nil {
		return
	}
	if err := o.Snapshot(ctx, st); err != nil {
		logger.Warn("failed to persist run snapshot", "error", err)
	}
}

func (o *Orchestrator) emit(e Event) {
	if o.OnEvent != nil {
		o.OnEvent(e)
	}
}

type checkpointKey struct{}

// checkpointer serializes snapshots taken from inside a running stage. Once
// closed it drops them, so work the run has abandoned cannot overwrite the
// final snapshot.
type checkpointer struct {
	mu     sync.Mutex
	closed bool
	save   func(ctx context.Context, st *ir.PipelineState) error
	logger *slog.Logger
}

func (c *checkpointer) write(ctx context.Context, st *ir.PipelineState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.save == nil {
		return
	}
	if err := c.save(context.WithoutCancel(ctx), st); err != nil {
		c.logger.Warn("failed to persist checkpoint", "error", err)
	}
}

func (c *checkpointer) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Checkpoint persists st from inside a running stage. st must be a copy the
// stage owns. Outside an orchestrated run, or after the run has stopped
// waiting for the stage, it does nothing.
func Checkpoint(ctx context.Context, st *ir.PipelineState) {
	if c, ok := ctx.Value(checkpointKey{}).(*checkpointer); ok {
		c.write(ctx, st)
	}
}
