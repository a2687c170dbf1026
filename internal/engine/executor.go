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

// DefaultWorkers caps simultaneous scene tasks regardless of scene count.
const DefaultWorkers = 5

// SceneTask generates one scene. The returned result carries its own cost;
// usage is reported alongside.
type SceneTask func(ctx context.Context, index int, scene *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error)

// SceneProgress is published after every scene task completes.
type SceneProgress struct {
	SceneID   string
	Index     int
	Completed int
	Total     int
	// Cost is the running total of the pass.
	Cost     float64
	Err      error
	Duration time.Duration

	// Result and Usage belong to this task alone; Result is nil on failure.
	Result *ir.SceneResult
	Usage  ir.Usage
}

// SceneBatch is the merged outcome of one executor pass.
type SceneBatch struct {
	// Results has one slot per scene. Failed fresh-run slots are nil.
	Results  []*ir.SceneResult
	Cost     float64
	Usage    ir.Usage
	Failures []*SceneTaskFailure
}

// SceneExecutor fans scene tasks out over a bounded worker pool.
type SceneExecutor struct {
	Workers    int
	OnProgress func(SceneProgress)
	Logger     *slog.Logger
}

// Scope selects which scenes an executor pass generates.
type Scope func(index int, scene *ir.SceneSpec) bool

// AllScenes puts every scene in scope.
func AllScenes(int, *ir.SceneSpec) bool { return true }

// OnlyScene puts the scene with the given id in scope.
func OnlyScene(id string) Scope {
	return func(_ int, sc *ir.SceneSpec) bool { return sc.ID == id }
}

// MissingScenes puts every scene without a prior result in scope.
func MissingScenes(prior []*ir.SceneResult) Scope {
	return func(i int, _ *ir.SceneSpec) bool { return i >= len(prior) || prior[i] == nil }
}

// Execute runs task for every in-scope scene. Out-of-scope slots are
// forwarded from prior unchanged. OnProgress is called under the merge lock,
// so calls never overlap.
//
// A failing task is logged and its slot keeps the prior value (nil on a
// fresh run). Siblings are never cancelled and the batch is never aborted.
func (x *SceneExecutor) Execute(ctx context.Context, scenes []*ir.SceneSpec, prior []*ir.SceneResult, scope Scope, task SceneTask) *SceneBatch {
	logger := x.Logger
	if logger == nil {
		logger = logging.With("component", "executor")
	}
	workers := x.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}

	batch := &SceneBatch{
		Results: make([]*ir.SceneResult, len(scenes)),
		Usage:   ir.Usage{},
	}
	for i := range scenes {
		if i < len(prior) {
			batch.Results[i] = prior[i]
		}
	}

	var inScope []int
	for i, sc := range scenes {
		if scope == nil || scope(i, sc) {
			inScope = append(inScope, i)
		}
	}

	var (
		mu        sync.Mutex
		completed int
		g         errgroup.Group
	)
	g.SetLimit(workers)

	for _, idx := range inScope {
		scene := scenes[idx]
		g.Go(func() error {
			start := time.Now()
			result, usage, err := runTask(ctx, task, idx, scene)

			mu.Lock()
			defer mu.Unlock()
			completed++

			progress := SceneProgress{
				SceneID:   scene.ID,
				Index:     idx,
				Completed: completed,
				Total:     len(inScope),
				Duration:  time.Since(start),
			}

			if err != nil {
				failure := &SceneTaskFailure{SceneID: scene.ID, Index: idx, Err: err}
				batch.Failures = append(batch.Failures, failure)
				progress.Err = failure
				logger.Error("scene task failed", "scene_id", scene.ID, "index", idx, "error", err)
			} else {
				batch.Results[idx] = result
				batch.Cost += result.Cost
				batch.Usage.Add(usage)
				progress.Result = result
				progress.Usage = usage
				logger.Info("scene task completed", "scene_id", scene.ID, "index", idx,
					"model", result.Model, "degraded", result.Degraded, "cost_usd", result.Cost)
			}
			progress.Cost = batch.Cost

			if x.OnProgress != nil {
				x.OnProgress(progress)
			}
			return nil
		})
	}
	_ = g.Wait()

	return batch
}

// runTask converts a nil result or a panic into an error so one bad task
// cannot take down the pool.
func runTask(ctx context.Context, task SceneTask, idx int, scene *ir.SceneSpec) (res *ir.SceneResult, usage ir.Usage, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, usage, err = nil, nil, fmt.Errorf("scene task panicked: %v", r)
		}
	}()
	res, usage, err = task(ctx, idx, scene)
	if err == nil && res == nil {
		err = fmt.Errorf("scene task returned no result")
	}
	return res, usage, err
}
