package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adreel-io/adreel/internal/ir"
)

func fourScenes() []*ir.SceneSpec {
	return []*ir.SceneSpec{
		{ID: "Hook", Description: "hook"},
		{ID: "Feature", Description: "feature"},
		{ID: "Lifestyle", Description: "lifestyle"},
		{ID: "CTA", Description: "cta"},
	}
}

func okResult(scene *ir.SceneSpec, cost float64) *ir.SceneResult {
	return &ir.SceneResult{
		SceneID:   scene.ID,
		Artifacts: []ir.Artifact{{Kind: "video", URI: "mem://" + scene.ID}},
		Cost:      cost,
		Model:     "veo",
	}
}

func TestExecute_FailureIsolated(t *testing.T) {
	var progress []SceneProgress
	x := &SceneExecutor{Workers: 5, OnProgress: func(p SceneProgress) { progress = append(progress, p) }}

	batch := x.Execute(context.Background(), fourScenes(), nil, AllScenes,
		func(ctx context.Context, i int, sc *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
			if sc.ID == "Feature" {
				return nil, nil, errors.New("provider rejected prompt")
			}
			return okResult(sc, 1.0), ir.Usage{ir.UsageVideoSeconds: 6}, nil
		})

	require.Len(t, batch.Results, 4)
	assert.Equal(t, "Hook", batch.Results[0].SceneID)
	assert.Nil(t, batch.Results[1])
	assert.Equal(t, "Lifestyle", batch.Results[2].SceneID)
	assert.Equal(t, "CTA", batch.Results[3].SceneID)

	assert.InDelta(t, 3.0, batch.Cost, 1e-9)
	assert.InDelta(t, 18.0, batch.Usage[ir.UsageVideoSeconds], 1e-9)

	require.Len(t, batch.Failures, 1)
	assert.Equal(t, "Feature", batch.Failures[0].SceneID)
	assert.Equal(t, 1, batch.Failures[0].Index)

	require.Len(t, progress, 4)
	assert.Equal(t, 4, progress[3].Completed)
	assert.Equal(t, 4, progress[3].Total)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Cost, progress[i-1].Cost)
	}
}

func TestExecute_PositionalRegardlessOfCompletionOrder(t *testing.T) {
	x := &SceneExecutor{Workers: 4}
	delays := map[string]time.Duration{"Hook": 40 * time.Millisecond, "Feature": 0, "Lifestyle": 20 * time.Millisecond, "CTA": 5 * time.Millisecond}

	batch := x.Execute(context.Background(), fourScenes(), nil, AllScenes,
		func(ctx context.Context, i int, sc *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
			time.Sleep(delays[sc.ID])
			return okResult(sc, 0.5), nil, nil
		})

	for i, sc := range fourScenes() {
		assert.Equal(t, sc.ID, batch.Results[i].SceneID)
	}
	assert.InDelta(t, 2.0, batch.Cost, 1e-9)
}

func TestExecute_BoundedConcurrency(t *testing.T) {
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	scenes := make([]*ir.SceneSpec, 12)
	for i := range scenes {
		scenes[i] = &ir.SceneSpec{ID: string(rune('A' + i))}
	}

	x := &SceneExecutor{Workers: 3}
	x.Execute(context.Background(), scenes, nil, AllScenes,
		func(ctx context.Context, i int, sc *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
			n := active.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return okResult(sc, 0), nil, nil
		})

	assert.LessOrEqual(t, maxSeen.Load(), int32(3))
	assert.Positive(t, maxSeen.Load())
}

func TestExecute_RegenerationForwardsOthers(t *testing.T) {
	scenes := fourScenes()
	prior := make([]*ir.SceneResult, 4)
	for i, sc := range scenes {
		prior[i] = okResult(sc, 1.0)
	}

	var (
		mu  sync.Mutex
		ran []string
	)
	x := &SceneExecutor{Workers: 5}
	batch := x.Execute(context.Background(), scenes, prior, OnlyScene("CTA"),
		func(ctx context.Context, i int, sc *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
			mu.Lock()
			ran = append(ran, sc.ID)
			mu.Unlock()
			res := okResult(sc, 2.0)
			res.Artifacts[0].URI = "mem://CTA-v2"
			return res, nil, nil
		})

	assert.Equal(t, []string{"CTA"}, ran)
	for i := 0; i < 3; i++ {
		assert.Same(t, prior[i], batch.Results[i])
	}
	assert.Equal(t, "mem://CTA-v2", batch.Results[3].Artifacts[0].URI)
	assert.InDelta(t, 2.0, batch.Cost, 1e-9)
}

func TestExecute_RegenerationFailureKeepsPrior(t *testing.T) {
	scenes := fourScenes()
	prior := []*ir.SceneResult{okResult(scenes[0], 1), okResult(scenes[1], 1), okResult(scenes[2], 1), okResult(scenes[3], 1)}

	batch := (&SceneExecutor{}).Execute(context.Background(), scenes, prior, OnlyScene("Feature"),
		func(context.Context, int, *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
			return nil, nil, errors.New("boom")
		})

	assert.Same(t, prior[1], batch.Results[1])
	assert.Zero(t, batch.Cost)
	require.Len(t, batch.Failures, 1)
}

func TestExecute_MissingScenesScope(t *testing.T) {
	scenes := fourScenes()
	prior := []*ir.SceneResult{okResult(scenes[0], 1), nil, okResult(scenes[2], 1)}

	var ran atomic.Int32
	batch := (&SceneExecutor{}).Execute(context.Background(), scenes, prior, MissingScenes(prior),
		func(ctx context.Context, i int, sc *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
			ran.Add(1)
			return okResult(sc, 1), nil, nil
		})

	assert.Equal(t, int32(2), ran.Load())
	for i := range scenes {
		assert.NotNil(t, batch.Results[i])
	}
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	batch := (&SceneExecutor{}).Execute(context.Background(), fourScenes()[:2], nil, AllScenes,
		func(ctx context.Context, i int, sc *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
			if i == 0 {
				panic("nil map")
			}
			return okResult(sc, 1), nil, nil
		})

	assert.Nil(t, batch.Results[0])
	assert.NotNil(t, batch.Results[1])
	require.Len(t, batch.Failures, 1)
	assert.ErrorContains(t, batch.Failures[0], "panicked")
}
