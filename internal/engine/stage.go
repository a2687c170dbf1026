package engine

import (
	"context"

	"github.com/adreel-io/adreel/internal/ir"
)

// Stage names.
const (
	StageExtractDNA      = "extract_dna"
	StageGenerateScript  = "generate_script"
	StageCharacterAnchor = "generate_character_anchor"
	StageGenerateScenes  = "generate_scenes"
	StageGenerateVoice   = "generate_voice"
	StageGenerateBGM     = "generate_bgm"
	StageAssemble        = "assemble"
	StageWatchdog        = "watchdog"
)

// Update applies a stage's output to the run state. The orchestrator calls
// updates one at a time, so they need no locking.
type Update func(st *ir.PipelineState)

// Stage is one node of the pipeline graph.
//
// Run must treat the state as read-only: stages in the same level run
// concurrently against it. All writes go through the returned Update.
type Stage interface {
	Name() string
	DependsOn() []string
	// Done reports whether the stage's output is already present, in which
	// case the stage is skipped. It must not mutate the state.
	Done(st *ir.PipelineState) bool
	Run(ctx context.Context, st *ir.PipelineState) (Update, error)
}

// funcStage adapts plain functions to Stage.
type funcStage struct {
	name string
	deps []string
	done func(*ir.PipelineState) bool
	run  func(context.Context, *ir.PipelineState) (Update, error)
}

// NewStage builds a Stage from functions.
func NewStage(name string, deps []string, done func(*ir.PipelineState) bool,
	run func(context.Context, *ir.PipelineState) (Update, error)) Stage {
	return &funcStage{name: name, deps: deps, done: done, run: run}
}

func (s *funcStage) Name() string        { return s.name }
func (s *funcStage) DependsOn() []string { return s.deps }

func (s *funcStage) Done(st *ir.PipelineState) bool {
	return s.done != nil && s.done(st)
}

func (s *funcStage) Run(ctx context.Context, st *ir.PipelineState) (Update, error) {
	return s.run(ctx, st)
}
