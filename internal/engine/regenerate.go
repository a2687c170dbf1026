package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/adreel-io/adreel/internal/ir"
)

// EndCardSceneID is the scene whose regeneration also redraws the end card.
const EndCardSceneID = "CTA"

// ErrNotRegenerable is returned for runs that never produced scenes.
var ErrNotRegenerable = errors.New("run has no generated scenes to regenerate")

// UnknownSceneError is returned when the target id matches no scene.
type UnknownSceneError struct {
	SceneID string
	Known   []string
}

func (e *UnknownSceneError) Error() string {
	return fmt.Sprintf("unknown scene %q (scenes: %v)", e.SceneID, e.Known)
}

// PrepareRegeneration readies a finished run to re-generate exactly one
// scene. The instruction is layered onto the scene's modifications, with a
// repeat of the latest one suppressed. Every other output is kept so the
// orchestrator only re-runs scene generation and assembly. The history entry
// is written by the scene stage once the attempt has an outcome.
func PrepareRegeneration(st *ir.PipelineState, sceneID, instruction string, now time.Time) error {
	if !st.HasScript() || len(st.Results) == 0 {
		return ErrNotRegenerable
	}
	idx := st.SceneIndex(sceneID)
	if idx < 0 {
		known := make([]string, 0, len(st.Scenes))
		for _, sc := range st.Scenes {
			known = append(known, sc.ID)
		}
		return &UnknownSceneError{SceneID: sceneID, Known: known}
	}

	st.Scenes[idx].AppendModification(instruction)
	for len(st.Results) < len(st.Scenes) {
		st.Results = append(st.Results, nil)
	}

	st.Regeneration = &ir.RegenerationRequest{
		SceneID:     sceneID,
		Instruction: instruction,
		RequestedAt: now.UTC(),
	}
	st.Final = nil
	if sceneID == EndCardSceneID {
		st.EndCard = nil
	}
	st.Status = ir.StatusPending
	st.Failure = nil
	st.UpdatedAt = now.UTC()
	return nil
}

// settleRegeneration appends the audit entry for the pending regeneration
// and clears it. previous holds the slot's refs before the attempt; a non-nil
// err means the slot was left untouched.
func settleRegeneration(st *ir.PipelineState, previous []string, err error) {
	req := st.Regeneration
	if req == nil {
		return
	}
	if previous == nil {
		previous = []string{}
	}
	entry := ir.HistoryEntry{
		Timestamp:    req.RequestedAt,
		SceneID:      req.SceneID,
		PreviousRefs: previous,
		Instruction:  req.Instruction,
		Reason:       ir.ReasonUserRegeneration,
	}
	if err != nil {
		entry.Reason = ir.ReasonRegenerationFailed
		entry.Error = err.Error()
	}
	st.History = append(slices.Clip(st.History), entry)
	st.Regeneration = nil
}
