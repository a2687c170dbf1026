package ir

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// PipelineState is the single record threaded through every stage of one run.
// It is owned by that run and never shared between concurrent runs.
type PipelineState struct {
	RunID       string   `json:"run_id"`
	Input       string   `json:"input"`
	SourceImage string   `json:"source_image,omitempty"`
	OutputDir   string   `json:"output_dir,omitempty"`
	Project     *Project `json:"project,omitempty"`

	DNA             *VisualDNA     `json:"dna,omitempty"`
	Script          *string        `json:"script,omitempty"`
	CharacterAnchor *Artifact      `json:"character_anchor,omitempty"`
	Scenes          []*SceneSpec   `json:"scenes,omitempty"`
	Results         []*SceneResult `json:"results,omitempty"`
	// ScenesSettled is set once a scene stage has run to completion. Slots
	// it left empty stay empty until a regeneration targets them.
	ScenesSettled bool      `json:"scenes_settled,omitempty"`
	EndCard       *Artifact `json:"end_card,omitempty"`
	Voice         *Artifact `json:"voice,omitempty"`
	Music         *Artifact `json:"music,omitempty"`
	Final         *Artifact `json:"final,omitempty"`

	Cost    float64        `json:"cost_usd"`
	Usage   Usage          `json:"usage,omitempty"`
	History []HistoryEntry `json:"history,omitempty"`

	Regeneration *RegenerationRequest `json:"regeneration,omitempty"`

	Status    RunStatus      `json:"status"`
	Failure   *FailureRecord `json:"failure,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RegenerationRequest targets exactly one scene for re-execution.
type RegenerationRequest struct {
	SceneID     string    `json:"scene_id"`
	Instruction string    `json:"instruction,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// FailureRecord is the persisted form of an unrecoverable stage failure.
type FailureRecord struct {
	Stage          string    `json:"stage"`
	Reason         string    `json:"reason"`
	UserMessage    string    `json:"user_message"`
	RefundRequired bool      `json:"refund_required"`
	At             time.Time `json:"at"`
}

// VisualDNA is the structured description extracted from the product input.
type VisualDNA struct {
	Product   map[string]string `json:"product,omitempty"`
	Character map[string]string `json:"character,omitempty"`
	Style     map[string]string `json:"visual_style,omitempty"`
}

// Artifact references one produced media object.
type Artifact struct {
	Kind      string `json:"kind"`
	URI       string `json:"uri,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	Model     string `json:"model,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	// Disabled marks an intentionally empty output, e.g. voice turned off.
	Disabled bool `json:"disabled,omitempty"`
}

// Ref returns the most specific reference available for the artifact.
func (a *Artifact) Ref() string {
	if a == nil {
		return ""
	}
	if a.URI != "" {
		return a.URI
	}
	return a.LocalPath
}

// SceneSpec describes one independently generated video segment.
type SceneSpec struct {
	ID              string   `json:"id" pkl:"id"`
	Description     string   `json:"description" pkl:"description"`
	Narration       string   `json:"narration,omitempty" pkl:"narration"`
	DurationSeconds float64  `json:"duration_seconds" pkl:"durationSeconds"`
	Modifications   []string `json:"modifications,omitempty" pkl:"modifications"`
}

// AppendModification layers an instruction onto the scene. Identical
// back-to-back instructions are suppressed; earlier entries are never removed.
func (s *SceneSpec) AppendModification(instruction string) bool {
	if instruction == "" {
		return false
	}
	if n := len(s.Modifications); n > 0 && s.Modifications[n-1] == instruction {
		return false
	}
	s.Modifications = append(s.Modifications, instruction)
	return true
}

// Directives renders the base description followed by every modification
// in the order it was made.
func (s *SceneSpec) Directives() string {
	out := s.Description
	for i, mod := range s.Modifications {
		out += fmt.Sprintf(" REVISION %d: %s.", i+1, mod)
	}
	return out
}

// SceneResult is the output of one scene task.
type SceneResult struct {
	SceneID   string     `json:"scene_id"`
	Artifacts []Artifact `json:"artifacts"`
	Cost      float64    `json:"cost_usd"`
	// Model is the model that actually produced the video, which differs
	// from RequestedModel when a fallback tier was used.
	Model          string `json:"model"`
	RequestedModel string `json:"requested_model,omitempty"`
	Degraded       bool   `json:"degraded,omitempty"`
}

// Refs lists the artifact references of the result.
func (r *SceneResult) Refs() []string {
	if r == nil {
		return nil
	}
	refs := make([]string, 0, len(r.Artifacts))
	for i := range r.Artifacts {
		if ref := r.Artifacts[i].Ref(); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// HistoryEntry is an immutable audit record appended on each regeneration.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	SceneID      string    `json:"scene_id"`
	PreviousRefs []string  `json:"previous_refs"`
	Instruction  string    `json:"instruction,omitempty"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error,omitempty"`
}

// History reasons.
const (
	ReasonUserRegeneration   = "user_regeneration"
	ReasonRegenerationFailed = "user_regeneration_failed"
)

// Usage is an accumulated usage breakdown keyed by metric name.
type Usage map[string]float64

// Usage keys.
const (
	UsageLLMTokensIn  = "llm_tokens_in"
	UsageLLMTokensOut = "llm_tokens_out"
	UsageImages       = "images"
	UsageVideoSeconds = "video_seconds"
	UsageVoiceChars   = "voice_chars"
	UsageMusicSeconds = "music_seconds"
)

// Add sums other into u.
func (u Usage) Add(other Usage) {
	for k, v := range other {
		u[k] += v
	}
}

// AddCost accumulates cost and usage onto the state. Accumulation is a sum,
// never an overwrite.
func (s *PipelineState) AddCost(cost float64, usage Usage) {
	s.Cost += cost
	if len(usage) == 0 {
		return
	}
	if s.Usage == nil {
		s.Usage = Usage{}
	}
	s.Usage.Add(usage)
}

// SceneIndex returns the position of the scene with the given id, or -1.
func (s *PipelineState) SceneIndex(id string) int {
	for i, sc := range s.Scenes {
		if sc.ID == id {
			return i
		}
	}
	return -1
}

// The predicates below report whether a stage output is already present.

func (s *PipelineState) HasDNA() bool { return s.DNA != nil }

func (s *PipelineState) HasScript() bool { return s.Script != nil && len(s.Scenes) > 0 }

func (s *PipelineState) HasCharacterAnchor() bool { return s.CharacterAnchor != nil }

func (s *PipelineState) HasVoice() bool { return s.Voice != nil }

func (s *PipelineState) HasMusic() bool { return s.Music != nil }

func (s *PipelineState) HasFinal() bool { return s.Final != nil }

// HasAllScenes reports whether every scene slot holds a result.
func (s *PipelineState) HasAllScenes() bool {
	if len(s.Scenes) == 0 || len(s.Results) != len(s.Scenes) {
		return false
	}
	for _, r := range s.Results {
		if r == nil {
			return false
		}
	}
	return true
}

// CompletedResults returns the non-empty scene results in scene order.
func (s *PipelineState) CompletedResults() []*SceneResult {
	out := make([]*SceneResult, 0, len(s.Results))
	for _, r := range s.Results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
