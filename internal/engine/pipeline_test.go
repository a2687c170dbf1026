package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/pricing"
	"github.com/adreel-io/adreel/internal/quota"
	"github.com/adreel-io/adreel/pkg/media"
	"github.com/adreel-io/adreel/providers/null"
)

type testRig struct {
	backend *null.Provider
	local   *null.Provider
	gov     *quota.Governor
	p       *Pipeline
	orch    *Orchestrator
}

func newRig(t *testing.T, limits map[string]ir.Limit) *testRig {
	t.Helper()
	backend, local := null.New(), null.New()
	gov := quota.NewGovernor(quota.NewMemoryStore(), limits)

	video := NewChain(
		Gate(gov, "veo-fast", fastPolicy(1), Strategy[media.VideoRequest, *media.Media]{Name: "veo-fast", Attempt: backend.GenerateVideo}),
		Strategy[media.VideoRequest, *media.Media]{Name: "kenburns", Degraded: true, Attempt: local.GenerateVideo},
	)
	images := NewChain(Strategy[media.ImageRequest, *media.Media]{Name: "imagen-4.0-generate-001", Attempt: backend.GenerateImage})
	music := NewChain(
		Strategy[media.MusicRequest, *media.Media]{Name: "eleven_text_to_sound_v2", Attempt: backend.GenerateMusic},
		Strategy[media.MusicRequest, *media.Media]{Name: "silent-bed", Degraded: true, Attempt: local.GenerateMusic},
	)

	p := &Pipeline{
		Text:          backend,
		TextModel:     "gemini-2.5-flash",
		Images:        images,
		Videos:        video,
		EndCards:      local,
		Speech:        backend,
		SpeechModel:   "tts-1",
		Music:         music,
		Assembler:     local,
		Pricing:       pricing.Default(),
		Executor:      &SceneExecutor{Workers: 5},
		VoiceRequired: true,
		BGMRequired:   true,
	}
	orch, err := NewOrchestrator(p.Stages()...)
	require.NoError(t, err)
	return &testRig{backend: backend, local: local, gov: gov, p: p, orch: orch}
}

func newState() *ir.PipelineState {
	return &ir.PipelineState{
		RunID:     "run-1",
		Input:     "Wool hiking socks",
		OutputDir: "/tmp/adreel/run-1",
		Project:   &ir.Project{Name: "TrailSock", CTAText: "Shop now", Website: "trailsock.example"},
		CreatedAt: time.Now(),
	}
}

func TestPipeline_FreshRun(t *testing.T) {
	rig := newRig(t, nil)
	st := newState()

	require.NoError(t, rig.orch.Run(context.Background(), st))

	assert.Equal(t, ir.StatusCompleted, st.Status)
	require.NotNil(t, st.DNA)
	assert.Equal(t, "casual", st.DNA.Character["look"])
	require.Len(t, st.Scenes, 3)
	require.Len(t, st.Results, 3)
	for i, res := range st.Results {
		require.NotNil(t, res)
		assert.Equal(t, st.Scenes[i].ID, res.SceneID)
		assert.Equal(t, "veo-fast", res.Model)
		assert.False(t, res.Degraded)
	}
	require.NotNil(t, st.EndCard)
	require.NotNil(t, st.Voice)
	assert.False(t, st.Voice.Disabled)
	require.NotNil(t, st.Final)
	assert.Equal(t, "final", st.Final.Kind)
	require.NotNil(t, st.Music)
	assert.Equal(t, "eleven_text_to_sound_v2", st.Music.Model)
	assert.False(t, st.Music.Degraded)
	assert.True(t, st.ScenesSettled)

	assert.Positive(t, st.Cost)
	assert.Equal(t, 12.0, st.Usage[ir.UsageMusicSeconds])
	assert.Equal(t, 12.0, st.Usage[ir.UsageVideoSeconds])
	assert.Equal(t, 4.0, st.Usage[ir.UsageImages]) // anchor + three keyframes
	assert.Positive(t, st.Usage[ir.UsageLLMTokensIn])
}

func TestPipeline_IdempotentRerun(t *testing.T) {
	rig := newRig(t, nil)
	st := newState()
	require.NoError(t, rig.orch.Run(context.Background(), st))
	cost := st.Cost
	textCalls := rig.backend.Calls("text")

	require.NoError(t, rig.orch.Run(context.Background(), st))
	assert.Equal(t, cost, st.Cost)
	assert.Equal(t, textCalls, rig.backend.Calls("text"))
	assert.Equal(t, 3, rig.backend.Calls("video"))
}

func TestPipeline_QuotaExhaustionDegradesScenes(t *testing.T) {
	rig := newRig(t, map[string]ir.Limit{"veo-fast": {RPM: 100, RPD: 1}})
	st := newState()

	require.NoError(t, rig.orch.Run(context.Background(), st))
	assert.Equal(t, ir.StatusCompleted, st.Status)

	degraded := 0
	for _, res := range st.Results {
		if res.Degraded {
			degraded++
			assert.Equal(t, "kenburns", res.Model)
			assert.Equal(t, "veo-fast", res.RequestedModel)
		}
	}
	assert.Equal(t, 2, degraded)
	assert.Equal(t, 1, rig.backend.Calls("video"))
	assert.Equal(t, 4.0, st.Usage[ir.UsageVideoSeconds])
}

func TestPipeline_SceneFailureFilteredFromFinal(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.VideoHook = failFeatureVideo
	rig.local.VideoHook = failFeatureVideo

	var assembled int
	rig.local.AssembleHook = func(req media.AssembleRequest) error {
		assembled = len(req.Scenes)
		return nil
	}

	st := newState()
	require.NoError(t, rig.orch.Run(context.Background(), st))

	require.Len(t, st.Results, 3)
	assert.Nil(t, st.Results[1])
	assert.Len(t, st.CompletedResults(), 2)
	assert.Equal(t, 2, assembled)
}

func failFeatureVideo(req media.VideoRequest) error {
	if strings.HasPrefix(req.Prompt, "Character uses") {
		return errors.New("safety filter")
	}
	return nil
}

func TestPipeline_RerunDoesNotRetrySettledFailure(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.VideoHook = failFeatureVideo
	rig.local.VideoHook = failFeatureVideo

	st := newState()
	require.NoError(t, rig.orch.Run(context.Background(), st))
	require.Nil(t, st.Results[1])
	require.True(t, st.ScenesSettled)

	final := st.Final
	cost := st.Cost
	videoCalls := rig.backend.Calls("video") + rig.local.Calls("video")
	assembles := rig.local.Calls("assemble")

	// The backend would succeed now, but a finished run is not re-billed.
	rig.backend.VideoHook = nil
	rig.local.VideoHook = nil
	require.NoError(t, rig.orch.Run(context.Background(), st))

	assert.Equal(t, videoCalls, rig.backend.Calls("video")+rig.local.Calls("video"))
	assert.Equal(t, cost, st.Cost)
	assert.Same(t, final, st.Final)
	assert.Nil(t, st.Results[1])
	assert.Equal(t, assembles, rig.local.Calls("assemble"))

	// Regeneration is how an empty slot gets filled, and it re-assembles.
	require.NoError(t, PrepareRegeneration(st, "Feature", "", time.Now()))
	require.NoError(t, rig.orch.Run(context.Background(), st))
	assert.NotNil(t, st.Results[1])
	assert.Equal(t, assembles+1, rig.local.Calls("assemble"))
	assert.Greater(t, st.Cost, cost)
}

// snapshotLog keeps decoded copies of every snapshot written during a run.
type snapshotLog struct {
	mu    sync.Mutex
	snaps []*ir.PipelineState
}

func (l *snapshotLog) save(_ context.Context, st *ir.PipelineState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	var cp ir.PipelineState
	if err := json.Unmarshal(raw, &cp); err != nil {
		return err
	}
	l.mu.Lock()
	l.snaps = append(l.snaps, &cp)
	l.mu.Unlock()
	return nil
}

// checkpoints returns the snapshots taken while scenes were still running.
func (l *snapshotLog) checkpoints() []*ir.PipelineState {
	var out []*ir.PipelineState
	for _, s := range l.snaps {
		if !s.ScenesSettled && len(s.CompletedResults()) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func TestPipeline_CheckpointsEachScene(t *testing.T) {
	rig := newRig(t, nil)
	log := &snapshotLog{}
	rig.orch.Snapshot = log.save

	st := newState()
	require.NoError(t, rig.orch.Run(context.Background(), st))

	cps := log.checkpoints()
	require.Len(t, cps, 3)
	prev := 0.0
	for i, cp := range cps {
		assert.Len(t, cp.CompletedResults(), i+1)
		assert.Len(t, cp.Results, 3, "positional slots are kept")
		assert.Equal(t, ir.StatusRunning, cp.Status)
		assert.Greater(t, cp.Cost, prev)
		assert.Equal(t, float64(4*(i+1)), cp.Usage[ir.UsageVideoSeconds])
		prev = cp.Cost
	}
	assert.Equal(t, 12.0, st.Usage[ir.UsageVideoSeconds], "checkpoints never touch the live state")
}

func TestPipeline_CheckpointsSkipFailedScenes(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.VideoHook = failFeatureVideo
	rig.local.VideoHook = failFeatureVideo
	log := &snapshotLog{}
	rig.orch.Snapshot = log.save

	require.NoError(t, rig.orch.Run(context.Background(), newState()))

	cps := log.checkpoints()
	require.Len(t, cps, 2)
	for _, cp := range cps {
		assert.Nil(t, cp.Results[1])
	}
}

func TestPipeline_ResumeFromCheckpoint(t *testing.T) {
	rig := newRig(t, nil)
	log := &snapshotLog{}
	rig.orch.Snapshot = log.save
	full := newState()
	require.NoError(t, rig.orch.Run(context.Background(), full))

	// Resume from the checkpoint holding two scenes, as after a crash.
	resumed := log.checkpoints()[1]
	require.Len(t, resumed.CompletedResults(), 2)

	fresh := newRig(t, nil)
	require.NoError(t, fresh.orch.Run(context.Background(), resumed))

	assert.Equal(t, 1, fresh.backend.Calls("video"), "only the missing scene runs")
	assert.Equal(t, 1, fresh.backend.Calls("image"), "one keyframe, anchor reused")
	assert.Len(t, resumed.CompletedResults(), 3)
	assert.InDelta(t, full.Cost, resumed.Cost, 1e-9)
	assert.Equal(t, full.Usage[ir.UsageVideoSeconds], resumed.Usage[ir.UsageVideoSeconds])
}

func TestPipeline_MusicFallsBackToSilentBed(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.MusicHook = func(media.MusicRequest) error {
		return &media.StatusError{Provider: "elevenlabs", Code: 401, Err: errors.New("invalid api key")}
	}

	st := newState()
	require.NoError(t, rig.orch.Run(context.Background(), st))

	require.NotNil(t, st.Music)
	assert.Equal(t, "silent-bed", st.Music.Model)
	assert.True(t, st.Music.Degraded)
	assert.Zero(t, st.Usage[ir.UsageMusicSeconds])
	assert.Equal(t, 1, rig.local.Calls("music"))
}

func TestPipeline_MusicPromptReachesBackend(t *testing.T) {
	rig := newRig(t, nil)
	var got media.MusicRequest
	rig.backend.MusicHook = func(req media.MusicRequest) error {
		got = req
		return nil
	}

	st := newState()
	st.Project.MusicMood = "calm and cozy"
	require.NoError(t, rig.orch.Run(context.Background(), st))

	assert.Equal(t, "Chill lo-fi hip hop beat, relaxing, background music, soft piano", got.Prompt)
	assert.Equal(t, "calm and cozy", got.Mood)
	assert.Equal(t, 12.0, got.DurationSeconds)
}

func TestMusicPrompt_Priority(t *testing.T) {
	backend := null.New()
	p := &Pipeline{Text: backend, TextModel: "gemini-2.5-flash", Pricing: pricing.Default()}
	ctx := context.Background()

	st := newState()
	st.Project.MusicPrompt = "Solo ukulele, sunny"
	st.Project.MusicMood = "dark"
	st.Project.Brand = &ir.Brand{MusicStyle: "Brand jingle, brass"}
	prompt, mood, cost, _ := p.musicPrompt(ctx, st)
	assert.Equal(t, "Solo ukulele, sunny", prompt)
	assert.Equal(t, "dark", mood)
	assert.Zero(t, cost)

	st.Project.MusicPrompt = ""
	prompt, _, _, _ = p.musicPrompt(ctx, st)
	assert.Equal(t, "Brand jingle, brass", prompt)

	st.Project.Brand = nil
	prompt, _, _, _ = p.musicPrompt(ctx, st)
	assert.Contains(t, prompt, "Cinematic dark ambient")
	assert.Zero(t, backend.Calls("text"))

	// Unknown moods fall through to the text model, which is billed.
	st.Project.MusicMood = "whimsical"
	prompt, _, cost, usage := p.musicPrompt(ctx, st)
	assert.Equal(t, "Warm acoustic background music, light percussion", prompt)
	assert.Equal(t, 1, backend.Calls("text"))
	assert.Positive(t, cost)
	assert.Positive(t, usage[ir.UsageLLMTokensIn])

	// Without a mood the character's vibe is used.
	st.Project.MusicMood = ""
	st.DNA = &ir.VisualDNA{Character: map[string]string{"vibe": "Relaxed weekend hiker"}}
	prompt, mood, _, _ = p.musicPrompt(ctx, st)
	assert.Contains(t, prompt, "lo-fi")
	assert.Equal(t, "Relaxed weekend hiker", mood)

	st.DNA = nil
	backend.TextHook = func(media.TextRequest) error { return errors.New("unavailable") }
	prompt, mood, cost, _ = p.musicPrompt(ctx, st)
	assert.Equal(t, DefaultMusicPrompt, prompt)
	assert.Equal(t, "neutral", mood)
	assert.Zero(t, cost)
}

func TestVibePrompt(t *testing.T) {
	prompt, ok := VibePrompt("Super ENERGETIC")
	assert.True(t, ok)
	assert.Contains(t, prompt, "high energy")

	_, ok = VibePrompt("whimsical")
	assert.False(t, ok)
}

func TestPipeline_VoiceAndMusicDisabled(t *testing.T) {
	backend := null.New()
	st := newState()

	pl := &Pipeline{
		Text: backend, TextModel: "gemini-2.5-flash",
		Images:    NewChain(Strategy[media.ImageRequest, *media.Media]{Name: "img", Attempt: backend.GenerateImage}),
		Videos:    NewChain(Strategy[media.VideoRequest, *media.Media]{Name: "vid", Attempt: backend.GenerateVideo}),
		Speech:    backend,
		Music:     NewChain(Strategy[media.MusicRequest, *media.Media]{Name: "bed", Attempt: backend.GenerateMusic}),
		Assembler: backend,
	}
	orch, err := NewOrchestrator(pl.Stages()...)
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background(), st))

	assert.True(t, st.Voice.Disabled)
	assert.True(t, st.Music.Disabled)
	assert.Zero(t, backend.Calls("speech"))
	assert.Zero(t, backend.Calls("music"))
	assert.Nil(t, st.EndCard)
}

func TestPipeline_DNAFailureIsStageFailure(t *testing.T) {
	rig := newRig(t, nil)
	rig.backend.TextHook = func(media.TextRequest) error { return errors.New("invalid api key") }

	st := newState()
	err := rig.orch.Run(context.Background(), st)

	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, StageExtractDNA, sf.Stage)
	assert.Equal(t, ir.StatusFailed, st.Status)
	assert.Zero(t, rig.backend.Calls("video"))
}

func TestDefaultShotList(t *testing.T) {
	scenes := DefaultShotList(&ir.Project{Name: "TrailSock"})
	ids := make([]string, len(scenes))
	for i, sc := range scenes {
		ids[i] = sc.ID
	}
	assert.Equal(t, []string{"Hook", "Feature", "Lifestyle", "CTA"}, ids)
	assert.Contains(t, scenes[0].Description, "TrailSock")
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "no json", extractJSON("no json"))
}
