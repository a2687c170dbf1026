package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/logging"
	"github.com/adreel-io/adreel/internal/pricing"
	"github.com/adreel-io/adreel/pkg/media"
)

// DefaultSceneSeconds is the clip length used when a scene has none.
const DefaultSceneSeconds = 6

// Pipeline holds the backends the concrete stages call.
type Pipeline struct {
	Text      media.TextGenerator
	TextModel string

	Images *Chain[media.ImageRequest, *media.Media]
	Videos *Chain[media.VideoRequest, *media.Media]
	// EndCards renders the closing brand card; nil disables it.
	EndCards media.ImageGenerator

	Speech      media.SpeechGenerator
	SpeechModel string
	Voice       string
	// Music is the background track chain; its last tier should be a
	// degraded bed that cannot fail.
	Music     *Chain[media.MusicRequest, *media.Media]
	Assembler media.Assembler

	Pricing  *pricing.Table
	Executor *SceneExecutor

	AspectRatio   string
	VoiceRequired bool
	BGMRequired   bool

	Logger *slog.Logger
}

// Stages returns the pipeline graph:
//
//	extract_dna -> generate_script -> generate_character_anchor ->
//	generate_scenes -> {generate_voice, generate_bgm} -> assemble
func (p *Pipeline) Stages() []Stage {
	return []Stage{
		NewStage(StageExtractDNA, nil, (*ir.PipelineState).HasDNA, p.extractDNA),
		NewStage(StageGenerateScript, []string{StageExtractDNA}, (*ir.PipelineState).HasScript, p.generateScript),
		NewStage(StageCharacterAnchor, []string{StageGenerateScript}, (*ir.PipelineState).HasCharacterAnchor, p.characterAnchor),
		NewStage(StageGenerateScenes, []string{StageCharacterAnchor}, ScenesDone, p.generateScenes),
		NewStage(StageGenerateVoice, []string{StageGenerateScenes}, (*ir.PipelineState).HasVoice, p.generateVoice),
		NewStage(StageGenerateBGM, []string{StageGenerateScenes}, (*ir.PipelineState).HasMusic, p.generateBGM),
		NewStage(StageAssemble, []string{StageGenerateVoice, StageGenerateBGM}, (*ir.PipelineState).HasFinal, p.assemble),
	}
}

// ScenesDone reports whether scene generation can be skipped: no
// regeneration is pending and either a scene stage already ran to the end or
// every slot holds a result. A slot left empty by a settled stage is only
// retried through regeneration, so resuming a finished run never re-bills it.
func ScenesDone(st *ir.PipelineState) bool {
	return st.Regeneration == nil && (st.ScenesSettled || st.HasAllScenes())
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logging.With("component", "pipeline")
}

func (p *Pipeline) aspect(st *ir.PipelineState) string {
	if st.Project != nil && st.Project.AspectRatio != "" {
		return st.Project.AspectRatio
	}
	if p.AspectRatio != "" {
		return p.AspectRatio
	}
	return "9:16"
}

func (p *Pipeline) textCall(ctx context.Context, req media.TextRequest) (*media.TextResponse, float64, ir.Usage, error) {
	if req.Model == "" {
		req.Model = p.TextModel
	}
	resp, err := p.Text.GenerateText(ctx, req)
	if err != nil {
		return nil, 0, nil, err
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	cost := p.Pricing.TextCost(model, resp.TokensIn, resp.TokensOut)
	usage := ir.Usage{
		ir.UsageLLMTokensIn:  float64(resp.TokensIn),
		ir.UsageLLMTokensOut: float64(resp.TokensOut),
	}
	return resp, cost, usage, nil
}

const dnaSystem = `You are a creative director for short vertical video ads.
Describe the product, an on-screen character who would use it, and the visual style.
Respond with one JSON object with keys "product", "character" and "visual_style",
each an object of short string attributes.`

func (p *Pipeline) extractDNA(ctx context.Context, st *ir.PipelineState) (Update, error) {
	resp, cost, usage, err := p.textCall(ctx, media.TextRequest{
		System:    dnaSystem,
		Prompt:    describeInput(st),
		JSON:      true,
		ImagePath: st.SourceImage,
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Product   map[string]any `json:"product"`
		Character map[string]any `json:"character"`
		Style     map[string]any `json:"visual_style"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &raw); err != nil {
		return nil, &StageFailure{
			Stage:          StageExtractDNA,
			Reason:         fmt.Sprintf("unparseable DNA response: %v", err),
			UserMessage:    "We couldn't understand your product description. You will not be charged.",
			RefundRequired: true,
			Err:            err,
		}
	}
	dna := &ir.VisualDNA{
		Product:   stringify(raw.Product),
		Character: stringify(raw.Character),
		Style:     stringify(raw.Style),
	}

	return func(st *ir.PipelineState) {
		st.DNA = dna
		st.AddCost(cost, usage)
	}, nil
}

const scriptSystem = `You write 15-30 second vertical video ad scripts.
Break the ad into 3-5 scenes. Respond with one JSON object:
{"script": "<full voiceover>", "scenes": [{"id": "Hook", "description": "<visual>",
"narration": "<line>", "duration_seconds": 6}]}.
Scene ids are short single words and the last scene id is "CTA".`

type scriptResponse struct {
	Script string          `json:"script"`
	Scenes []*ir.SceneSpec `json:"scenes"`
}

func (p *Pipeline) generateScript(ctx context.Context, st *ir.PipelineState) (Update, error) {
	if st.Project != nil && len(st.Project.Scenes) > 0 {
		scenes := cloneScenes(st.Project.Scenes)
		script := joinNarration(scenes)
		return func(st *ir.PipelineState) {
			st.Script = &script
			st.Scenes = scenes
		}, nil
	}

	resp, cost, usage, err := p.textCall(ctx, media.TextRequest{
		System: scriptSystem,
		Prompt: describeInput(st) + "\n\nVisual DNA:\n" + describeDNA(st.DNA),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}

	var parsed scriptResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
		p.logger().Warn("script response unparseable, using default shot list", "error", err)
	}

	scenes := make([]*ir.SceneSpec, 0, len(parsed.Scenes))
	seen := make(map[string]bool)
	for _, sc := range parsed.Scenes {
		if sc == nil || sc.ID == "" || seen[sc.ID] {
			continue
		}
		seen[sc.ID] = true
		if sc.DurationSeconds <= 0 {
			sc.DurationSeconds = DefaultSceneSeconds
		}
		scenes = append(scenes, sc)
	}
	if len(scenes) == 0 {
		scenes = DefaultShotList(st.Project)
	}
	script := parsed.Script
	if script == "" {
		script = joinNarration(scenes)
	}

	return func(st *ir.PipelineState) {
		st.Script = &script
		st.Scenes = scenes
		st.AddCost(cost, usage)
	}, nil
}

// DefaultShotList is used when the script yields no usable scenes.
func DefaultShotList(project *ir.Project) []*ir.SceneSpec {
	product := "the product"
	cta := "Shop now"
	if project != nil {
		if project.Name != "" {
			product = project.Name
		}
		if project.CTAText != "" {
			cta = project.CTAText
		}
	}
	return []*ir.SceneSpec{
		{ID: "Hook", Description: "Attention-grabbing close-up of " + product, Narration: "Meet " + product + ".", DurationSeconds: DefaultSceneSeconds},
		{ID: "Feature", Description: "The character demonstrates the key feature of " + product, Narration: "It just works.", DurationSeconds: DefaultSceneSeconds},
		{ID: "Lifestyle", Description: "The character enjoys " + product + " in an everyday setting", Narration: "Made for your day.", DurationSeconds: DefaultSceneSeconds},
		{ID: "CTA", Description: "Hero shot of " + product + " with space for text", Narration: cta + ".", DurationSeconds: DefaultSceneSeconds},
	}
}

func (p *Pipeline) characterAnchor(ctx context.Context, st *ir.PipelineState) (Update, error) {
	prompt := "Portrait reference of the ad's main character. " + describeMap(st.DNA.Character)
	if st.Project != nil && st.Project.Brand != nil && st.Project.Brand.CharacterPrompt != "" {
		prompt += " " + st.Project.Brand.CharacterPrompt
	}
	prompt += " Style: " + describeMap(st.DNA.Style)

	aspect := p.aspect(st)
	out, tier, err := p.Images.Run(ctx, media.ImageRequest{
		Prompt:      prompt,
		AspectRatio: aspect,
		OutputPath:  filepath.Join(st.OutputDir, "character_anchor.png"),
	})
	if err != nil {
		return nil, err
	}
	art := out.Artifact
	art.Kind = "image"
	art.Model = tier.Name
	art.Degraded = tier.Degraded
	cost := p.Pricing.ImageCost(tier.Name, 1, aspect)

	return func(st *ir.PipelineState) {
		st.CharacterAnchor = &art
		st.AddCost(cost, ir.Usage{ir.UsageImages: 1})
	}, nil
}

func (p *Pipeline) generateScenes(ctx context.Context, st *ir.PipelineState) (Update, error) {
	logger := p.logger()
	target := ""
	scope := MissingScenes(st.Results)
	var previous []string
	if st.Regeneration != nil {
		target = st.Regeneration.SceneID
		scope = OnlyScene(target)
		if idx := st.SceneIndex(target); idx >= 0 && idx < len(st.Results) {
			previous = st.Results[idx].Refs()
		}
		logger.Info("regenerating scene", "scene_id", target)
	}

	exec := SceneExecutor{Workers: DefaultWorkers}
	if p.Executor != nil {
		exec = *p.Executor
	}
	exec.OnProgress = p.checkpointScenes(ctx, st, previous, exec.OnProgress)
	batch := exec.Execute(ctx, st.Scenes, st.Results, scope, p.sceneTask(st))

	if target == "" && len(st.CompletedResults()) == 0 && len(batch.Failures) == len(st.Scenes) {
		return nil, Fail(StageGenerateScenes, fmt.Sprintf("all %d scenes failed: %v", len(st.Scenes), errors.Join(failureErrs(batch.Failures)...)))
	}

	var (
		endCard     *ir.Artifact
		endCardCost float64
	)
	if p.EndCards != nil && (target == "" || target == EndCardSceneID) && (st.EndCard == nil || target == EndCardSceneID) {
		aspect := p.aspect(st)
		out, err := p.EndCards.GenerateImage(ctx, media.ImageRequest{
			AspectRatio: aspect,
			OutputPath:  filepath.Join(st.OutputDir, "end_card.png"),
			Lines:       endCardLines(st.Project),
		})
		if err != nil {
			logger.Warn("end card generation failed", "error", err)
		} else {
			art := out.Artifact
			art.Kind = "end_card"
			endCard = &art
			endCardCost = p.Pricing.ImageCost(art.Model, 1, aspect)
		}
	}

	var regenErr error
	if len(batch.Failures) > 0 {
		regenErr = batch.Failures[0].Err
	}

	return func(st *ir.PipelineState) {
		st.Results = batch.Results
		st.AddCost(batch.Cost, batch.Usage)
		if endCard != nil {
			st.EndCard = endCard
			st.AddCost(endCardCost, nil)
		}
		if target != "" {
			settleRegeneration(st, previous, regenErr)
		}
		st.ScenesSettled = true
	}, nil
}

// checkpointScenes returns a progress callback that folds every completed
// scene into a private copy of st and checkpoints it, so a crash mid-stage
// loses at most the scenes still in flight. next, if set, is called first.
func (p *Pipeline) checkpointScenes(ctx context.Context, st *ir.PipelineState, previous []string, next func(SceneProgress)) func(SceneProgress) {
	partial := *st
	partial.Results = make([]*ir.SceneResult, len(st.Scenes))
	copy(partial.Results, st.Results)
	partial.Usage = maps.Clone(st.Usage)
	partial.History = slices.Clip(st.History)

	return func(sp SceneProgress) {
		if next != nil {
			next(sp)
		}
		if sp.Result == nil {
			return
		}
		partial.Results[sp.Index] = sp.Result
		partial.AddCost(sp.Result.Cost, sp.Usage)
		partial.UpdatedAt = time.Now().UTC()
		if partial.Regeneration != nil && partial.Regeneration.SceneID == sp.SceneID {
			settleRegeneration(&partial, previous, nil)
		}
		Checkpoint(ctx, &partial)
	}
}

// sceneTask renders a keyframe, then animates it through the video chain.
func (p *Pipeline) sceneTask(st *ir.PipelineState) SceneTask {
	aspect := p.aspect(st)
	character := ""
	if st.DNA != nil {
		character = describeMap(st.DNA.Character)
	}
	anchor := ""
	if st.CharacterAnchor != nil {
		anchor = st.CharacterAnchor.LocalPath
	}
	outDir := st.OutputDir

	return func(ctx context.Context, idx int, scene *ir.SceneSpec) (*ir.SceneResult, ir.Usage, error) {
		directives := scene.Directives()
		base := fmt.Sprintf("%d_%s", idx, scene.ID)
		duration := scene.DurationSeconds
		if duration <= 0 {
			duration = DefaultSceneSeconds
		}

		img, imgTier, err := p.Images.Run(ctx, media.ImageRequest{
			Prompt:      directives + " Character: " + character,
			AspectRatio: aspect,
			OutputPath:  filepath.Join(outDir, base+"_image.png"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("keyframe: %w", err)
		}
		keyframe := img.Artifact
		keyframe.Kind = "image"
		keyframe.Model = imgTier.Name
		if keyframe.LocalPath == "" {
			keyframe.LocalPath = anchor
		}

		vid, vidTier, err := p.Videos.Run(ctx, media.VideoRequest{
			Prompt:          directives,
			AspectRatio:     aspect,
			DurationSeconds: duration,
			ImagePath:       keyframe.LocalPath,
			OutputPath:      filepath.Join(outDir, base+"_video.mp4"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("video: %w", err)
		}
		clip := vid.Artifact
		clip.Kind = "video"
		clip.Model = vidTier.Name
		clip.Degraded = vidTier.Degraded
		seconds := vid.Seconds
		if seconds <= 0 {
			seconds = duration
		}

		usage := ir.Usage{ir.UsageImages: 1}
		if !vidTier.Degraded {
			usage[ir.UsageVideoSeconds] = seconds
		}
		requested := ""
		if len(p.Videos.Tiers) > 0 {
			requested = p.Videos.Tiers[0].Name
		}
		return &ir.SceneResult{
			SceneID:        scene.ID,
			Artifacts:      []ir.Artifact{keyframe, clip},
			Cost:           p.Pricing.ImageCost(imgTier.Name, 1, aspect) + p.Pricing.VideoCost(vidTier.Name, seconds),
			Model:          vidTier.Name,
			RequestedModel: requested,
			Degraded:       vidTier.Degraded,
		}, usage, nil
	}
}

func (p *Pipeline) generateVoice(ctx context.Context, st *ir.PipelineState) (Update, error) {
	if !p.VoiceRequired || p.Speech == nil {
		return func(st *ir.PipelineState) {
			st.Voice = &ir.Artifact{Kind: "voice", Disabled: true}
		}, nil
	}

	text := joinNarration(st.Scenes)
	if text == "" && st.Script != nil {
		text = *st.Script
	}
	out, err := p.Speech.GenerateSpeech(ctx, media.SpeechRequest{
		Model:      p.SpeechModel,
		Text:       text,
		Voice:      p.Voice,
		OutputPath: filepath.Join(st.OutputDir, "voiceover.mp3"),
	})
	if err != nil {
		return nil, err
	}
	art := out.Artifact
	art.Kind = "voice"
	if art.Model == "" {
		art.Model = p.SpeechModel
	}
	chars := len([]rune(text))
	cost := p.Pricing.SpeechCost(art.Model, chars)

	return func(st *ir.PipelineState) {
		st.Voice = &art
		st.AddCost(cost, ir.Usage{ir.UsageVoiceChars: float64(chars)})
	}, nil
}

func (p *Pipeline) generateBGM(ctx context.Context, st *ir.PipelineState) (Update, error) {
	if !p.BGMRequired || p.Music == nil || len(p.Music.Tiers) == 0 {
		return func(st *ir.PipelineState) {
			st.Music = &ir.Artifact{Kind: "music", Disabled: true}
		}, nil
	}

	prompt, mood, cost, usage := p.musicPrompt(ctx, st)
	var total float64
	for _, sc := range st.Scenes {
		total += sc.DurationSeconds
	}

	out, tier, err := p.Music.Run(ctx, media.MusicRequest{
		Prompt:          prompt,
		Mood:            mood,
		DurationSeconds: total,
		OutputPath:      filepath.Join(st.OutputDir, "music.wav"),
	})
	if err != nil {
		return nil, err
	}
	art := out.Artifact
	art.Kind = "music"
	art.Model = tier.Name
	art.Degraded = tier.Degraded

	seconds := out.Seconds
	if seconds <= 0 {
		seconds = total
	}
	cost += p.Pricing.MusicCost(tier.Name, seconds)
	if !tier.Degraded {
		if usage == nil {
			usage = ir.Usage{}
		}
		usage[ir.UsageMusicSeconds] = seconds
	}
	p.logger().Info("background music ready", "model", tier.Name, "degraded", tier.Degraded, "prompt", prompt)

	return func(st *ir.PipelineState) {
		st.Music = &art
		st.AddCost(cost, usage)
	}, nil
}

func (p *Pipeline) assemble(ctx context.Context, st *ir.PipelineState) (Update, error) {
	var clips []ir.Artifact
	for _, res := range st.CompletedResults() {
		for _, art := range res.Artifacts {
			if art.Kind == "video" {
				clips = append(clips, art)
			}
		}
	}
	if len(clips) == 0 {
		return nil, Fail(StageAssemble, "no scene clips to assemble")
	}

	out, err := p.Assembler.Assemble(ctx, media.AssembleRequest{
		Scenes:      clips,
		EndCard:     st.EndCard,
		Voice:       activeArtifact(st.Voice),
		Music:       activeArtifact(st.Music),
		AspectRatio: p.aspect(st),
		OutputPath:  filepath.Join(st.OutputDir, "final.mp4"),
	})
	if err != nil {
		return nil, err
	}
	art := out.Artifact
	art.Kind = "final"
	return func(st *ir.PipelineState) {
		st.Final = &art
	}, nil
}

func activeArtifact(a *ir.Artifact) *ir.Artifact {
	if a == nil || a.Disabled {
		return nil
	}
	return a
}

func failureErrs(failures []*SceneTaskFailure) []error {
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return errs
}

func describeInput(st *ir.PipelineState) string {
	var b strings.Builder
	b.WriteString(st.Input)
	if pr := st.Project; pr != nil {
		for _, kv := range [][2]string{
			{"Product", pr.Name},
			{"Description", pr.Description},
			{"Target geography", pr.Geography},
			{"Style", pr.Style},
			{"Call to action", pr.CTAText},
		} {
			if kv[1] != "" {
				fmt.Fprintf(&b, "\n%s: %s", kv[0], kv[1])
			}
		}
		if pr.Brand != nil && pr.Brand.Name != "" {
			fmt.Fprintf(&b, "\nBrand: %s", pr.Brand.Name)
		}
	}
	return strings.TrimSpace(b.String())
}

func describeDNA(dna *ir.VisualDNA) string {
	if dna == nil {
		return ""
	}
	return fmt.Sprintf("product: %s\ncharacter: %s\nstyle: %s",
		describeMap(dna.Product), describeMap(dna.Character), describeMap(dna.Style))
}

// describeMap renders attributes in a stable order.
func describeMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+m[k])
	}
	return strings.Join(parts, "; ")
}

func endCardLines(pr *ir.Project) []string {
	if pr == nil {
		return []string{"Shop now"}
	}
	var lines []string
	name := pr.Name
	if pr.Brand != nil && pr.Brand.Name != "" {
		name = pr.Brand.Name
	}
	for _, l := range []string{name, pr.CTAText, pr.Website} {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func joinNarration(scenes []*ir.SceneSpec) string {
	var parts []string
	for _, sc := range scenes {
		if sc.Narration != "" {
			parts = append(parts, sc.Narration)
		}
	}
	return strings.Join(parts, " ")
}

func cloneScenes(in []*ir.SceneSpec) []*ir.SceneSpec {
	out := make([]*ir.SceneSpec, 0, len(in))
	for _, sc := range in {
		cp := *sc
		cp.Modifications = append([]string(nil), sc.Modifications...)
		if cp.DurationSeconds <= 0 {
			cp.DurationSeconds = DefaultSceneSeconds
		}
		out = append(out, &cp)
	}
	return out
}

// extractJSON trims markdown fences and prose around a JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

func stringify(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}
