package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adreel-io/adreel/internal/config"
	"github.com/adreel-io/adreel/internal/engine"
	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/logging"
	"github.com/adreel-io/adreel/internal/pricing"
	"github.com/adreel-io/adreel/internal/provider"
	"github.com/adreel-io/adreel/internal/quota"
	"github.com/adreel-io/adreel/internal/state"
	"github.com/adreel-io/adreel/pkg/media"
	"github.com/adreel-io/adreel/providers/elevenlabs"
	"github.com/adreel-io/adreel/providers/google"
	"github.com/adreel-io/adreel/providers/local"
	"github.com/adreel-io/adreel/providers/null"
	"github.com/adreel-io/adreel/providers/openai"
)

// openQuotaStore opens the shared quota store selected by configuration.
func openQuotaStore(ctx context.Context, c *config.Config) (quota.Store, error) {
	switch c.Quota.Store {
	case "memory":
		return quota.NewMemoryStore(), nil
	case "file":
		return quota.NewFileStore(c.QuotaPath())
	case "sqlite":
		return quota.NewSQLiteStore(c.QuotaPath())
	case "dynamodb":
		return quota.NewDynamoStore(ctx, quota.DynamoConfig{
			Bucket: c.Quota.Bucket,
			Key:    c.Quota.Key,
			Table:  c.Quota.Table,
			Region: c.Quota.Region,
		})
	default:
		return nil, fmt.Errorf("unknown quota store %q", c.Quota.Store)
	}
}

// newGovernor opens the quota store and builds a governor over it. The
// caller closes the returned store.
func newGovernor(ctx context.Context, c *config.Config) (*quota.Governor, quota.Store, error) {
	store, err := openQuotaStore(ctx, c)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open quota store: %w", err)
	}
	clock, err := quota.NewResetClock(c.Quota.Reset.Timezone, c.Quota.Reset.Hour)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	gov := quota.NewGovernor(store, c.Quota.Limits,
		quota.WithMargin(c.Quota.Margin.D()),
		quota.WithResetClock(clock),
		quota.WithLogger(logging.With("component", "quota")),
	)
	return gov, store, nil
}

// lockSlack covers the final snapshot and notification after a run's
// deadline has passed.
const lockSlack = 5 * time.Minute

// lockTTL is how long a local run lock survives without a snapshot. It
// outlasts the run deadline so a live run's lock is never broken.
func lockTTL(c *config.Config) time.Duration {
	return max(state.StaleLockAge, c.Pipeline.RunTimeout.D()+lockSlack)
}

// openStateBackend returns where run snapshots live.
func openStateBackend(ctx context.Context, c *config.Config) (state.Backend, error) {
	return state.NewBackend(ctx, &state.BackendConfig{
		Type: c.State.Backend,
		Dir:  c.State.Dir,
		Config: map[string]string{
			"bucket": c.State.Bucket,
			"prefix": c.State.KeyPrefix,
			"region": c.State.Region,
		},
		LockTTL: lockTTL(c),
	})
}

// newSink builds the notification sink: always the log, plus SNS when a
// topic is configured.
func newSink(ctx context.Context, c *config.Config, logger *slog.Logger) (state.Sink, error) {
	sinks := state.MultiSink{state.LogSink{Logger: logger}}
	if c.State.SNSTopicARN != "" {
		sns, err := state.NewSNSSink(ctx, c.State.SNSTopicARN, c.State.Region)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sns)
	}
	return sinks, nil
}

// newRegistry returns a provider registry. In dry-run mode every remote
// backend is replaced by the null backend and ffmpeg is never invoked.
func newRegistry(c *config.Config, dryRun bool) *provider.Registry {
	reg := provider.NewRegistry(provider.Options{
		OpenAIKey:     c.OpenAIKey,
		GeminiKey:     c.GeminiKey,
		ElevenLabsKey: c.ElevenLabsKey,
	})
	if dryRun {
		fake := null.New()
		reg.Register(google.Name, fake)
		reg.Register(openai.Name, fake)
		reg.Register(elevenlabs.Name, fake)
		reg.Register(local.Name, local.New(local.WithRunner(nil)))
	}
	return reg
}

// buildPipeline resolves every configured backend and assembles the stage
// set. Tiers with quota limits are gated by gov. The local Ken Burns renderer
// is always the last, degraded video tier and the local silent bed the last
// music tier.
func buildPipeline(c *config.Config, reg *provider.Registry, gov *quota.Governor, logger *slog.Logger) (*engine.Pipeline, error) {
	policy := engine.PolicyFromAttempts(c.Pipeline.Retry.MaxAttempts, c.Pipeline.Retry.BaseDelay.D(), c.Pipeline.Retry.MaxDelay.D())

	text, err := reg.Text(c.Models.Text.Provider)
	if err != nil {
		return nil, err
	}

	var imageTiers []engine.Strategy[media.ImageRequest, *media.Media]
	for _, ref := range c.Models.Image {
		gen, err := reg.Image(ref.Provider)
		if err != nil {
			return nil, err
		}
		imageTiers = append(imageTiers, engine.Gate(gov, ref.Model, policy, imageTier(ref.Model, gen)))
	}
	if len(imageTiers) == 0 {
		return nil, fmt.Errorf("models.image must list at least one model")
	}

	var videoTiers []engine.Strategy[media.VideoRequest, *media.Media]
	for _, ref := range c.Models.Video {
		gen, err := reg.Video(ref.Provider)
		if err != nil {
			return nil, err
		}
		videoTiers = append(videoTiers, engine.Gate(gov, ref.Model, policy, videoTier(ref.Model, gen, false)))
	}
	kenBurns, err := reg.Video(local.Name)
	if err != nil {
		return nil, err
	}
	videoTiers = append(videoTiers, videoTier(local.KenBurnsModel, kenBurns, true))

	endCards, err := reg.Image(local.Name)
	if err != nil {
		return nil, err
	}
	assembler, err := reg.Assembler(local.Name)
	if err != nil {
		return nil, err
	}

	p := &engine.Pipeline{
		Text:          text,
		TextModel:     c.Models.Text.Model,
		Images:        &engine.Chain[media.ImageRequest, *media.Media]{Tiers: imageTiers, Logger: logger},
		Videos:        &engine.Chain[media.VideoRequest, *media.Media]{Tiers: videoTiers, Logger: logger},
		EndCards:      endCards,
		Assembler:     assembler,
		Pricing:       pricing.FromConfig(c.Pricing),
		AspectRatio:   c.Pipeline.AspectRatio,
		VoiceRequired: c.VoiceRequired(),
		BGMRequired:   c.BGMRequired(),
		Logger:        logger,
	}

	if p.VoiceRequired && c.Models.Speech.Provider != "" {
		if p.Speech, err = reg.Speech(c.Models.Speech.Provider); err != nil {
			return nil, err
		}
		p.SpeechModel = c.Models.Speech.Model
	}
	if p.BGMRequired {
		var musicTiers []engine.Strategy[media.MusicRequest, *media.Media]
		for _, ref := range c.Models.Music {
			if ref.Model == local.SilentModel {
				continue
			}
			gen, err := reg.Music(ref.Provider)
			if err != nil {
				return nil, err
			}
			musicTiers = append(musicTiers, engine.Gate(gov, ref.Model, policy, musicTier(ref.Model, gen, false)))
		}
		bed, err := reg.Music(local.Name)
		if err != nil {
			return nil, err
		}
		musicTiers = append(musicTiers, musicTier(local.SilentModel, bed, true))
		p.Music = &engine.Chain[media.MusicRequest, *media.Media]{Tiers: musicTiers, Logger: logger}
	}
	return p, nil
}

func imageTier(model string, gen media.ImageGenerator) engine.Strategy[media.ImageRequest, *media.Media] {
	return engine.Strategy[media.ImageRequest, *media.Media]{
		Name: model,
		Attempt: func(ctx context.Context, req media.ImageRequest) (*media.Media, error) {
			req.Model = model
			return gen.GenerateImage(ctx, req)
		},
	}
}

func videoTier(model string, gen media.VideoGenerator, degraded bool) engine.Strategy[media.VideoRequest, *media.Media] {
	return engine.Strategy[media.VideoRequest, *media.Media]{
		Name:     model,
		Degraded: degraded,
		Attempt: func(ctx context.Context, req media.VideoRequest) (*media.Media, error) {
			req.Model = model
			return gen.GenerateVideo(ctx, req)
		},
	}
}

func musicTier(model string, gen media.MusicGenerator, degraded bool) engine.Strategy[media.MusicRequest, *media.Media] {
	return engine.Strategy[media.MusicRequest, *media.Media]{
		Name:     model,
		Degraded: degraded,
		Attempt: func(ctx context.Context, req media.MusicRequest) (*media.Media, error) {
			req.Model = model
			return gen.GenerateMusic(ctx, req)
		},
	}
}

// runner bundles everything one pipeline invocation needs.
type runner struct {
	backend state.Backend
	gov     *quota.Governor
	store   quota.Store
	sink    state.Sink
	orch    *engine.Orchestrator
	logger  *slog.Logger
}

// newRunner wires config, quota, providers, state and notifications into an
// orchestrator for runID.
func newRunner(ctx context.Context, c *config.Config, runID string, dryRun bool) (*runner, error) {
	logger := logging.With("run_id", runID)

	backend, err := openStateBackend(ctx, c)
	if err != nil {
		return nil, err
	}
	if dryRun {
		c.Quota.Store = "memory"
		c.Quota.Limits = nil
	}
	gov, store, err := newGovernor(ctx, c)
	if err != nil {
		return nil, err
	}
	sink, err := newSink(ctx, c, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	p, err := buildPipeline(c, newRegistry(c, dryRun), gov, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	p.Executor = &engine.SceneExecutor{
		Workers: c.Pipeline.Workers,
		Logger:  logger,
		OnProgress: func(sp engine.SceneProgress) {
			status := "ok"
			if sp.Err != nil {
				status = "failed"
			}
			fmt.Printf("  scene %-10s %d/%d %s (%s)\n", sp.SceneID, sp.Completed, sp.Total, status, sp.Duration.Round(time.Second))
		},
	}

	orch, err := engine.NewOrchestrator(p.Stages()...)
	if err != nil {
		store.Close()
		return nil, err
	}
	orch.StageTimeout = c.Pipeline.StageTimeout.D()
	orch.RunTimeout = c.Pipeline.RunTimeout.D()
	orch.Logger = logger
	orch.Snapshot = backend.Write
	orch.OnEvent = printEvent
	orch.Compensate = func(ctx context.Context, st *ir.PipelineState, f *engine.StageFailure) {
		n := state.Notification{
			RunID:   st.RunID,
			Stage:   f.Stage,
			Status:  string(ir.StatusFailed),
			Message: f.UserMessage,
			Cost:    st.Cost,
			Refund:  f.RefundRequired,
			At:      time.Now().UTC(),
		}
		if err := sink.Publish(ctx, n); err != nil {
			logger.Error("failed to publish refund notification", "error", err)
		}
	}

	return &runner{backend: backend, gov: gov, store: store, sink: sink, orch: orch, logger: logger}, nil
}

// execute locks runID, loads the state to run through prepare, drives it
// and publishes the outcome. prepare runs under the lock, so no other process
// can change the snapshot between reading and running it. The returned state
// is nil when prepare fails.
func (r *runner) execute(ctx context.Context, runID string, prepare func(context.Context) (*ir.PipelineState, error)) (*ir.PipelineState, error) {
	if err := r.backend.Lock(ctx, runID); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.backend.Unlock(runID); err != nil {
			r.logger.Warn("failed to release run lock", "error", err)
		}
	}()

	st, err := prepare(ctx)
	if err != nil {
		return nil, err
	}
	return st, r.run(ctx, st)
}

// run drives a locked run to completion and publishes the outcome.
func (r *runner) run(ctx context.Context, st *ir.PipelineState) error {
	err := r.orch.Run(ctx, st)
	if err == nil {
		n := state.Notification{RunID: st.RunID, Status: string(st.Status), Cost: st.Cost, At: time.Now().UTC()}
		if st.Final != nil {
			n.Message = st.Final.Ref()
		}
		if perr := r.sink.Publish(ctx, n); perr != nil {
			r.logger.Error("failed to publish notification", "error", perr)
		}
	}
	return err
}

func (r *runner) Close() error {
	return r.store.Close()
}

func printEvent(e engine.Event) {
	switch e.Status {
	case "started":
		fmt.Printf("%s→%s %s\n", colorize(colorBold), colorize(colorReset), e.Stage)
	case "skipped":
		fmt.Printf("  %s (already done)\n", e.Stage)
	case "completed":
		fmt.Printf("%s✓%s %s (%s)\n", colorize(colorGreen), colorize(colorReset), e.Stage, e.Duration.Round(time.Millisecond))
	case "failed":
		fmt.Printf("%s✗%s %s: %v\n", colorize(colorRed), colorize(colorReset), e.Stage, e.Error)
	}
}
