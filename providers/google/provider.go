// Package google implements text, image and video backends on the Gemini
// API: Gemini for text, Imagen for stills and Veo for clips.
package google

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/pkg/media"
)

// Name is the registry name of this backend.
const Name = "google"

const (
	DefaultTextModel  = "gemini-2.5-flash"
	DefaultImageModel = "imagen-4.0-generate-001"
	DefaultVideoModel = "veo-3.1-fast-generate-preview"

	DefaultPollInterval = 10 * time.Second
)

// Provider lazily creates one genai client and shares it across calls.
type Provider struct {
	apiKey       string
	pollInterval time.Duration

	mu     sync.Mutex
	client *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

func WithPollInterval(d time.Duration) Option { return func(p *Provider) { p.pollInterval = d } }

// New creates a provider. An empty apiKey falls back to GEMINI_API_KEY or
// GOOGLE_API_KEY.
func New(apiKey string, opts ...Option) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	p := &Provider{apiKey: apiKey, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) initClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.apiKey == "" {
		return nil, errors.New("google: GEMINI_API_KEY is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google genai client: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *Provider) GenerateText(ctx context.Context, req media.TextRequest) (*media.TextResponse, error) {
	client, err := p.initClient(ctx)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = DefaultTextModel
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.ImagePath != "" {
		data, err := os.ReadFile(req.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read input image: %w", err)
		}
		parts = append(parts, genai.NewPartFromBytes(data, mimeType(req.ImagePath, "image/jpeg")))
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}

	out := &media.TextResponse{Text: resp.Text(), Model: model}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if out.Text == "" {
		return nil, errors.New("google: empty completion")
	}
	return out, nil
}

func (p *Provider) GenerateImage(ctx context.Context, req media.ImageRequest) (*media.Media, error) {
	client, err := p.initClient(ctx)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = DefaultImageModel
	}

	resp, err := client.Models.GenerateImages(ctx, model, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages:   1,
		AspectRatio:      req.AspectRatio,
		OutputMIMEType:   "image/png",
		IncludeRAIReason: true,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, errors.New("google: no images were generated")
	}
	gen := resp.GeneratedImages[0]
	if gen.RAIFilteredReason != "" {
		return nil, fmt.Errorf("google: image filtered: %s", gen.RAIFilteredReason)
	}

	if err := writeFile(req.OutputPath, gen.Image.ImageBytes); err != nil {
		return nil, err
	}
	return &media.Media{Artifact: artifact("image", model, req.OutputPath, gen.Image.GCSURI)}, nil
}

// GenerateVideo starts a Veo operation and polls it to completion.
func (p *Provider) GenerateVideo(ctx context.Context, req media.VideoRequest) (*media.Media, error) {
	client, err := p.initClient(ctx)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = DefaultVideoModel
	}

	var image *genai.Image
	if req.ImagePath != "" {
		if data, err := os.ReadFile(req.ImagePath); err == nil {
			image = &genai.Image{ImageBytes: data, MIMEType: mimeType(req.ImagePath, "image/png")}
		}
	}

	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    req.AspectRatio,
	}
	if req.DurationSeconds > 0 {
		cfg.DurationSeconds = genai.Ptr[int32](veoDuration(req.DurationSeconds))
	}

	op, err := client.Models.GenerateVideos(ctx, model, req.Prompt, image, cfg)
	if err != nil {
		return nil, classify(err)
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for video operation %s: %w", op.Name, ctx.Err())
		case <-ticker.C:
		}
		op, err = client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return nil, classify(err)
		}
	}

	if op.Error != nil {
		return nil, classify(fmt.Errorf("google: video operation failed: %v", op.Error))
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return nil, errors.New("google: video operation returned no videos")
	}

	video := op.Response.GeneratedVideos[0].Video
	// Large clips come back as a URI only; the artifact then carries no local file.
	path := ""
	if len(video.VideoBytes) > 0 {
		if err := writeFile(req.OutputPath, video.VideoBytes); err != nil {
			return nil, err
		}
		path = req.OutputPath
	} else if video.URI == "" {
		return nil, errors.New("google: video has neither bytes nor URI")
	}

	seconds := req.DurationSeconds
	if cfg.DurationSeconds != nil {
		seconds = float64(*cfg.DurationSeconds)
	}
	return &media.Media{Artifact: artifact("video", model, path, video.URI), Seconds: seconds}, nil
}

// veoDuration snaps a requested length onto the clip lengths Veo accepts.
func veoDuration(seconds float64) int32 {
	switch {
	case seconds <= 4:
		return 4
	case seconds <= 6:
		return 6
	default:
		return 8
	}
}

// classify maps Gemini API errors onto media.StatusError so throttling is
// retried and bad requests are not.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &media.StatusError{Provider: Name, Code: apiErr.Code, Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "429") {
		return &media.StatusError{Provider: Name, Code: 429, Err: err}
	}
	return err
}

func artifact(kind, model, path, uri string) ir.Artifact {
	return ir.Artifact{Kind: kind, URI: uri, LocalPath: path, Model: model}
}

func mimeType(path, fallback string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return fallback
}

func writeFile(path string, data []byte) error {
	if path == "" {
		return nil
	}
	if len(data) == 0 {
		return fmt.Errorf("google: empty media payload for %s", filepath.Base(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
