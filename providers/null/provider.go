// Package null provides deterministic in-memory generation backends for
// tests and dry runs. Nothing is written to disk and nothing is billed.
package null

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/pkg/media"
)

// Name is the registry name of this backend.
const Name = "null"

// Provider implements every media capability. The hook fields let tests
// inject failures per request; nil hooks always succeed.
type Provider struct {
	TextHook     func(media.TextRequest) error
	ImageHook    func(media.ImageRequest) error
	VideoHook    func(media.VideoRequest) error
	SpeechHook   func(media.SpeechRequest) error
	MusicHook    func(media.MusicRequest) error
	AssembleHook func(media.AssembleRequest) error

	mu    sync.Mutex
	calls map[string]int
}

func New() *Provider {
	return &Provider{calls: make(map[string]int)}
}

// Calls returns how many times a capability was invoked.
func (p *Provider) Calls(capability string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[capability]
}

func (p *Provider) record(capability string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[capability]++
}

// cannedResponse satisfies both the DNA and the script prompts.
type cannedResponse struct {
	Product   map[string]string `json:"product"`
	Character map[string]string `json:"character"`
	Style     map[string]string `json:"visual_style"`
	Script    string            `json:"script"`
	Scenes    []*ir.SceneSpec   `json:"scenes"`
	Music     string            `json:"music_prompt"`
}

func (p *Provider) GenerateText(ctx context.Context, req media.TextRequest) (*media.TextResponse, error) {
	p.record("text")
	if p.TextHook != nil {
		if err := p.TextHook(req); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(cannedResponse{
		Product:   map[string]string{"name": "Sample product", "category": "gadget"},
		Character: map[string]string{"age": "30s", "look": "casual"},
		Style:     map[string]string{"palette": "warm", "lighting": "soft daylight"},
		Script:    "Meet the sample product. It just works. Get yours today.",
		Music:     "Warm acoustic background music, light percussion",
		Scenes: []*ir.SceneSpec{
			{ID: "Hook", Description: "Close-up of the product", Narration: "Meet the sample product.", DurationSeconds: 4},
			{ID: "Feature", Description: "Character uses the product", Narration: "It just works.", DurationSeconds: 4},
			{ID: "CTA", Description: "Hero shot", Narration: "Get yours today.", DurationSeconds: 4},
		},
	})
	if err != nil {
		return nil, err
	}
	return &media.TextResponse{
		Text:      string(body),
		Model:     req.Model,
		TokensIn:  (len(req.System) + len(req.Prompt)) / 4,
		TokensOut: len(body) / 4,
	}, nil
}

func (p *Provider) GenerateImage(ctx context.Context, req media.ImageRequest) (*media.Media, error) {
	p.record("image")
	if p.ImageHook != nil {
		if err := p.ImageHook(req); err != nil {
			return nil, err
		}
	}
	return artifact("image", req.Model, req.OutputPath, 0), nil
}

func (p *Provider) GenerateVideo(ctx context.Context, req media.VideoRequest) (*media.Media, error) {
	p.record("video")
	if p.VideoHook != nil {
		if err := p.VideoHook(req); err != nil {
			return nil, err
		}
	}
	return artifact("video", req.Model, req.OutputPath, req.DurationSeconds), nil
}

func (p *Provider) GenerateSpeech(ctx context.Context, req media.SpeechRequest) (*media.Media, error) {
	p.record("speech")
	if p.SpeechHook != nil {
		if err := p.SpeechHook(req); err != nil {
			return nil, err
		}
	}
	return artifact("voice", req.Model, req.OutputPath, float64(len(req.Text))/15), nil
}

func (p *Provider) GenerateMusic(ctx context.Context, req media.MusicRequest) (*media.Media, error) {
	p.record("music")
	if p.MusicHook != nil {
		if err := p.MusicHook(req); err != nil {
			return nil, err
		}
	}
	return artifact("music", req.Model, req.OutputPath, req.DurationSeconds), nil
}

func (p *Provider) Assemble(ctx context.Context, req media.AssembleRequest) (*media.Media, error) {
	p.record("assemble")
	if p.AssembleHook != nil {
		if err := p.AssembleHook(req); err != nil {
			return nil, err
		}
	}
	if len(req.Scenes) == 0 {
		return nil, fmt.Errorf("nothing to assemble")
	}
	return artifact("final", Name, req.OutputPath, 0), nil
}

func artifact(kind, model, path string, seconds float64) *media.Media {
	return &media.Media{
		Artifact: ir.Artifact{
			Kind:      kind,
			URI:       fmt.Sprintf("null://%s/%s", kind, filepath.Base(path)),
			LocalPath: path,
			Model:     model,
		},
		Seconds: seconds,
	}
}
