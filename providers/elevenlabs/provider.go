// Package elevenlabs implements the background music backend on the
// ElevenLabs sound generation API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/logging"
	"github.com/adreel-io/adreel/pkg/media"
)

// Name is the registry name of this backend.
const Name = "elevenlabs"

const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	DefaultModel   = "eleven_text_to_sound_v2"

	// MaxSeconds is the longest clip the API generates. Tracks are prompted
	// as loopable so the assembler can repeat them under longer ads.
	MaxSeconds = 22.0
	minSeconds = 0.5

	promptInfluence = 0.5
	promptSuffix    = " [Loopable] [Instrumental]"
)

type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Provider)

func WithBaseURL(u string) Option { return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") } }

func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.httpClient = c } }

// New creates a provider. An empty apiKey falls back to ELEVENLABS_API_KEY.
func New(apiKey string, opts ...Option) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logging.With("provider", Name),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type soundRequest struct {
	Text            string  `json:"text"`
	ModelID         string  `json:"model_id,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	PromptInfluence float64 `json:"prompt_influence"`
}

// GenerateMusic renders an instrumental loop for req.Prompt, falling back to
// req.Mood when no prompt is set. The output is MP3, so a different extension
// on req.OutputPath is replaced.
func (p *Provider) GenerateMusic(ctx context.Context, req media.MusicRequest) (*media.Media, error) {
	if p.apiKey == "" {
		return nil, errors.New("elevenlabs: ELEVENLABS_API_KEY is not set")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = strings.TrimSpace(req.Mood + " background music")
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	seconds := ClipSeconds(req.DurationSeconds)

	body, err := json.Marshal(soundRequest{
		Text:            prompt + promptSuffix,
		ModelID:         model,
		DurationSeconds: seconds,
		PromptInfluence: promptInfluence,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/sound-generation", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", p.apiKey)

	p.logger.Debug("generating music", "model", model, "seconds", seconds)
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &media.StatusError{Provider: Name, Code: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: empty audio response")
	}

	out := mp3Path(req.OutputPath)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return nil, fmt.Errorf("elevenlabs: create output directory: %w", err)
	}
	if err := os.WriteFile(out, audio, 0644); err != nil {
		return nil, fmt.Errorf("elevenlabs: write %s: %w", out, err)
	}

	return &media.Media{
		Artifact: ir.Artifact{Kind: "music", LocalPath: out, Model: model},
		Seconds:  seconds,
	}, nil
}

// ClipSeconds clamps a requested length to what the API accepts.
func ClipSeconds(requested float64) float64 {
	switch {
	case requested <= 0 || requested > MaxSeconds:
		return MaxSeconds
	case requested < minSeconds:
		return minSeconds
	}
	return requested
}

func mp3Path(path string) string {
	if path == "" {
		return "music.mp3"
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".mp3"
}
