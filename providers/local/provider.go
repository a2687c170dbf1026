// Package local implements backends that need no remote API: the Ken Burns
// still-image fallback for video, the text end card, a silent music bed and
// final assembly. Each renders with ffmpeg when one is installed and
// otherwise writes a JSON render manifest describing the output.
package local

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/logging"
	"github.com/adreel-io/adreel/pkg/media"
)

// Name is the registry name of this backend.
const Name = "local"

const (
	KenBurnsModel = "kenburns"
	EndCardModel  = "endcard"
	SilentModel   = "silent-bed"
	AssembleModel = "concat"

	DefaultFPS           = 24
	DefaultClipSeconds   = 5.0
	EndCardSeconds       = 2.0
	silentSampleRate     = 22050
	silentBytesPerSample = 2
)

// Provider renders locally.
type Provider struct {
	ffmpeg Runner
	fps    int
	logger *slog.Logger
}

type Option func(*Provider)

// WithRunner overrides ffmpeg discovery. A nil runner forces manifest mode.
func WithRunner(r Runner) Option { return func(p *Provider) { p.ffmpeg = r } }

func WithFPS(fps int) Option { return func(p *Provider) { p.fps = fps } }

func New(opts ...Option) *Provider {
	p := &Provider{ffmpeg: FindFFmpeg(), fps: DefaultFPS, logger: logging.With("provider", Name)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Manifest describes a render when no ffmpeg is available, or accompanies
// outputs that carry extra metadata.
type Manifest struct {
	Kind     string        `json:"kind"`
	Model    string        `json:"model"`
	Frame    string        `json:"frame,omitempty"`
	Seconds  float64       `json:"seconds,omitempty"`
	Source   string        `json:"source,omitempty"`
	Lines    []string      `json:"lines,omitempty"`
	Effect   string        `json:"effect,omitempty"`
	Timeline []ir.Artifact `json:"timeline,omitempty"`
	Voice    *ir.Artifact  `json:"voice,omitempty"`
	Music    *ir.Artifact  `json:"music,omitempty"`
}

// GenerateVideo animates the scene keyframe with a slow zoom. The result is
// always marked degraded.
func (p *Provider) GenerateVideo(ctx context.Context, req media.VideoRequest) (*media.Media, error) {
	if req.ImagePath == "" {
		return nil, errors.New("local: ken burns needs a keyframe image")
	}
	seconds := req.DurationSeconds
	if seconds <= 0 {
		seconds = DefaultClipSeconds
	}
	frame := FrameFor(req.AspectRatio)

	path := req.OutputPath
	if p.ffmpeg != nil {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		if err := p.ffmpeg.Run(ctx, kenBurnsArgs(req.ImagePath, path, seconds, frame, p.fps)...); err != nil {
			return nil, err
		}
	} else {
		path = manifestPath(path)
		if err := writeManifest(path, Manifest{
			Kind: "video", Model: KenBurnsModel, Frame: frame.String(),
			Seconds: seconds, Source: req.ImagePath, Effect: "zoom-in",
		}); err != nil {
			return nil, err
		}
	}

	p.logger.Debug("rendered ken burns clip", "output", path, "seconds", seconds)
	return &media.Media{
		Artifact: ir.Artifact{Kind: "video", LocalPath: path, Model: KenBurnsModel, Degraded: true},
		Seconds:  seconds,
	}, nil
}

// GenerateImage renders the end card from req.Lines.
func (p *Provider) GenerateImage(ctx context.Context, req media.ImageRequest) (*media.Media, error) {
	lines := req.Lines
	if len(lines) == 0 && req.Prompt != "" {
		lines = []string{req.Prompt}
	}
	frame := FrameFor(req.AspectRatio)
	if err := ensureDir(req.OutputPath); err != nil {
		return nil, err
	}

	if p.ffmpeg != nil {
		if err := p.ffmpeg.Run(ctx, endCardArgs(lines, req.OutputPath, frame)...); err != nil {
			return nil, err
		}
	} else {
		if err := writeBlankPNG(req.OutputPath, frame); err != nil {
			return nil, err
		}
		if err := writeManifest(manifestPath(req.OutputPath), Manifest{
			Kind: "image", Model: EndCardModel, Frame: frame.String(), Lines: lines,
		}); err != nil {
			return nil, err
		}
	}

	return &media.Media{
		Artifact: ir.Artifact{Kind: "image", LocalPath: req.OutputPath, Model: EndCardModel},
		Seconds:  EndCardSeconds,
	}, nil
}

// GenerateMusic writes a silent mono WAV of the requested length. It keeps
// the mix stage uniform when no music backend is configured.
func (p *Provider) GenerateMusic(_ context.Context, req media.MusicRequest) (*media.Media, error) {
	seconds := req.DurationSeconds
	if seconds <= 0 {
		seconds = DefaultClipSeconds
	}
	if err := ensureDir(req.OutputPath); err != nil {
		return nil, err
	}
	if err := writeSilentWAV(req.OutputPath, seconds); err != nil {
		return nil, err
	}
	return &media.Media{
		Artifact: ir.Artifact{Kind: "music", LocalPath: req.OutputPath, Model: SilentModel},
		Seconds:  seconds,
	}, nil
}

// Assemble concatenates scene clips and the end card and mixes audio under
// them.
func (p *Provider) Assemble(ctx context.Context, req media.AssembleRequest) (*media.Media, error) {
	if len(req.Scenes) == 0 {
		return nil, errors.New("local: nothing to assemble")
	}
	timeline := append([]ir.Artifact(nil), req.Scenes...)
	if req.EndCard != nil && req.EndCard.LocalPath != "" {
		timeline = append(timeline, *req.EndCard)
	}
	voice := audioPath(req.Voice)
	music := audioPath(req.Music)

	path := req.OutputPath
	if p.ffmpeg != nil && allRendered(timeline) {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		list := path + ".txt"
		if err := writeConcatList(list, timeline); err != nil {
			return nil, err
		}
		defer os.Remove(list)
		if err := p.ffmpeg.Run(ctx, assembleArgs(list, voice, music, path)...); err != nil {
			return nil, err
		}
	} else {
		path = manifestPath(path)
		if err := writeManifest(path, Manifest{
			Kind: "final", Model: AssembleModel, Frame: FrameFor(req.AspectRatio).String(),
			Timeline: timeline, Voice: req.Voice, Music: req.Music,
		}); err != nil {
			return nil, err
		}
	}

	return &media.Media{Artifact: ir.Artifact{Kind: "final", LocalPath: path, Model: AssembleModel}}, nil
}

func audioPath(a *ir.Artifact) string {
	if a == nil || a.Disabled {
		return ""
	}
	return a.LocalPath
}

// allRendered reports whether every clip is a real media file rather than
// a manifest or a remote-only reference.
func allRendered(timeline []ir.Artifact) bool {
	for _, a := range timeline {
		if a.LocalPath == "" || strings.HasSuffix(a.LocalPath, ".json") {
			return false
		}
	}
	return true
}

func writeConcatList(path string, timeline []ir.Artifact) error {
	var b strings.Builder
	for _, a := range timeline {
		abs, err := filepath.Abs(a.LocalPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
		if a.Kind == "image" {
			fmt.Fprintf(&b, "duration %s\n", formatSeconds(EndCardSeconds))
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

func manifestPath(path string) string {
	if strings.HasSuffix(path, ".json") {
		return path
	}
	return path + ".json"
}

func writeManifest(path string, m Manifest) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func writeBlankPNG(path string, frame Frame) error {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	return png.Encode(f, img)
}

func writeSilentWAV(path string, seconds float64) error {
	samples := int(seconds * silentSampleRate)
	dataLen := uint32(samples * silentBytesPerSample)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	header := struct {
		RIFF          [4]byte
		Size          uint32
		WAVE          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		Format        uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		RIFF: [4]byte{'R', 'I', 'F', 'F'}, Size: 36 + dataLen, WAVE: [4]byte{'W', 'A', 'V', 'E'},
		Fmt: [4]byte{'f', 'm', 't', ' '}, FmtSize: 16, Format: 1, Channels: 1,
		SampleRate: silentSampleRate, ByteRate: silentSampleRate * silentBytesPerSample,
		BlockAlign: silentBytesPerSample, BitsPerSample: 8 * silentBytesPerSample,
		Data: [4]byte{'d', 'a', 't', 'a'}, DataSize: dataLen,
	}
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return err
	}
	_, err = f.Write(make([]byte, dataLen))
	return err
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("local: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}
