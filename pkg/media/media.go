// Package media defines the request and response types shared by the
// pipeline and every generation backend, and the capability interfaces a
// backend may implement.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/adreel-io/adreel/internal/ir"
)

// TextRequest asks a language model for a completion.
type TextRequest struct {
	Model  string
	System string
	Prompt string
	// JSON requests a response that parses as a single JSON object.
	JSON bool
	// ImagePath optionally attaches a product image for multimodal models.
	ImagePath string
}

// TextResponse is a completion plus the tokens it consumed.
type TextResponse struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// ImageRequest asks for one still image.
type ImageRequest struct {
	Model       string
	Prompt      string
	AspectRatio string
	OutputPath  string
	// Lines is used by text-card renderers instead of Prompt.
	Lines []string
}

// VideoRequest asks for one video clip.
type VideoRequest struct {
	Model           string
	Prompt          string
	AspectRatio     string
	DurationSeconds float64
	// ImagePath is an optional first-frame / character reference.
	ImagePath  string
	OutputPath string
}

// SpeechRequest asks for narration audio.
type SpeechRequest struct {
	Model      string
	Text       string
	Voice      string
	OutputPath string
}

// MusicRequest asks for a background music bed. Prompt is the full
// description sent to generative backends; Mood is the short label it was
// derived from.
type MusicRequest struct {
	Model           string
	Prompt          string
	Mood            string
	DurationSeconds float64
	OutputPath      string
}

// AssembleRequest lists the pieces of the final ad in playback order.
type AssembleRequest struct {
	Scenes      []ir.Artifact
	EndCard     *ir.Artifact
	Voice       *ir.Artifact
	Music       *ir.Artifact
	AspectRatio string
	OutputPath  string
}

// Media is a produced media object.
type Media struct {
	Artifact ir.Artifact
	// Seconds is the playback length of audio or video output.
	Seconds float64
}

type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (*TextResponse, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*Media, error)
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (*Media, error)
}

type SpeechGenerator interface {
	GenerateSpeech(ctx context.Context, req SpeechRequest) (*Media, error)
}

type MusicGenerator interface {
	GenerateMusic(ctx context.Context, req MusicRequest) (*Media, error)
}

type Assembler interface {
	Assemble(ctx context.Context, req AssembleRequest) (*Media, error)
}

// ErrUnsupported is returned when a backend lacks a capability.
var ErrUnsupported = errors.New("capability not supported by backend")

// StatusError carries an upstream HTTP-like status so callers can tell
// throttling and outages apart from bad requests.
type StatusError struct {
	Provider string
	Code     int
	Err      error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Temporary reports whether the status indicates a retryable condition.
func (e *StatusError) Temporary() bool {
	switch e.Code {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
