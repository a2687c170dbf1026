// Package openai implements text, image and speech backends on the OpenAI
// API.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/pkg/media"
)

// Name is the registry name of this backend.
const Name = "openai"

const (
	DefaultTextModel   = "gpt-4o-mini"
	DefaultImageModel  = "dall-e-3"
	DefaultSpeechModel = "tts-1"
	DefaultVoice       = "alloy"

	// speechCharsPerSecond estimates narration length; tts-1 reads roughly
	// 15 characters a second.
	speechCharsPerSecond = 15.0
)

type Provider struct {
	apiKey string
	opts   []option.RequestOption
}

// New creates a provider. An empty apiKey falls back to OPENAI_API_KEY.
func New(apiKey string, opts ...option.RequestOption) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &Provider{apiKey: apiKey, opts: opts}
}

func (p *Provider) client() (openai.Client, error) {
	if p.apiKey == "" {
		return openai.Client{}, errors.New("openai: OPENAI_API_KEY is not set")
	}
	opts := append([]option.RequestOption{option.WithAPIKey(p.apiKey)}, p.opts...)
	return openai.NewClient(opts...), nil
}

func (p *Provider) GenerateText(ctx context.Context, req media.TextRequest) (*media.TextResponse, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = DefaultTextModel
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices")
	}
	return &media.TextResponse{
		Text:      resp.Choices[0].Message.Content,
		Model:     model,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}, nil
}

// GenerateImage renders one still with DALL-E, portrait unless the aspect
// ratio asks otherwise.
func (p *Provider) GenerateImage(ctx context.Context, req media.ImageRequest) (*media.Media, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = DefaultImageModel
	}

	resp, err := client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(model),
		Size:           imageSize(req.AspectRatio),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: no images were generated")
	}

	img := resp.Data[0]
	art := ir.Artifact{Kind: "image", Model: model, URI: img.URL}
	if img.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("openai: failed to decode image: %w", err)
		}
		if err := writeFile(req.OutputPath, data); err != nil {
			return nil, err
		}
		art.LocalPath = req.OutputPath
	}
	return &media.Media{Artifact: art}, nil
}

func (p *Provider) GenerateSpeech(ctx context.Context, req media.SpeechRequest) (*media.Media, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = DefaultSpeechModel
	}
	voice := req.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	resp, err := client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(model),
		Input:          req.Text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &media.StatusError{Provider: Name, Code: resp.StatusCode, Err: errors.New(string(body))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to read speech: %w", err)
	}
	if err := writeFile(req.OutputPath, data); err != nil {
		return nil, err
	}

	return &media.Media{
		Artifact: ir.Artifact{Kind: "voice", LocalPath: req.OutputPath, Model: model},
		Seconds:  float64(len([]rune(req.Text))) / speechCharsPerSecond,
	}, nil
}

func imageSize(aspect string) openai.ImageGenerateParamsSize {
	switch aspect {
	case "1:1":
		return openai.ImageGenerateParamsSize1024x1024
	case "16:9", "4:3", "3:2":
		return openai.ImageGenerateParamsSize1792x1024
	default:
		return openai.ImageGenerateParamsSize1024x1792
	}
}

// wrapErr converts SDK errors into media.StatusError.
func wrapErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &media.StatusError{Provider: Name, Code: apiErr.StatusCode, Err: err}
	}
	return err
}

func writeFile(path string, data []byte) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
