// Package pricing turns provider usage into dollar cost.
package pricing

import (
	"strings"

	"github.com/adreel-io/adreel/internal/config"
)

// Table holds per-unit rates keyed by model name. A nil Table prices
// everything at zero.
//
//   - Video: dollars per generated second
//   - Image: dollars per image
//   - Audio: dollars per synthesised character
//   - Music: dollars per generated second of music
//   - LLM:   dollars per 1K tokens, keyed "<model>-input" / "<model>-output"
type Table struct {
	Video map[string]float64
	Image map[string]float64
	Audio map[string]float64
	Music map[string]float64
	LLM   map[string]float64
}

// Default returns list prices for the models the pipeline knows about.
func Default() *Table {
	return &Table{
		Video: map[string]float64{
			"veo-3.1-fast-generate-preview": 0.15,
			"veo-3.1-generate-preview":      0.40,
			"veo-3.0-fast-generate-001":     0.15,
			"veo-3.0-generate-001":          0.40,
			"veo-2.0-generate-001":          0.35,
		},
		Image: map[string]float64{
			"imagen-4.0-generate-001":       0.04,
			"imagen-4.0-fast-generate-001":  0.02,
			"imagen-4.0-ultra-generate-001": 0.06,
			"imagen-3.0-generate-002":       0.03,
			"gemini-2.5-flash-image":        0.039,
			"dall-e-3-standard-square":      0.04,
			"dall-e-3-standard-vertical":    0.08,
			"dall-e-3-hd-square":            0.08,
			"dall-e-3-hd-vertical":          0.12,
		},
		Audio: map[string]float64{
			"tts-1":    0.000015,
			"tts-1-hd": 0.00003,
		},
		Music: map[string]float64{
			"eleven_text_to_sound_v2": 0.0072,
		},
		LLM: map[string]float64{
			"gemini-2.5-flash-input":  0.0003,
			"gemini-2.5-flash-output": 0.0025,
			"gpt-4o-input":            0.0025,
			"gpt-4o-output":           0.01,
			"gpt-4o-mini-input":       0.00015,
			"gpt-4o-mini-output":      0.0006,
		},
	}
}

// FromConfig returns the default table with cfg's overrides applied.
func FromConfig(cfg config.PricingConfig) *Table {
	t := Default()
	merge(t.Video, cfg.Video)
	merge(t.Image, cfg.Image)
	merge(t.Audio, cfg.Audio)
	merge(t.Music, cfg.Music)
	merge(t.LLM, cfg.LLM)
	return t
}

func merge(dst, src map[string]float64) {
	for k, v := range src {
		dst[k] = v
	}
}

// VideoCost prices seconds of generated video. Local renders are free.
func (t *Table) VideoCost(model string, seconds float64) float64 {
	if t == nil {
		return 0
	}
	rate, ok := t.Video[model]
	if !ok {
		switch {
		case strings.Contains(model, "veo") && strings.Contains(model, "fast"):
			rate = t.Video["veo-3.1-fast-generate-preview"]
		case strings.Contains(model, "veo"):
			rate = t.Video["veo-3.1-generate-preview"]
		}
	}
	return rate * seconds
}

// ImageCost prices count images. DALL-E rates depend on orientation.
func (t *Table) ImageCost(model string, count int, aspectRatio string) float64 {
	if t == nil {
		return 0
	}
	rate, ok := t.Image[model]
	if !ok {
		switch {
		case strings.Contains(model, "gemini"):
			rate = t.Image["gemini-2.5-flash-image"]
		case strings.Contains(model, "imagen"):
			switch {
			case strings.Contains(model, "fast"):
				rate = t.Image["imagen-4.0-fast-generate-001"]
			case strings.Contains(model, "ultra"):
				rate = t.Image["imagen-4.0-ultra-generate-001"]
			case strings.Contains(model, "3.0"):
				rate = t.Image["imagen-3.0-generate-002"]
			default:
				rate = t.Image["imagen-4.0-generate-001"]
			}
		case strings.Contains(model, "dall-e"):
			sku := "dall-e-3-standard-"
			if strings.Contains(model, "hd") {
				sku = "dall-e-3-hd-"
			}
			if aspectRatio == "1:1" {
				sku += "square"
			} else {
				sku += "vertical"
			}
			rate = t.Image[sku]
		}
	}
	return rate * float64(count)
}

// SpeechCost prices chars characters of synthesised narration.
func (t *Table) SpeechCost(model string, chars int) float64 {
	if t == nil {
		return 0
	}
	rate, ok := t.Audio[model]
	if !ok && strings.Contains(model, "tts") {
		rate = t.Audio["tts-1"]
	}
	return rate * float64(chars)
}

// MusicCost prices seconds of generated music. Unknown models, including the
// local silent bed, are free.
func (t *Table) MusicCost(model string, seconds float64) float64 {
	if t == nil {
		return 0
	}
	return t.Music[model] * seconds
}

// TextCost prices an LLM call by input and output tokens.
func (t *Table) TextCost(model string, tokensIn, tokensOut int) float64 {
	if t == nil {
		return 0
	}
	family := model
	if _, ok := t.LLM[family+"-input"]; !ok {
		switch {
		case strings.Contains(model, "gemini"):
			family = "gemini-2.5-flash"
		case strings.Contains(model, "mini"):
			family = "gpt-4o-mini"
		default:
			family = "gpt-4o"
		}
	}
	return float64(tokensIn)/1000*t.LLM[family+"-input"] + float64(tokensOut)/1000*t.LLM[family+"-output"]
}
