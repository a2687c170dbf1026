package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/pkg/media"
)

// DefaultMusicPrompt is used when no other source yields a prompt.
const DefaultMusicPrompt = "Upbeat pop background music"

// musicVibes maps mood keywords to generation prompts, checked in order.
var musicVibes = []struct {
	keywords []string
	prompt   string
}{
	{[]string{"energetic", "upbeat", "hype"}, "Upbeat electronic pop background music, high energy, positive vibe, suitable for ads"},
	{[]string{"relaxed", "calm", "chill"}, "Chill lo-fi hip hop beat, relaxing, background music, soft piano"},
	{[]string{"professional", "corporate"}, "Corporate ambient background music, inspiring, minimal, tech vibe"},
	{[]string{"dark", "suspense"}, "Cinematic dark ambient, suspenseful, deep bass, movie trailer style"},
}

// VibePrompt returns the canned prompt for a mood, if one matches.
func VibePrompt(mood string) (string, bool) {
	mood = strings.ToLower(mood)
	for _, v := range musicVibes {
		for _, kw := range v.keywords {
			if strings.Contains(mood, kw) {
				return v.prompt, true
			}
		}
	}
	return "", false
}

const musicSystem = `You are a music supervisor for short video ads.
Write one prompt for an instrumental background track that fits the ad.
Respond with one JSON object: {"music_prompt": "<genre, tempo, instruments, feel>"}.`

// musicPrompt picks the prompt for the background track: the project's
// explicit prompt, then the brand's music style, then a known mood, and last
// a prompt written by the text model. Only the last costs anything.
func (p *Pipeline) musicPrompt(ctx context.Context, st *ir.PipelineState) (prompt, mood string, cost float64, usage ir.Usage) {
	mood = "neutral"
	pr := st.Project
	switch {
	case pr != nil && pr.MusicMood != "":
		mood = pr.MusicMood
	case st.DNA != nil && st.DNA.Character["vibe"] != "":
		mood = st.DNA.Character["vibe"]
	}

	if pr != nil && pr.MusicPrompt != "" {
		return pr.MusicPrompt, mood, 0, nil
	}
	if pr != nil && pr.Brand != nil && pr.Brand.MusicStyle != "" {
		return pr.Brand.MusicStyle, mood, 0, nil
	}
	if vibe, ok := VibePrompt(mood); ok {
		return vibe, mood, 0, nil
	}
	if p.Text == nil {
		return DefaultMusicPrompt, mood, 0, nil
	}

	in := describeInput(st) + "\nMood: " + mood
	if st.DNA != nil {
		in += "\nVisual style: " + describeMap(st.DNA.Style)
	}
	resp, cost, usage, err := p.textCall(ctx, media.TextRequest{System: musicSystem, Prompt: in, JSON: true})
	if err != nil {
		p.logger().Warn("music prompt generation failed, using default", "error", err)
		return DefaultMusicPrompt, mood, 0, nil
	}
	var out struct {
		MusicPrompt string `json:"music_prompt"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &out); err != nil || strings.TrimSpace(out.MusicPrompt) == "" {
		p.logger().Warn("music prompt response unusable, using default", "error", err)
		return DefaultMusicPrompt, mood, cost, usage
	}
	return strings.TrimSpace(out.MusicPrompt), mood, cost, usage
}
