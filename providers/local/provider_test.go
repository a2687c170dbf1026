package local

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/pkg/media"
)

// fakeRunner records invocations and touches the output path, which ffmpeg
// always passes last.
type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, args ...string) error {
	f.calls = append(f.calls, args)
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(args[len(args)-1], []byte("rendered"), 0644)
}

func readManifest(t *testing.T, path string) Manifest {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestKenBurnsManifest(t *testing.T) {
	dir := t.TempDir()
	p := New(WithRunner(nil))

	out, err := p.GenerateVideo(context.Background(), media.VideoRequest{
		ImagePath:       filepath.Join(dir, "hook.png"),
		OutputPath:      filepath.Join(dir, "hook.mp4"),
		DurationSeconds: 6,
		AspectRatio:     "9:16",
	})
	require.NoError(t, err)
	assert.True(t, out.Artifact.Degraded)
	assert.Equal(t, KenBurnsModel, out.Artifact.Model)
	assert.Equal(t, filepath.Join(dir, "hook.mp4.json"), out.Artifact.LocalPath)
	assert.Equal(t, 6.0, out.Seconds)

	m := readManifest(t, out.Artifact.LocalPath)
	assert.Equal(t, "1080x1920", m.Frame)
	assert.Equal(t, "zoom-in", m.Effect)
}

func TestKenBurnsWithFFmpeg(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{}
	p := New(WithRunner(r), WithFPS(10))

	out, err := p.GenerateVideo(context.Background(), media.VideoRequest{
		ImagePath:  filepath.Join(dir, "hook.png"),
		OutputPath: filepath.Join(dir, "clips", "hook.mp4"),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clips", "hook.mp4"), out.Artifact.LocalPath)
	assert.Equal(t, DefaultClipSeconds, out.Seconds)

	require.Len(t, r.calls, 1)
	args := strings.Join(r.calls[0], " ")
	assert.Contains(t, args, "zoompan")
	assert.Contains(t, args, "d=50")
	assert.Contains(t, args, "-t 5.00")
}

func TestKenBurnsNeedsKeyframe(t *testing.T) {
	_, err := New(WithRunner(nil)).GenerateVideo(context.Background(), media.VideoRequest{OutputPath: "x.mp4"})
	assert.Error(t, err)
}

func TestKenBurnsRunnerError(t *testing.T) {
	p := New(WithRunner(&fakeRunner{err: errors.New("exit status 1")}))
	_, err := p.GenerateVideo(context.Background(), media.VideoRequest{
		ImagePath:  "in.png",
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
	})
	assert.ErrorContains(t, err, "exit status 1")
}

func TestEndCardManifest(t *testing.T) {
	dir := t.TempDir()
	p := New(WithRunner(nil))

	out, err := p.GenerateImage(context.Background(), media.ImageRequest{
		Lines:       []string{"Acme Mug", "Shop now"},
		AspectRatio: "1:1",
		OutputPath:  filepath.Join(dir, "cta.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, EndCardModel, out.Artifact.Model)

	info, err := os.Stat(filepath.Join(dir, "cta.png"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	m := readManifest(t, filepath.Join(dir, "cta.png.json"))
	assert.Equal(t, []string{"Acme Mug", "Shop now"}, m.Lines)
	assert.Equal(t, "1080x1080", m.Frame)
}

func TestEndCardArgsEscapesText(t *testing.T) {
	args := endCardArgs([]string{"It's 50% off: today"}, "out.png", FrameFor("9:16"))
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, `It\'s 50\% off\: today`)
	assert.Contains(t, joined, "color=c=black:s=1080x1920")
}

func TestSilentMusic(t *testing.T) {
	dir := t.TempDir()
	out, err := New(WithRunner(nil)).GenerateMusic(context.Background(), media.MusicRequest{
		DurationSeconds: 2,
		OutputPath:      filepath.Join(dir, "bgm.wav"),
	})
	require.NoError(t, err)
	assert.Equal(t, SilentModel, out.Artifact.Model)

	data, err := os.ReadFile(out.Artifact.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Len(t, data, 44+2*silentSampleRate*silentBytesPerSample)
}

func TestAssembleManifest(t *testing.T) {
	dir := t.TempDir()
	p := New(WithRunner(&fakeRunner{}))

	scenes := []ir.Artifact{
		{Kind: "video", LocalPath: filepath.Join(dir, "hook.mp4")},
		{Kind: "video", LocalPath: filepath.Join(dir, "feature.mp4.json"), Degraded: true},
	}
	out, err := p.Assemble(context.Background(), media.AssembleRequest{
		Scenes:     scenes,
		EndCard:    &ir.Artifact{Kind: "image", LocalPath: filepath.Join(dir, "cta.png")},
		Voice:      &ir.Artifact{Kind: "voice", Disabled: true},
		OutputPath: filepath.Join(dir, "final.mp4"),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "final.mp4.json"), out.Artifact.LocalPath)

	m := readManifest(t, out.Artifact.LocalPath)
	require.Len(t, m.Timeline, 3)
	assert.Equal(t, "image", m.Timeline[2].Kind)
	assert.True(t, m.Voice.Disabled)
}

func TestAssembleWithFFmpeg(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{}
	p := New(WithRunner(r))

	_, err := p.Assemble(context.Background(), media.AssembleRequest{
		Scenes:     []ir.Artifact{{Kind: "video", LocalPath: filepath.Join(dir, "a.mp4")}},
		Voice:      &ir.Artifact{Kind: "voice", LocalPath: filepath.Join(dir, "v.mp3")},
		Music:      &ir.Artifact{Kind: "music", LocalPath: filepath.Join(dir, "m.wav")},
		OutputPath: filepath.Join(dir, "final.mp4"),
	})
	require.NoError(t, err)
	require.Len(t, r.calls, 1)
	assert.Contains(t, strings.Join(r.calls[0], " "), "amix=inputs=2")

	_, err = os.Stat(filepath.Join(dir, "final.mp4.txt"))
	assert.True(t, os.IsNotExist(err), "concat list should be removed")
}

func TestAssembleNothing(t *testing.T) {
	_, err := New(WithRunner(nil)).Assemble(context.Background(), media.AssembleRequest{OutputPath: "x"})
	assert.Error(t, err)
}

func TestAssembleArgs(t *testing.T) {
	silent := strings.Join(assembleArgs("l.txt", "", "", "o.mp4"), " ")
	assert.Contains(t, silent, "-an")

	voiceOnly := strings.Join(assembleArgs("l.txt", "v.mp3", "", "o.mp4"), " ")
	assert.Contains(t, voiceOnly, "[1:a]volume=1.0[a1]")
	assert.NotContains(t, voiceOnly, "amix")

	mixed := strings.Join(assembleArgs("l.txt", "v.mp3", "m.mp3", "o.mp4"), " ")
	assert.Contains(t, mixed, "-stream_loop -1 -i m.mp3")
	assert.Contains(t, mixed, "amix=inputs=2:duration=first")
	assert.Contains(t, mixed, "-shortest")
}

func TestFrameFor(t *testing.T) {
	assert.Equal(t, Frame{1080, 1920}, FrameFor("9:16"))
	assert.Equal(t, Frame{1920, 1080}, FrameFor("16:9"))
	assert.Equal(t, Frame{1080, 1350}, FrameFor("4:5"))
	assert.Equal(t, Frame{1080, 1920}, FrameFor(""))
}
