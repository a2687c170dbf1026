package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adreel-io/adreel/pkg/media"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
}

func TestGenerateText(t *testing.T) {
	var got map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"ok\":true}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	})

	resp, err := p.GenerateText(context.Background(), media.TextRequest{
		System: "You write ads.",
		Prompt: "Describe the product",
		JSON:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, 12, resp.TokensIn)
	assert.Equal(t, 5, resp.TokensOut)
	assert.Equal(t, DefaultTextModel, got["model"])

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].(map[string]any)["content"], "JSON")
}

func TestGenerateImageWritesFile(t *testing.T) {
	png := []byte("\x89PNG fake")
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "1024x1792", req["size"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})

	out := filepath.Join(t.TempDir(), "scenes", "hook.png")
	m, err := p.GenerateImage(context.Background(), media.ImageRequest{Prompt: "a mug", AspectRatio: "9:16", OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, out, m.Artifact.LocalPath)
	assert.Equal(t, DefaultImageModel, m.Artifact.Model)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, png, data)
}

func TestGenerateSpeech(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3audio"))
	})

	out := filepath.Join(t.TempDir(), "voice.mp3")
	m, err := p.GenerateSpeech(context.Background(), media.SpeechRequest{Text: "Fifteen chars!!", OutputPath: out})
	require.NoError(t, err)
	assert.Equal(t, "voice", m.Artifact.Kind)
	assert.InDelta(t, 1.0, m.Seconds, 0.001)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ID3audio", string(data))
}

func TestRateLimitIsTemporary(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})

	_, err := p.GenerateText(context.Background(), media.TextRequest{Prompt: "hi"})
	var se *media.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.True(t, se.Temporary())
}

func TestMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New("").GenerateText(context.Background(), media.TextRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestImageSize(t *testing.T) {
	assert.EqualValues(t, "1024x1024", imageSize("1:1"))
	assert.EqualValues(t, "1792x1024", imageSize("16:9"))
	assert.EqualValues(t, "1024x1792", imageSize("9:16"))
	assert.EqualValues(t, "1024x1792", imageSize(""))
}
