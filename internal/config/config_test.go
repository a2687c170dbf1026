package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adreel-io/adreel/internal/ir"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvConfig, EnvLogLevel, EnvLogFormat, EnvStateDir, EnvQuotaStore,
		EnvWorkers, EnvOpenAIKey, EnvGeminiKey, EnvDefaultRPM, EnvDefaultRPD, EnvSNSTopicARN, EnvElevenKey} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adreel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultWorkers, cfg.Pipeline.Workers)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Retry.BaseDelay.D())
	assert.Equal(t, ir.Limit{RPM: 2, RPD: 10}, cfg.Quota.Limits["veo-3.1-fast-generate-preview"])
	assert.True(t, cfg.VoiceRequired())
	assert.True(t, cfg.BGMRequired())
	require.Len(t, cfg.Models.Music, 1)
	assert.Equal(t, ModelRef{Provider: "elevenlabs", Model: "eleven_text_to_sound_v2"}, cfg.Models.Music[0])
}

func TestLoad_FileMusicModels(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvElevenKey, "xi-test")
	path := writeConfig(t, `
models:
  music:
    - provider: local
      model: silent-bed
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "xi-test", cfg.ElevenLabsKey)
	assert.Equal(t, []ModelRef{{Provider: "local", Model: "silent-bed"}}, cfg.Models.Music)
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Quota.Store)
	assert.Equal(t, filepath.Join(DefaultStateDir, "quota.json"), cfg.QuotaPath())
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
log:
  level: debug
quota:
  store: sqlite
  margin: 2s
  reset:
    timezone: UTC
    hour: 8
  limits:
    imagen-4.0-generate-001:
      rpm: 20
pipeline:
  workers: 3
  stage_timeout: 5m
  voice_required: false
models:
  video:
    - provider: google
      model: veo-3.1-generate-preview
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Quota.Store)
	assert.Equal(t, 2*time.Second, cfg.Quota.Margin.D())
	assert.Equal(t, 8, cfg.Quota.Reset.Hour)
	assert.Equal(t, 20, cfg.Quota.Limits["imagen-4.0-generate-001"].RPM)
	// Defaults for other resources survive.
	assert.Equal(t, 10, cfg.Quota.Limits["veo-3.1-generate-preview"].RPD)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.StageTimeout.D())
	assert.False(t, cfg.VoiceRequired())
	assert.True(t, cfg.BGMRequired())
	require.Len(t, cfg.Models.Video, 1)
	assert.Equal(t, filepath.Join(DefaultStateDir, "quota.db"), cfg.QuotaPath())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "log:\n  level: info\n")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvStateDir, "/tmp/adreel-state")
	t.Setenv(EnvWorkers, "8")
	t.Setenv(EnvDefaultRPM, "1")
	t.Setenv(EnvDefaultRPD, "3")
	t.Setenv(EnvOpenAIKey, "sk-test")
	t.Setenv(EnvSNSTopicARN, "arn:aws:sns:us-east-1:1:t")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/tmp/adreel-state", cfg.State.Dir)
	assert.Equal(t, filepath.Join("/tmp/adreel-state", "runs"), cfg.RunsDir())
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, "sk-test", cfg.OpenAIKey)
	assert.Equal(t, "arn:aws:sns:us-east-1:1:t", cfg.State.SNSTopicARN)
	for name, lim := range cfg.Quota.Limits {
		assert.Equal(t, ir.Limit{RPM: 1, RPD: 3}, lim, name)
	}
}

func TestLoad_ConfigEnvVar(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfig, writeConfig(t, "pipeline:\n  workers: 2\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		env     map[string]string
		wantErr string
	}{
		{"bad yaml", "pipeline: [", nil, "failed to parse"},
		{"bad duration", "quota:\n  margin: soon\n", nil, "invalid duration"},
		{"bad workers env", "", map[string]string{EnvWorkers: "many"}, EnvWorkers},
		{"zero workers", "pipeline:\n  workers: 0\n", nil, "workers"},
		{"unknown store", "quota:\n  store: redis\n", nil, "unknown quota store"},
		{"dynamodb without table", "quota:\n  store: dynamodb\n  bucket: b\n", nil, "quota.table"},
		{"s3 without bucket", "state:\n  backend: s3\n", nil, "state.bucket"},
		{"unknown backend", "state:\n  backend: gcs\n", nil, "unknown state backend"},
		{"negative limit", "quota:\n  limits:\n    veo:\n      rpm: -1\n", nil, "negative"},
		{"bad hour", "quota:\n  reset:\n    hour: 24\n", nil, "hour"},
		{"bad timezone", "quota:\n  reset:\n    timezone: Mars/Olympus\n", nil, "timezone"},
		{"no video", "models:\n  video: []\n", nil, "models.video"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWriteRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "adreel.yaml")
	cfg := Default()
	cfg.OpenAIKey = "sk-secret"
	require.NoError(t, cfg.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Pipeline.RunTimeout, loaded.Pipeline.RunTimeout)
	assert.Equal(t, cfg.Models, loaded.Models)
}
