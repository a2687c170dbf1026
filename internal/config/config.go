// Package config loads the adreel service configuration.
// Values come from an optional YAML file with ADREEL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/adreel-io/adreel/internal/ir"
)

const (
	DefaultConfigFile = "adreel.yaml"
	DefaultStateDir   = ".adreel"
	DefaultWorkers    = 5

	EnvConfig      = "ADREEL_CONFIG"
	EnvLogLevel    = "ADREEL_LOG_LEVEL"
	EnvLogFormat   = "ADREEL_LOG_FORMAT"
	EnvStateDir    = "ADREEL_STATE_DIR"
	EnvQuotaStore  = "ADREEL_QUOTA_STORE"
	EnvWorkers     = "ADREEL_WORKERS"
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvGeminiKey   = "GEMINI_API_KEY"
	EnvElevenKey   = "ELEVENLABS_API_KEY"
	EnvDefaultRPM  = "DEFAULT_RPM"
	EnvDefaultRPD  = "DEFAULT_RPD"
	EnvSNSTopicARN = "ADREEL_SNS_TOPIC_ARN"
)

// Config is the root of the service configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	State    StateConfig    `yaml:"state"`
	Quota    QuotaConfig    `yaml:"quota"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Models   ModelsConfig   `yaml:"models"`
	Pricing  PricingConfig  `yaml:"pricing"`

	// Secrets are read from the environment only.
	OpenAIKey     string `yaml:"-"`
	GeminiKey     string `yaml:"-"`
	ElevenLabsKey string `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StateConfig controls where run snapshots are persisted.
type StateConfig struct {
	Dir         string `yaml:"dir"`
	Backend     string `yaml:"backend"` // "local" or "s3"
	Bucket      string `yaml:"bucket"`
	KeyPrefix   string `yaml:"key_prefix"`
	Region      string `yaml:"region"`
	SNSTopicARN string `yaml:"sns_topic_arn"`
}

// QuotaConfig selects the shared quota store and the per-resource ceilings.
type QuotaConfig struct {
	Store  string              `yaml:"store"` // file, sqlite, dynamodb, memory
	Path   string              `yaml:"path"`
	Bucket string              `yaml:"bucket"`
	Key    string              `yaml:"key"`
	Table  string              `yaml:"table"`
	Region string              `yaml:"region"`
	Margin Duration            `yaml:"margin"`
	Reset  ResetConfig         `yaml:"reset"`
	Limits map[string]ir.Limit `yaml:"limits"`
}

// ResetConfig sets the instant the provider's daily quota rolls over.
type ResetConfig struct {
	Timezone string `yaml:"timezone"`
	Hour     int    `yaml:"hour"`
}

type PipelineConfig struct {
	Workers       int         `yaml:"workers"`
	Retry         RetryConfig `yaml:"retry"`
	StageTimeout  Duration    `yaml:"stage_timeout"`
	RunTimeout    Duration    `yaml:"run_timeout"`
	AspectRatio   string      `yaml:"aspect_ratio"`
	VoiceRequired *bool       `yaml:"voice_required"`
	BGMRequired   *bool       `yaml:"bgm_required"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// ModelRef names a backend and the model it should use.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ModelsConfig lists generation backends. Image, Video and Music are
// ordered fallback chains; for video and music a local degraded tier is
// always appended.
type ModelsConfig struct {
	Text   ModelRef   `yaml:"text"`
	Image  []ModelRef `yaml:"image"`
	Video  []ModelRef `yaml:"video"`
	Speech ModelRef   `yaml:"speech"`
	Music  []ModelRef `yaml:"music"`
}

// PricingConfig overrides individual rates, keyed by model name.
type PricingConfig struct {
	Video map[string]float64 `yaml:"video"`
	Image map[string]float64 `yaml:"image"`
	Audio map[string]float64 `yaml:"audio"`
	Music map[string]float64 `yaml:"music"`
	LLM   map[string]float64 `yaml:"llm"`
}

// Duration is a time.Duration that unmarshals from strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	yes := true
	return &Config{
		Log: LogConfig{Level: "info"},
		State: StateConfig{
			Dir:     DefaultStateDir,
			Backend: "local",
			Region:  "us-east-1",
		},
		Quota: QuotaConfig{
			Store:  "file",
			Margin: Duration(time.Second),
			Reset:  ResetConfig{Timezone: "America/Los_Angeles"},
			Region: "us-east-1",
			Limits: map[string]ir.Limit{
				"veo-3.1-fast-generate-preview": {RPM: 2, RPD: 10},
				"veo-3.1-generate-preview":      {RPM: 2, RPD: 10},
			},
		},
		Pipeline: PipelineConfig{
			Workers: DefaultWorkers,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   Duration(30 * time.Second),
				MaxDelay:    Duration(90 * time.Second),
			},
			StageTimeout:  Duration(15 * time.Minute),
			RunTimeout:    Duration(45 * time.Minute),
			AspectRatio:   "9:16",
			VoiceRequired: &yes,
			BGMRequired:   &yes,
		},
		Models: ModelsConfig{
			Text: ModelRef{Provider: "google", Model: "gemini-2.5-flash"},
			Image: []ModelRef{
				{Provider: "google", Model: "imagen-4.0-generate-001"},
				{Provider: "openai", Model: "dall-e-3"},
			},
			Video: []ModelRef{
				{Provider: "google", Model: "veo-3.1-fast-generate-preview"},
				{Provider: "google", Model: "veo-3.1-generate-preview"},
			},
			Speech: ModelRef{Provider: "openai", Model: "tts-1"},
			Music: []ModelRef{
				{Provider: "elevenlabs", Model: "eleven_text_to_sound_v2"},
			},
		},
	}
}

// Load reads the configuration file at path (or ADREEL_CONFIG, or
// ./adreel.yaml when present) on top of the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv(EnvQuotaStore); v != "" {
		c.Quota.Store = v
	}
	if v := os.Getenv(EnvSNSTopicARN); v != "" {
		c.State.SNSTopicARN = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		c.Pipeline.Workers = n
	}

	// DEFAULT_RPM / DEFAULT_RPD override every configured ceiling.
	for _, env := range []string{EnvDefaultRPM, EnvDefaultRPD} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		for name, lim := range c.Quota.Limits {
			if env == EnvDefaultRPM {
				lim.RPM = n
			} else {
				lim.RPD = n
			}
			c.Quota.Limits[name] = lim
		}
	}

	c.OpenAIKey = os.Getenv(EnvOpenAIKey)
	c.GeminiKey = os.Getenv(EnvGeminiKey)
	c.ElevenLabsKey = os.Getenv(EnvElevenKey)
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry.max_attempts must be at least 1, got %d", c.Pipeline.Retry.MaxAttempts)
	}
	switch c.Quota.Store {
	case "file", "sqlite", "dynamodb", "memory":
	default:
		return fmt.Errorf("unknown quota store %q (want file, sqlite, dynamodb or memory)", c.Quota.Store)
	}
	if c.Quota.Store == "dynamodb" && (c.Quota.Bucket == "" || c.Quota.Table == "") {
		return fmt.Errorf("dynamodb quota store requires quota.bucket and quota.table")
	}
	switch c.State.Backend {
	case "local", "":
	case "s3":
		if c.State.Bucket == "" {
			return fmt.Errorf("s3 state backend requires state.bucket")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	for name, lim := range c.Quota.Limits {
		if lim.RPM < 0 || lim.RPD < 0 {
			return fmt.Errorf("quota limit for %s must not be negative", name)
		}
	}
	if c.Quota.Reset.Hour < 0 || c.Quota.Reset.Hour > 23 {
		return fmt.Errorf("quota.reset.hour must be between 0 and 23, got %d", c.Quota.Reset.Hour)
	}
	if c.Quota.Reset.Timezone != "" {
		if _, err := time.LoadLocation(c.Quota.Reset.Timezone); err != nil {
			return fmt.Errorf("invalid quota.reset.timezone: %w", err)
		}
	}
	if len(c.Models.Video) == 0 {
		return errors.New("models.video must list at least one model")
	}
	return nil
}

// QuotaPath returns the quota store location, defaulting under the state dir.
func (c *Config) QuotaPath() string {
	if c.Quota.Path != "" {
		return c.Quota.Path
	}
	name := "quota.json"
	if c.Quota.Store == "sqlite" {
		name = "quota.db"
	}
	return filepath.Join(c.State.Dir, name)
}

// RunsDir returns the directory holding local run snapshots.
func (c *Config) RunsDir() string {
	return filepath.Join(c.State.Dir, "runs")
}

// VoiceRequired reports whether the voice stage should call a backend.
func (c *Config) VoiceRequired() bool {
	return c.Pipeline.VoiceRequired == nil || *c.Pipeline.VoiceRequired
}

// BGMRequired reports whether the music stage should call a backend.
func (c *Config) BGMRequired() bool {
	return c.Pipeline.BGMRequired == nil || *c.Pipeline.BGMRequired
}

// Write saves the configuration as YAML. Secrets are never written.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
