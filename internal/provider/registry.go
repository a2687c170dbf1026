package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/adreel-io/adreel/pkg/media"
	"github.com/adreel-io/adreel/providers/elevenlabs"
	"github.com/adreel-io/adreel/providers/google"
	"github.com/adreel-io/adreel/providers/local"
	"github.com/adreel-io/adreel/providers/null"
	"github.com/adreel-io/adreel/providers/openai"
)

// Options carries the credentials backends are created with.
type Options struct {
	OpenAIKey     string
	GeminiKey     string
	ElevenLabsKey string
}

// Registry manages the lifecycle of generation backends. Each backend is
// created once and shared by every stage that asks for it.
type Registry struct {
	mu        sync.RWMutex
	opts      Options
	providers map[string]any
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:      opts,
		providers: make(map[string]any),
	}
}

// Names lists the built-in backends.
func Names() []string {
	return []string{elevenlabs.Name, google.Name, local.Name, null.Name, openai.Name}
}

// LoadProvider initializes and registers a backend.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	var p any
	switch name {
	case null.Name:
		p = null.New()
	case local.Name:
		p = local.New()
	case openai.Name:
		p = openai.New(r.opts.OpenAIKey)
	case google.Name:
		p = google.New(r.opts.GeminiKey)
	case elevenlabs.Name:
		p = elevenlabs.New(r.opts.ElevenLabsKey)
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = p
	return nil
}

// Register installs a pre-built backend under name, replacing any existing
// one. Tests use it to inject fakes.
func (r *Registry) Register(name string, p any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns a backend, loading it on first use.
func (r *Registry) Get(name string) (any, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if err := r.LoadProvider(name); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name], nil
}

// Loaded lists the names of loaded backends.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// capability looks a backend up and asserts it implements T.
func capability[T any](r *Registry, name, what string) (T, error) {
	var zero T
	p, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	c, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("provider %s: %s: %w", name, what, media.ErrUnsupported)
	}
	return c, nil
}

func (r *Registry) Text(name string) (media.TextGenerator, error) {
	return capability[media.TextGenerator](r, name, "text")
}

func (r *Registry) Image(name string) (media.ImageGenerator, error) {
	return capability[media.ImageGenerator](r, name, "image")
}

func (r *Registry) Video(name string) (media.VideoGenerator, error) {
	return capability[media.VideoGenerator](r, name, "video")
}

func (r *Registry) Speech(name string) (media.SpeechGenerator, error) {
	return capability[media.SpeechGenerator](r, name, "speech")
}

func (r *Registry) Music(name string) (media.MusicGenerator, error) {
	return capability[media.MusicGenerator](r, name, "music")
}

func (r *Registry) Assembler(name string) (media.Assembler, error) {
	return capability[media.Assembler](r, name, "assemble")
}
