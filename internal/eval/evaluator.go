package eval

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"

	"github.com/adreel-io/adreel/internal/ir"
)

// DefaultProjectFile is the project module adreel looks for in a directory.
const DefaultProjectFile = "project.pkl"

// Evaluator handles Pkl evaluation of ad projects.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// LoadProject evaluates a project module and returns the IR. properties are
// exposed to the module as read("prop:<key>").
func (e *Evaluator) LoadProject(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Project, error) {
	dir, err := filepath.Abs(e.projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	if !filepath.IsAbs(entryPoint) {
		entryPoint = filepath.Join(dir, entryPoint)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := e.newEvaluator(ctx, dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var project ir.Project
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), &project); err != nil {
		return nil, fmt.Errorf("failed to evaluate project: %w", err)
	}

	resolveImage(&project, filepath.Dir(entryPoint))
	if err := Validate(&project); err != nil {
		return nil, err
	}
	return &project, nil
}

// newEvaluator uses a project evaluator when the directory carries a
// PklProject file, so package dependencies resolve.
func (e *Evaluator) newEvaluator(ctx context.Context, dir string, opts []func(*pkl.EvaluatorOptions)) (pkl.Evaluator, error) {
	if fileExists(filepath.Join(dir, "PklProject")) {
		u, err := url.Parse("file://" + dir + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
		}
		return pkl.NewProjectEvaluator(ctx, u, opts...)
	}
	return pkl.NewEvaluator(ctx, opts...)
}

// Validate checks the fields every run needs.
func Validate(p *ir.Project) error {
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("project: description is required")
	}
	seen := make(map[string]bool)
	for i, s := range p.Scenes {
		if s == nil || s.ID == "" {
			return fmt.Errorf("project: scene %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("project: duplicate scene id %q", s.ID)
		}
		seen[s.ID] = true
		if s.DurationSeconds < 0 {
			return fmt.Errorf("project: scene %q has negative duration", s.ID)
		}
	}
	return nil
}

// resolveImage makes a relative product image path relative to the module.
func resolveImage(p *ir.Project, dir string) {
	if p.ProductImage == "" || filepath.IsAbs(p.ProductImage) || strings.Contains(p.ProductImage, "://") {
		return
	}
	p.ProductImage = filepath.Join(dir, p.ProductImage)
}
