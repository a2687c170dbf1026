package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adreel-io/adreel/internal/eval"
	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/state"
)

var (
	generateProperties map[string]string
	generateRunID      string
	generateDryRun     bool
	generateOutputDir  string
)

var generateCmd = &cobra.Command{
	Use:   "generate [dir|file]",
	Short: "Generate a video ad from a project",
	Long: `Evaluate a project.pkl module and run the full generation pipeline.

The run is snapshotted after every stage. Re-running with the same --run-id
resumes from the first stage that has not completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringToStringVarP(&generateProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	generateCmd.Flags().StringVar(&generateRunID, "run-id", "", "Resume or name a run (default: new random id)")
	generateCmd.Flags().BoolVar(&generateDryRun, "dry-run", false, "Use offline backends; nothing is billed")
	generateCmd.Flags().StringVarP(&generateOutputDir, "output-dir", "o", "", "Directory for generated media (default: <state dir>/output/<run id>)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	wd, entryPoint, err := resolveProject(args)
	if err != nil {
		return err
	}

	fmt.Print("Loading project... ")
	project, err := eval.NewEvaluator(wd).LoadProject(ctx, entryPoint, generateProperties)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	runID := generateRunID
	if runID == "" {
		runID = uuid.NewString()
	}

	r, err := newRunner(ctx, cfg, runID, generateDryRun)
	if err != nil {
		return err
	}
	defer r.Close()

	named := generateRunID != ""
	st, runErr := r.execute(ctx, runID, func(ctx context.Context) (*ir.PipelineState, error) {
		return resumeOrStart(ctx, r.backend, runID, named, func() *ir.PipelineState {
			return newRunState(runID, project, outputDir(runID))
		})
	})
	if st == nil {
		return runErr
	}
	printSummary(st)
	return runErr
}

// resumeOrStart loads runID's snapshot, or starts a fresh run when none
// exists. A read error on a run the user named is returned instead of
// silently starting over. The caller holds the run lock.
func resumeOrStart(ctx context.Context, backend state.Backend, runID string, named bool, fresh func() *ir.PipelineState) (*ir.PipelineState, error) {
	st, err := backend.Read(ctx, runID)
	switch {
	case err == nil:
		fmt.Printf("Resuming run %s\n", runID)
	case !named || isNotFound(err):
		st = fresh()
		fmt.Printf("Starting run %s\n", runID)
	default:
		return nil, err
	}

	if err := os.MkdirAll(st.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return st, nil
}

// resolveProject splits a [dir|file] argument into the project directory
// and the module to evaluate.
func resolveProject(args []string) (string, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint := eval.DefaultProjectFile
	if len(args) == 0 {
		return wd, entryPoint, nil
	}

	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
	}
	if info.IsDir() {
		return absPath, entryPoint, nil
	}
	return filepath.Dir(absPath), filepath.Base(absPath), nil
}

func outputDir(runID string) string {
	if generateOutputDir != "" {
		return generateOutputDir
	}
	return filepath.Join(cfg.State.Dir, "output", runID)
}

func newRunState(runID string, project *ir.Project, dir string) *ir.PipelineState {
	now := time.Now().UTC()
	return &ir.PipelineState{
		RunID:       runID,
		Input:       project.Description,
		SourceImage: project.ProductImage,
		OutputDir:   dir,
		Project:     project,
		Status:      ir.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func printSummary(st *ir.PipelineState) {
	fmt.Println()
	switch st.Status {
	case ir.StatusCompleted:
		fmt.Printf("%sRun %s completed.%s\n", colorize(colorGreen+colorBold), st.RunID, colorize(colorReset))
		if st.Final != nil {
			fmt.Printf("  Output: %s\n", st.Final.Ref())
		}
	case ir.StatusFailed:
		fmt.Printf("%sRun %s failed.%s\n", colorize(colorRed+colorBold), st.RunID, colorize(colorReset))
		if st.Failure != nil {
			fmt.Printf("  %s\n", st.Failure.UserMessage)
		}
	default:
		fmt.Printf("Run %s is %s.\n", st.RunID, st.Status)
	}
	if n := degradedScenes(st); n > 0 {
		fmt.Printf("  %s%d scene(s) used a degraded fallback%s\n", colorize(colorYellow), n, colorize(colorReset))
	}
	fmt.Printf("  Cost: $%.4f\n", st.Cost)
}

func degradedScenes(st *ir.PipelineState) int {
	n := 0
	for _, res := range st.Results {
		if res != nil && res.Degraded {
			n++
		}
	}
	return n
}
