package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adreel-io/adreel/internal/engine"
	"github.com/adreel-io/adreel/internal/ir"
	"github.com/adreel-io/adreel/internal/state"
)

var (
	regenerateInstruction string
	regenerateDryRun      bool
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <run-id> <scene-id>",
	Short: "Regenerate one scene of a finished run",
	Long: `Re-render a single scene with an optional instruction, then re-assemble.

Every other scene keeps its existing output. The previous references are
recorded in the run history.`,
	Args: cobra.ExactArgs(2),
	RunE: runRegenerate,
}

func init() {
	regenerateCmd.Flags().StringVarP(&regenerateInstruction, "instruction", "i", "", "Change to apply to the scene, e.g. \"make it sunset\"")
	regenerateCmd.Flags().BoolVar(&regenerateDryRun, "dry-run", false, "Use offline backends; nothing is billed")
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID, sceneID := args[0], args[1]

	r, err := newRunner(ctx, cfg, runID, regenerateDryRun)
	if err != nil {
		return err
	}
	defer r.Close()

	st, runErr := r.execute(ctx, runID, func(ctx context.Context) (*ir.PipelineState, error) {
		return loadForRegeneration(ctx, r.backend, runID, sceneID, regenerateInstruction)
	})
	if st == nil {
		return runErr
	}
	printSummary(st)
	return runErr
}

// loadForRegeneration reads the latest snapshot and targets sceneID. The
// caller holds the run lock, so the snapshot cannot move underneath it.
func loadForRegeneration(ctx context.Context, backend state.Backend, runID, sceneID, instruction string) (*ir.PipelineState, error) {
	st, err := backend.Read(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	if err := engine.PrepareRegeneration(st, sceneID, instruction, time.Now()); err != nil {
		return nil, err
	}
	fmt.Printf("Regenerating scene %s of run %s\n", sceneID, runID)
	return st, nil
}
