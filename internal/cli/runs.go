package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to list (0 for all)")
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend, err := openStateBackend(ctx, cfg)
	if err != nil {
		return err
	}
	runs, err := backend.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}
	if runsLimit > 0 && len(runs) > runsLimit {
		runs = runs[:runsLimit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tCREATED\tSCENES\tCOST\tINPUT")
	for _, st := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t$%.2f\t%s\n",
			st.RunID, st.Status, st.CreatedAt.Format("2006-01-02 15:04"),
			len(st.Scenes), st.Cost, truncate(st.Input, 40))
	}
	return w.Flush()
}
