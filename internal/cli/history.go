package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Show the regeneration history of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	st, err := readRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(st.History) == 0 {
		fmt.Println("No regenerations recorded.")
		return nil
	}

	for i, h := range st.History {
		fmt.Printf("%d. %s  scene %s  (%s)\n", i+1, h.Timestamp.Format("2006-01-02 15:04:05"), h.SceneID, h.Reason)
		if h.Instruction != "" {
			fmt.Printf("   instruction: %s\n", h.Instruction)
		}
		if len(h.PreviousRefs) > 0 {
			fmt.Printf("   replaced:    %s\n", strings.Join(h.PreviousRefs, ", "))
		}
	}
	return nil
}
