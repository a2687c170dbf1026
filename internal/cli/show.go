package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/adreel-io/adreel/internal/ir"
)

var (
	showJSON bool
	showGet  string
)

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run",
	Long: `Displays a human-readable view of a run snapshot.

Use --get with a path expression to extract a single value, e.g.
  adreel show <run-id> --get results.#.model
  adreel show <run-id> --get final.local_path`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
	showCmd.Flags().StringVar(&showGet, "get", "", "Print the value at a path in the JSON snapshot")
}

func runShow(cmd *cobra.Command, args []string) error {
	st, err := readRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if showJSON || showGet != "" {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		if showJSON {
			fmt.Println(string(data))
			return nil
		}
		v, err := lookup(data, showGet)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	}

	printRun(st)
	return nil
}

// lookup evaluates a gjson path against a JSON snapshot. Strings are
// printed bare, everything else as raw JSON.
func lookup(snapshot []byte, path string) (string, error) {
	res := gjson.GetBytes(snapshot, path)
	if !res.Exists() {
		return "", fmt.Errorf("no value at %q", path)
	}
	if res.Type == gjson.String {
		return res.Str, nil
	}
	return res.Raw, nil
}

func printRun(st *ir.PipelineState) {
	fmt.Printf("Run:     %s\n", st.RunID)
	fmt.Printf("Status:  %s%s%s\n", statusColor(st.Status), st.Status, colorize(colorReset))
	fmt.Printf("Created: %s\n", st.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Cost:    $%.4f\n", st.Cost)
	fmt.Printf("Input:   %s\n", truncate(st.Input, 72))
	if st.Failure != nil {
		fmt.Printf("Failure: %s (%s)\n", st.Failure.Reason, st.Failure.Stage)
		if st.Failure.RefundRequired {
			fmt.Printf("         %srefund required%s\n", colorize(colorYellow), colorize(colorReset))
		}
	}

	if len(st.Scenes) > 0 {
		fmt.Printf("\nScenes: %d\n", len(st.Scenes))
	}
	for i, sc := range st.Scenes {
		fmt.Printf("\n# %s\n", sc.ID)
		fmt.Printf("  description = %s\n", truncate(sc.Description, 64))
		for j, mod := range sc.Modifications {
			fmt.Printf("  revision %d  = %s\n", j+1, mod)
		}
		if i >= len(st.Results) || st.Results[i] == nil {
			fmt.Printf("  %s(not generated)%s\n", colorize(colorYellow), colorize(colorReset))
			continue
		}
		res := st.Results[i]
		model := res.Model
		if res.Degraded {
			model += " (degraded)"
		}
		fmt.Printf("  model       = %s\n", model)
		for _, ref := range res.Refs() {
			fmt.Printf("  output      = %s\n", ref)
		}
	}

	fmt.Println()
	for _, a := range []struct {
		label string
		art   *ir.Artifact
	}{
		{"End card", st.EndCard},
		{"Voice", st.Voice},
		{"Music", st.Music},
		{"Final", st.Final},
	} {
		switch {
		case a.art == nil:
			fmt.Printf("%-9s -\n", a.label+":")
		case a.art.Disabled:
			fmt.Printf("%-9s disabled\n", a.label+":")
		default:
			fmt.Printf("%-9s %s\n", a.label+":", orDash(a.art.Ref()))
		}
	}
}
