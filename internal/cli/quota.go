package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show shared provider quota usage",
	RunE:  runQuota,
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset [resource]",
	Short: "Clear the recorded usage of one resource, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQuotaReset,
}

func init() {
	quotaCmd.AddCommand(quotaResetCmd)
}

func runQuota(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	gov, store, err := newGovernor(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := gov.Stats(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("No quota limits configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tMINUTE\tDAY\tDAY KEY\tNEXT RESET")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.Resource, usage(s.MinuteCount, s.RPM), usage(s.DailyCount, s.RPD),
			orDash(s.Day), s.NextReset.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runQuotaReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	gov, store, err := newGovernor(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	resource := ""
	if len(args) > 0 {
		resource = args[0]
	}
	if err := gov.Reset(ctx, resource); err != nil {
		return err
	}
	if resource == "" {
		fmt.Println("Quota usage cleared for all resources.")
	} else {
		fmt.Printf("Quota usage cleared for %s.\n", resource)
	}
	return nil
}

func usage(count, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d/unlimited", count)
	}
	return fmt.Sprintf("%d/%d", count, limit)
}
