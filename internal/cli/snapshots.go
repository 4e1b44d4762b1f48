package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewSnapshotsCmd creates the snapshots command.
func NewSnapshotsCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "snapshots <session>",
		Short: "List checkpoints of a session",
		Long:  `List the context snapshots written by "simulate --checkpoint", newest first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			store, err := cliCtx.Snapshots(cmd.Context())
			if err != nil {
				return err
			}

			snaps, err := store.ListSnapshots(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintf(out, "No snapshots for session %s\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tSIZE\tCREATED\tID")
			for _, s := range snaps {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, formatBytes(s.SizeBytes), s.CreatedAt.Local().Format(time.DateTime), s.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum snapshots to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}
