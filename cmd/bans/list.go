package bans

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	ListCmd = &cobra.Command{
		Use:           "list",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command lists every ban in force.",
		Long: `
Usage: sessiongate bans list

  Lists every ban in force, expired bans excluded.

      $ sessiongate bans list
`,
		RunE: runList,
	}
)

func runList(cmd *cobra.Command, args []string) error {
	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		records, err := gate.ListBans(ctx)
		if err != nil {
			return fmt.Errorf("error listing bans: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No bans found.")
			return nil
		}

		fmt.Fprintf(out, "Found %d ban(s):\n\n", len(records))
		data := make([][]any, 0, len(records))
		for _, r := range records {
			data = append(data, banRow(r))
		}
		return helpers.PrintTable(out, banHeaders, data)
	})
}
