package bans

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	statusUser string

	StatusCmd = &cobra.Command{
		Use:           "status",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command shows whether a user is banned.",
		Long: `
Usage: sessiongate bans status [options]

  Shows the ban in force for a user, if any.

      $ sessiongate bans status --user alice
`,
		RunE: runStatus,
	}
)

func init() {
	StatusCmd.Flags().StringVarP(&statusUser, "user", "u", "", "The user to check")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusUser == "" {
		return fmt.Errorf("user is required. Use -u or --user flag")
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		record, err := gate.GetBan(ctx, statusUser)
		if err != nil {
			return fmt.Errorf("error reading ban: %w", err)
		}
		out := cmd.OutOrStdout()
		if record == nil {
			fmt.Fprintf(out, "%s is not banned.\n", statusUser)
			return nil
		}
		return helpers.PrintTable(out, banHeaders, [][]any{banRow(record)})
	})
}
