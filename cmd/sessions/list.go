package sessions

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	listUser    string
	listCurrent string

	ListCmd = &cobra.Command{
		Use:           "list",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command lists the active sessions of a user.",
		Long: `
Usage: sessiongate sessions list [options]

  Lists the active sessions of a user, most recently seen first. Expired
  sessions are never shown.

  Mark the session the caller is using:

      $ sessiongate sessions list --user alice --current 203.0.113.7
`,
		RunE: runList,
	}
)

func init() {
	ListCmd.Flags().StringVarP(&listUser, "user", "u", "", "The user whose sessions to list")
	ListCmd.Flags().StringVar(&listCurrent, "current", "", "Origin of the current session, marked in the output")
}

func runList(cmd *cobra.Command, args []string) error {
	if listUser == "" {
		return fmt.Errorf("user is required. Use -u or --user flag")
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		sessions := gate.ListActiveSessions(ctx, listUser, listCurrent)
		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No active sessions found.")
			return nil
		}

		fmt.Fprintf(out, "Found %d active session(s):\n\n", len(sessions))
		headers := []string{"Origin", "Created", "Last Seen", "Current"}
		data := make([][]any, 0, len(sessions))
		for _, s := range sessions {
			current := ""
			if s.IsCurrent {
				current = "*"
			}
			data = append(data, []any{s.Origin, helpers.FormatTime(s.CreatedAt), helpers.FormatTime(s.LastSeenAt), current})
		}
		return helpers.PrintTable(out, headers, data)
	})
}
