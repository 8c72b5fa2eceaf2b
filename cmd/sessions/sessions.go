package sessions

import "github.com/spf13/cobra"

var (
	SessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "This command groups subcommands for managing active sessions.",
		Long: `
Usage: sessiongate sessions <subcommand> [options]

  This command groups subcommands for inspecting and ending the active
  sessions of a user. Ending a session revokes every token bound to its
  origin.

  List the sessions of a user:

      $ sessiongate sessions list --user alice

  Log a user out of one origin:

      $ sessiongate sessions remove --user alice --origin 203.0.113.7

  Log a user out everywhere:

      $ sessiongate sessions remove-all --user alice

  Please see the individual subcommand help for detailed usage information.
`,
	}
)

func init() {
	SessionsCmd.AddCommand(ListCmd)
	SessionsCmd.AddCommand(RemoveCmd)
	SessionsCmd.AddCommand(RemoveAllCmd)
}
