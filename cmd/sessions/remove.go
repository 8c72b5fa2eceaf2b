package sessions

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	removeUser   string
	removeOrigin string

	RemoveCmd = &cobra.Command{
		Use:           "remove",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command ends the session of a user at one origin.",
		Long: `
Usage: sessiongate sessions remove [options]

  Ends the session of a user at one origin and revokes every token that was
  issued to that origin. Removing a session that does not exist still revokes
  the tokens bound to the origin.

      $ sessiongate sessions remove --user alice --origin 203.0.113.7
`,
		RunE: runRemove,
	}

	removeAllUser string

	RemoveAllCmd = &cobra.Command{
		Use:           "remove-all",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command ends every session of a user.",
		Long: `
Usage: sessiongate sessions remove-all [options]

  Ends every session of a user and revokes all of the user's tokens.

      $ sessiongate sessions remove-all --user alice
`,
		RunE: runRemoveAll,
	}
)

func init() {
	RemoveCmd.Flags().StringVarP(&removeUser, "user", "u", "", "The user whose session to end")
	RemoveCmd.Flags().StringVarP(&removeOrigin, "origin", "o", "", "The origin of the session")

	RemoveAllCmd.Flags().StringVarP(&removeAllUser, "user", "u", "", "The user whose sessions to end")
}

func runRemove(cmd *cobra.Command, args []string) error {
	if removeUser == "" || removeOrigin == "" {
		return fmt.Errorf("user and origin are required. Use --user and --origin flags")
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		if err := gate.RemoveSession(ctx, removeUser, removeOrigin); err != nil {
			return fmt.Errorf("error removing session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Success! Removed the session of %s at %s\n", removeUser, removeOrigin)
		return nil
	})
}

func runRemoveAll(cmd *cobra.Command, args []string) error {
	if removeAllUser == "" {
		return fmt.Errorf("user is required. Use -u or --user flag")
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		if err := gate.RemoveAllSessions(ctx, removeAllUser); err != nil {
			return fmt.Errorf("error removing sessions: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Success! Removed all sessions of %s\n", removeAllUser)
		return nil
	})
}
