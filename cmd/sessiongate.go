package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/bans"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/cmd/login"
	"github.com/stephnangue/sessiongate/cmd/sessions"
	"github.com/stephnangue/sessiongate/cmd/tokens"
)

var (
	sessiongateCmd = &cobra.Command{
		Use:   "sessiongate",
		Short: "Sessiongate caps the devices a user may be logged in from",
		Long: `Sessiongate decides whether a user may open a session from a network origin.
It caps the number of concurrently active origins per user, bans accounts that
are shared across too many origins and revokes the tokens of removed sessions.

Without a configuration file every command runs against a fresh in-memory
store, which is only useful to try a policy out.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Make the config file visible to anything reading the environment
			if helpers.ConfigPath != "" {
				os.Setenv(helpers.ConfigEnvVar, helpers.ConfigPath)
			}
		},
	}
)

func Execute() {
	if err := sessiongateCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	sessiongateCmd.PersistentFlags().StringVarP(&helpers.ConfigPath, "config", "c", "", "Path to the configuration file (can also use SESSIONGATE_CONFIG env var)")

	sessiongateCmd.AddCommand(login.LoginCmd)
	sessiongateCmd.AddCommand(sessions.SessionsCmd)
	sessiongateCmd.AddCommand(bans.BansCmd)
	sessiongateCmd.AddCommand(tokens.TokensCmd)
}
