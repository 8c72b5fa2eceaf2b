package tokens

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	TokensCmd = &cobra.Command{
		Use:   "tokens",
		Short: "This command groups subcommands for checking and revoking tokens.",
		Long: `
Usage: sessiongate tokens <subcommand> [options]

  This command groups subcommands that operate on the tokens issued to
  admitted sessions.

  Check whether a token was revoked:

      $ sessiongate tokens check --token "$TOKEN"

  Revoke a single token:

      $ sessiongate tokens revoke --token "$TOKEN"
`,
	}

	flagToken string

	CheckCmd = &cobra.Command{
		Use:           "check",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command checks whether a token was revoked.",
		Long: `
Usage: sessiongate tokens check [options]

  Reports whether a token was revoked. A token that cannot be checked is
  reported as revoked.

      $ sessiongate tokens check --token "$TOKEN"
`,
		RunE: runCheck,
	}

	RevokeCmd = &cobra.Command{
		Use:           "revoke",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command revokes a single token.",
		Long: `
Usage: sessiongate tokens revoke [options]

  Revokes a token until its natural expiry. Only tokens bound by a login can
  be revoked this way.

      $ sessiongate tokens revoke --token "$TOKEN"
`,
		RunE: runRevoke,
	}
)

func init() {
	TokensCmd.PersistentFlags().StringVarP(&flagToken, "token", "t", "", "The token")

	TokensCmd.AddCommand(CheckCmd)
	TokensCmd.AddCommand(RevokeCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if flagToken == "" {
		return fmt.Errorf("token is required. Use -t or --token flag")
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		revoked, err := gate.IsTokenRevoked(ctx, flagToken)
		if err != nil {
			return fmt.Errorf("error checking token, treat it as revoked: %w", err)
		}
		if revoked {
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
		}
		return nil
	})
}

func runRevoke(cmd *cobra.Command, args []string) error {
	if flagToken == "" {
		return fmt.Errorf("token is required. Use -t or --token flag")
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		err := gate.RevokeToken(ctx, flagToken)
		if errors.Is(err, core.ErrTokenNotBound) {
			return fmt.Errorf("token is unknown or already expired")
		}
		if err != nil {
			return fmt.Errorf("error revoking token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Success! Revoked the token")
		return nil
	})
}
