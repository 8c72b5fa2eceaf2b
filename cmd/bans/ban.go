package bans

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	banUser   string
	banTTL    string
	banReason string

	BanCmd = &cobra.Command{
		Use:           "ban",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command bans a user.",
		Long: `
Usage: sessiongate bans ban [options]

  Bans a user for the given duration. A ttl of 0 bans the user permanently.
  A ban already in force that lasts longer is kept.

      $ sessiongate bans ban --user alice --ttl 7d --reason "chargeback"
`,
		RunE: runBan,
	}

	unbanUser string

	UnbanCmd = &cobra.Command{
		Use:           "unban",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command lifts the ban of a user.",
		Long: `
Usage: sessiongate bans unban [options]

  Lifts the ban of a user and forgets the origins recorded against the
  account, so the next login starts from a clean history.

      $ sessiongate bans unban --user alice
`,
		RunE: runUnban,
	}
)

func init() {
	BanCmd.Flags().StringVarP(&banUser, "user", "u", "", "The user to ban")
	BanCmd.Flags().StringVar(&banTTL, "ttl", "0", "How long the ban lasts, 0 for a permanent ban")
	BanCmd.Flags().StringVar(&banReason, "reason", "manual", "Why the user is banned")

	UnbanCmd.Flags().StringVarP(&unbanUser, "user", "u", "", "The user to unban")
}

func runBan(cmd *cobra.Command, args []string) error {
	if banUser == "" {
		return fmt.Errorf("user is required. Use -u or --user flag")
	}
	ttl, err := parseutil.ParseDurationSecond(banTTL)
	if err != nil {
		return fmt.Errorf("invalid ban ttl %q: %w", banTTL, err)
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		record, err := gate.Ban(ctx, banUser, ttl, banReason)
		if err != nil {
			return fmt.Errorf("error banning user: %w", err)
		}
		return helpers.PrintTable(cmd.OutOrStdout(), banHeaders, [][]any{banRow(record)})
	})
}

func runUnban(cmd *cobra.Command, args []string) error {
	if unbanUser == "" {
		return fmt.Errorf("user is required. Use -u or --user flag")
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		if err := gate.Unban(ctx, unbanUser); err != nil {
			return fmt.Errorf("error unbanning user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Success! Lifted the ban of %s\n", unbanUser)
		return nil
	})
}
