package bans

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	BansCmd = &cobra.Command{
		Use:   "bans",
		Short: "This command groups subcommands for managing account bans.",
		Long: `
Usage: sessiongate bans <subcommand> [options]

  This command groups subcommands for inspecting, issuing and lifting bans.
  Bans are issued automatically when an account is used from more distinct
  origins than the ban threshold allows.

  Check whether a user is banned:

      $ sessiongate bans status --user alice

  Ban a user for a day:

      $ sessiongate bans ban --user alice --ttl 24h --reason "shared account"

  Lift a ban:

      $ sessiongate bans unban --user alice

  Please see the individual subcommand help for detailed usage information.
`,
	}
)

func init() {
	BansCmd.AddCommand(StatusCmd)
	BansCmd.AddCommand(BanCmd)
	BansCmd.AddCommand(UnbanCmd)
	BansCmd.AddCommand(ListCmd)
}

func banRow(b *core.BanRecord) []any {
	expires := "never"
	if !b.Permanent {
		expires = helpers.FormatTime(b.ExpiresAt)
	}
	distinct := "-"
	if b.DistinctOrigins > 0 {
		distinct = fmt.Sprintf("%d", b.DistinctOrigins)
	}
	return []any{b.UserID, helpers.FormatTime(b.BannedAt), expires, distinct, b.Reason}
}

var banHeaders = []string{"User", "Banned At", "Expires", "Distinct Origins", "Reason"}
