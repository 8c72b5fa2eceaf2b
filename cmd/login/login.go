package login

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/spf13/cobra"
	"github.com/stephnangue/sessiongate/cmd/helpers"
	"github.com/stephnangue/sessiongate/core"
)

var (
	LoginCmd = &cobra.Command{
		Use:           "login",
		SilenceUsage:  true,
		SilenceErrors: true,
		Short:         "This command evaluates login attempts against the admission policy.",
		Long: `
Usage: sessiongate login [options]

  Evaluates one login attempt per --origin, in order, for the given user. Each
  admitted attempt is issued an opaque token which is bound to the origin, so
  that removing the session later revokes it. The token is printed once and is
  never stored in clear.

  Log alice in from one address:

      $ sessiongate login --user alice --origin 203.0.113.7

  Replay a sequence of logins against a stricter policy:

      $ sessiongate login --user alice --origin 10.0.0.1 --origin 10.0.0.2 \
          --max-active-origins 1 --eviction deny_new

  The policy defaults to the admission block of the configuration file.
`,
		RunE: run,
	}

	tokenLength = 32

	flagUser             string
	flagOrigins          []string
	flagTokenTTL         string
	flagMaxActiveOrigins int
	flagEviction         string
)

func init() {
	LoginCmd.Flags().StringVarP(&flagUser, "user", "u", "", "The user logging in")
	LoginCmd.Flags().StringArrayVarP(&flagOrigins, "origin", "o", nil, "The origin of the attempt, repeat to replay several attempts")
	LoginCmd.Flags().StringVar(&flagTokenTTL, "token-ttl", "1h", "Lifetime of the issued tokens")
	LoginCmd.Flags().IntVar(&flagMaxActiveOrigins, "max-active-origins", 0, "Override the maximum number of active origins")
	LoginCmd.Flags().StringVar(&flagEviction, "eviction", "", "Override the eviction policy (deny_new or evict_oldest)")
}

func run(cmd *cobra.Command, args []string) error {
	if flagUser == "" {
		return fmt.Errorf("user is required. Use -u or --user flag")
	}
	if len(flagOrigins) == 0 {
		return fmt.Errorf("at least one origin is required. Use -o or --origin flag")
	}
	tokenTTL, err := parseutil.ParseDurationSecond(flagTokenTTL)
	if err != nil {
		return fmt.Errorf("invalid token ttl %q: %w", flagTokenTTL, err)
	}

	return helpers.RunWithGate(cmd, func(ctx context.Context, gate *core.SessionGate) error {
		policy, err := overridePolicy(gate.Policy())
		if err != nil {
			return err
		}

		headers := []string{"Origin", "Admitted", "Reason", "Active", "Distinct Origins", "Evicted", "Token"}
		origins := strutil.TrimStrings(flagOrigins)
		data := make([][]any, 0, len(origins))
		for _, origin := range origins {
			row, err := attempt(ctx, gate, policy, origin, tokenTTL)
			if err != nil {
				return err
			}
			data = append(data, row)
		}
		return helpers.PrintTable(cmd.OutOrStdout(), headers, data)
	})
}

func attempt(ctx context.Context, gate *core.SessionGate, policy *core.Policy, origin string, tokenTTL time.Duration) ([]any, error) {
	decision, err := gate.Evaluate(ctx, flagUser, origin, policy)
	if err != nil {
		return nil, fmt.Errorf("error evaluating login from %s: %w", origin, err)
	}

	token := "-"
	if decision.Admitted {
		token, err = base62.Random(tokenLength)
		if err != nil {
			return nil, fmt.Errorf("error generating token: %w", err)
		}
		if _, err := gate.BindToken(ctx, flagUser, origin, token, tokenTTL); err != nil {
			return nil, fmt.Errorf("error binding token: %w", err)
		}
	}

	evicted := "-"
	if len(decision.Evicted) > 0 {
		evicted = strings.Join(decision.Evicted, ",")
	}
	return []any{origin, decision.Admitted, string(decision.Reason), decision.ActiveCount,
		decision.DistinctOrigins, evicted, token}, nil
}

// overridePolicy applies the policy flags to a copy of the gate's policy
func overridePolicy(base *core.Policy) (*core.Policy, error) {
	if flagMaxActiveOrigins == 0 && flagEviction == "" {
		return nil, nil
	}
	p := *base
	if flagMaxActiveOrigins != 0 {
		p.MaxActiveOrigins = flagMaxActiveOrigins
	}
	if flagEviction != "" {
		eviction, err := core.ParseEvictionPolicy(flagEviction)
		if err != nil {
			return nil, err
		}
		p.Eviction = eviction
	}
	return &p, nil
}
