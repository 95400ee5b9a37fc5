package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/polymarket-killswitch/internal/api"
	"github.com/GoPolymarket/polymarket-killswitch/internal/health"
	"github.com/GoPolymarket/polymarket-killswitch/internal/state"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the kill switch state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := g.client().State(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "State:\t%s\n", st.State)
			fmt.Fprintf(tw, "Trading allowed:\t%t\n", st.TradingAllowed)
			fmt.Fprintf(tw, "Position limit factor:\t%.2f\n", st.PositionLimitFactor)
			fmt.Fprintf(tw, "Drawdown:\t%.2f%%\n", st.DrawdownPct)
			if s := st.Session; s != nil {
				fmt.Fprintf(tw, "Recovery session:\t%s\n", s.ID)
				fmt.Fprintf(tw, "  Phase:\t%s\n", s.Phase)
				fmt.Fprintf(tw, "  Cooldown ends:\t%s\n", s.CooldownEnd.Format(time.RFC3339))
				if s.ActiveAt != nil {
					fmt.Fprintf(tw, "  Trading resumed:\t%s\n", s.ActiveAt.Format(time.RFC3339))
				}
			}
			return tw.Flush()
		},
	}
}

func newTriggerCmd(g *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Kill trading immediately",
		Long: `Transition the kill switch to KILLED. Exits 1 when the switch is
already KILLED or DISABLED.

Examples:
  killswitch trigger --reason "suspicious fills on BTC market"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireReason(reason); err != nil {
				return err
			}
			res, err := g.client().Trigger(cmd.Context(), reason, g.actor)
			if err != nil {
				return err
			}
			if g.jsonOutput() {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else if res.Applied {
				printf(cmd, "Kill switch is now %s (event %s)\n", res.State, res.Record.EventID)
			}
			if !res.Applied {
				return &exitError{code: exitPrecondition, msg: fmt.Sprintf("kill switch is already %s, nothing to do", res.State)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why trading is being halted (required)")
	return cmd
}

func newRecoverCmd(g *globalFlags) *cobra.Command {
	var reason, code, codeEnv string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Request recovery from KILLED",
		Long: `Start a recovery session. The request is checked in order: the switch
must be KILLED, the attempt rate limit must allow it, the approval code must
match and every health check must pass. Trading resumes after the cooldown
at a reduced position limit.

The approval code is read from --code, or else from the environment
variable named by --code-env. Set --code-env to match the server's
kill_switch.recovery.approval_code_env_var when it is not the default.

Exit codes:
  1  the switch is not KILLED
  2  approval code invalid or unavailable, or rate limited
  3  health check failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireReason(reason); err != nil {
				return err
			}
			if code == "" && codeEnv != "" {
				code = strings.TrimSpace(os.Getenv(codeEnv))
			}
			if code == "" {
				return &exitError{code: exitApproval, msg: fmt.Sprintf("approval code required (--code or %s)", codeEnv)}
			}
			view, err := g.client().Recover(cmd.Context(), reason, code, g.actor)
			if err != nil {
				var apiErr *api.Error
				if errors.As(err, &apiErr) && apiErr.Health != nil {
					printHealth(cmd, *apiErr.Health)
				}
				return err
			}
			if g.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			printf(cmd, "Recovery session %s started\n", view.ID)
			printf(cmd, "Phase: %s, trading resumes at %s\n", view.Phase, view.CooldownEnd.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why trading can resume (required)")
	cmd.Flags().StringVar(&code, "code", "", "Recovery approval code")
	cmd.Flags().StringVar(&codeEnv, "code-env", defaultApprovalEnv, "Environment variable holding the approval code")
	return cmd
}

func newHealthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the platform health probe",
		Long:  "Run every health check once. Exits 3 when any check fails.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := g.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOutput() {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printHealth(cmd, res)
			}
			if !res.Passed {
				return &exitError{code: exitHealth, msg: "health check failed: " + res.Summary()}
			}
			return nil
		},
	}
}

func newAuditCmd(g *globalFlags) *cobra.Command {
	var since, until, triggeredBy, newState, byActor string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Stream the transition audit trail",
		Long: `Print ledger records oldest first. --since and --until accept RFC 3339
timestamps or a duration counted back from now.

Examples:
  killswitch audit --since 24h
  killswitch audit --state KILLED --triggered-by auto_trigger -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			q := api.AuditQuery{TriggeredBy: triggeredBy, NewState: newState, Actor: byActor}
			var err error
			if q.Since, err = parseWhen(since, now); err != nil {
				return &exitError{code: exitOther, msg: "--since: " + err.Error()}
			}
			if q.Until, err = parseWhen(until, now); err != nil {
				return &exitError{code: exitOther, msg: "--until: " + err.Error()}
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			if !g.jsonOutput() {
				fmt.Fprintln(tw, "TIMESTAMP\tFROM\tTO\tBY\tACTOR\tREASON")
			}
			err = g.client().Audit(cmd.Context(), q, func(rec state.TransitionRecord) error {
				if g.jsonOutput() {
					return writeJSONLine(out, rec)
				}
				_, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.Timestamp.Format(time.RFC3339), rec.PreviousState, rec.NewState,
					rec.TriggeredBy, dash(rec.Actor), rec.Reason)
				return err
			}, func(msg string) {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: corrupt audit line:", msg)
			})
			if ferr := tw.Flush(); err == nil {
				err = ferr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Earliest record (RFC 3339 or duration, e.g. 24h)")
	cmd.Flags().StringVar(&until, "until", "", "Latest record (RFC 3339 or duration)")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "", "Filter by origin (manual_cli, system, auto_trigger, recovery)")
	cmd.Flags().StringVar(&newState, "state", "", "Filter by new state")
	cmd.Flags().StringVar(&byActor, "by", "", "Filter by actor")
	return cmd
}

func printHealth(cmd *cobra.Command, res health.Result) {
	names := make([]string, 0, len(res.Checks))
	for name := range res.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, name := range names {
		c := res.Checks[name]
		mark := "ok"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, name, c.Message)
	}
	_ = tw.Flush()
}

// parseWhen accepts RFC 3339 or a duration counted back from now.
func parseWhen(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 time or duration, got %q", v)
	}
	return now.Add(-d), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
