package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/polymarket-killswitch/internal/api"
)

const (
	defaultAddr        = "127.0.0.1:8787"
	defaultApprovalEnv = "KILL_SWITCH_APPROVAL_CODE"
)

type globalFlags struct {
	addr    string
	output  string
	timeout time.Duration
	actor   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "killswitch",
		Short: "Kill switch safety control plane for Polymarket trading",
		Long: `killswitch halts trading when risk or platform health degrades and
gates the way back behind an approval code, a health check, a cooldown
and a gradual position limit escalation.

Server:
  serve     Run the kill switch service and its HTTP API

Operator commands (talk to a running service):
  status    Show state, position limit factor and recovery session
  trigger   Kill trading immediately
  recover   Request recovery from KILLED
  health    Run the platform health probe
  audit     Stream the transition audit trail`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	addr := os.Getenv("KILL_SWITCH_API_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", addr, "Kill switch API address")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "table", "Output format (table, json)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "HTTP request timeout")
	root.PersistentFlags().StringVar(&g.actor, "actor", currentUser(), "Operator recorded in the audit trail")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(g),
		newTriggerCmd(g),
		newRecoverCmd(g),
		newHealthCmd(g),
		newAuditCmd(g),
	)
	return root
}

func (g *globalFlags) client() *api.Client {
	return api.NewClient(g.addr, g.timeout)
}

func (g *globalFlags) jsonOutput() bool {
	return strings.EqualFold(g.output, "json")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func requireReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return &exitError{code: exitOther, msg: "--reason is required"}
	}
	return nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
