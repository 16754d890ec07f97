// Package cli provides the command-line interface for fwdctl.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/fwdctl/internal/appconfig"
	"github.com/treykane/fwdctl/internal/doctor"
	"github.com/treykane/fwdctl/internal/events"
	"github.com/treykane/fwdctl/internal/forward"
	"github.com/treykane/fwdctl/internal/logging"
	"github.com/treykane/fwdctl/internal/security"
	"github.com/treykane/fwdctl/internal/store"
	"github.com/treykane/fwdctl/internal/util"
)

// app carries what every subcommand needs once the config is loaded.
type app struct {
	cfg     appconfig.Config
	store   *store.Store
	journal *events.Store
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return security.Classify("Could not load configuration", err)
	}
	a.cfg = cfg
	logging.Setup(cfg.Log, cmd.ErrOrStderr())

	path, err := cfg.ResolveStorePath()
	if err != nil {
		return security.Classify("Could not resolve rule store path", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return security.Classify("Could not open rule store", err)
	}
	a.store = st

	j, err := events.NewStore()
	if err != nil {
		slog.Warn("event journal disabled", "error", err)
	} else {
		a.journal = j
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Debug("failed to close rule store", "error", err)
		}
		a.store = nil
	}
}

func (a *app) coordinator(live forward.LiveBinder, opts forward.Options) *forward.Coordinator {
	opts.SettleDelay = a.cfg.SettleDelay()
	if a.journal != nil {
		opts.Journal = a.journal
	}
	return forward.New(a.store, live, opts)
}

// Execute runs fwdctl with args and returns the process exit code. Errors are
// printed in their user-safe form.
func Execute(args []string, stdout, stderr io.Writer) int {
	a := &app{cfg: appconfig.Default()}
	defer a.close()

	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", security.UserMessage(err, a.cfg.Security.RedactErrors))
		slog.Debug("command failed", "error", security.DebugMessage(err))
		return 1
	}
	return 0
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "fwdctl",
		Short:         "Manage SSH port-forward rules and keep them live",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
	}
	root.AddCommand(
		newListCmd(a),
		newAddCmd(a),
		newEditCmd(a),
		newRmCmd(a),
		newToggleCmd(a),
		newServeCmd(a),
		newDoctorCmd(a),
		newEventsCmd(a),
	)
	return root
}

func newDoctorCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check stored rules and local files for problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.store.LoadAll(cmd.Context())
			if err != nil {
				return security.Classify("Could not read stored rules", err)
			}
			report := doctor.Run(rules, a.cfg, a.store.Path())
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(out, "no issues found")
				return nil
			}
			fmt.Fprintf(out, "%-8s %-22s %-28s %s\n", "SEVERITY", "CHECK", "TARGET", "MESSAGE")
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "%-8s %-22s %-28s %s\n", issue.Severity, issue.Check, issue.Target, issue.Message)
				fmt.Fprintf(out, "%-8s %-22s %-28s -> %s\n", "", "", "", issue.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var (
		hostID    int64
		ruleID    int64
		eventType string
		since     time.Duration
		limit     int
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the forwarding event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.journal == nil {
				return security.NewClassifiedError("Event journal is not available", "events store failed to initialise")
			}
			q := events.Query{HostID: hostID, RuleID: ruleID, EventType: eventType, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := a.journal.Read(q)
			if err != nil {
				return security.Classify("Could not read event journal", err)
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if evts == nil {
					evts = []events.Event{}
				}
				return enc.Encode(evts)
			}
			fmt.Fprintf(out, "%-20s %-18s %-6s %-6s %-40s %s\n", "TIME", "EVENT", "HOST", "RULE", "FORWARD", "MESSAGE")
			for _, e := range evts {
				fmt.Fprintf(out, "%-20s %-18s %-6d %-6s %-40s %s\n",
					e.Timestamp.Local().Format(time.DateTime), e.EventType, e.HostID, idOrDash(e.RuleID),
					util.EmptyDash(e.Rule), util.EmptyDash(e.Message))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&hostID, "host", 0, "only events for this host id")
	cmd.Flags().Int64Var(&ruleID, "rule", 0, "only events for this rule id")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type (e.g. bind_failed)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events, newest kept")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func idOrDash(id int64) string {
	if id <= 0 {
		return "-"
	}
	return strconv.FormatInt(id, 10)
}
