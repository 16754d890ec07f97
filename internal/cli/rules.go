package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/treykane/fwdctl/internal/appconfig"
	"github.com/treykane/fwdctl/internal/control"
	"github.com/treykane/fwdctl/internal/forward"
	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/security"
	"github.com/treykane/fwdctl/internal/tunnel"
	"github.com/treykane/fwdctl/internal/util"
)

// ruleFlags are the editable rule fields as command-line flags. Only flags the
// user actually set are applied.
type ruleFlags struct {
	typ      string
	source   int
	dest     string
	nickname string
}

func (f *ruleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.typ, "type", "local", "forward type: local, remote or dynamic")
	cmd.Flags().IntVar(&f.source, "source", 0, "source port")
	cmd.Flags().StringVar(&f.dest, "dest", "", "destination host:port (not used by dynamic forwards)")
	cmd.Flags().StringVar(&f.nickname, "nickname", "", "display name")
}

func (f *ruleFlags) apply(cmd *cobra.Command, base model.Fields) (model.Fields, error) {
	flags := cmd.Flags()
	if flags.Changed("type") || base.Type == "" {
		t, err := model.ParseType(f.typ)
		if err != nil {
			return base, &model.ValidationError{Field: "Type", Reason: model.ErrInvalidType}
		}
		base.Type = t
	}
	if flags.Changed("source") {
		if err := util.ValidatePort(f.source); err != nil {
			return base, &model.ValidationError{Field: "SourcePort", Reason: model.ErrInvalidPort}
		}
		base.SourcePort = f.source
	}
	if flags.Changed("dest") {
		host, port, err := model.ParseDest(f.dest)
		if err != nil {
			return base, err
		}
		base.DestAddr, base.DestPort = host, port
	}
	if flags.Changed("nickname") {
		base.Nickname = f.nickname
	}
	return base, nil
}

// ruleService is what the rule commands run against: the coordinator of a
// running serve process reached through its control socket, or an offline
// one over the store.
type ruleService interface {
	List(ctx context.Context, hostID int64) ([]model.Rule, error)
	Dispatch(ctx context.Context, in forward.Intent) (forward.Outcome, error)
	Close()
}

// rules returns the serve process for hostID when one is running, and
// reports whether it did.
func (a *app) rules(ctx context.Context, hostID int64) (ruleService, bool) {
	path, err := appconfig.SocketPath(hostID)
	if err == nil {
		c, err := control.Dial(ctx, path)
		if err == nil {
			return c, true
		}
		slog.Debug("no serve process, using the store directly", "host_id", hostID, "error", err)
	}
	return a.offline(), false
}

// offline builds a coordinator with no session attached, for commands that
// only touch storage.
func (a *app) offline() *forward.Coordinator {
	return a.coordinator(tunnel.NewManager(), forward.Options{})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule id %q", s)
	}
	return id, nil
}

func newListCmd(a *app) *cobra.Command {
	var (
		hostID  int64
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a host's forward rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := a.rules(cmd.Context(), hostID)
			defer c.Close()
			rules, err := c.List(cmd.Context(), hostID)
			if err != nil {
				return security.Classify("Could not list rules", err)
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if rules == nil {
					rules = []model.Rule{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rules)
			}
			printRules(out, rules)
			return nil
		},
	}
	cmd.Flags().Int64Var(&hostID, "host", 0, "host id")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newAddCmd(a *app) *cobra.Command {
	var (
		hostID int64
		rf     ruleFlags
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a forward rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := rf.apply(cmd, model.Fields{})
			if err != nil {
				return err
			}
			c, _ := a.rules(cmd.Context(), hostID)
			defer c.Close()
			out, err := c.Dispatch(cmd.Context(), forward.CreateIntent{HostID: hostID, Fields: fields})
			if err != nil {
				return err
			}
			if err := out.Err(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d %s\n", out.Rule.ID, out.Rule)
			return nil
		},
	}
	cmd.Flags().Int64Var(&hostID, "host", 0, "host id")
	rf.register(cmd)
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	var (
		hostID int64
		rf     ruleFlags
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a forward rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, _ := a.rules(cmd.Context(), hostID)
			defer c.Close()
			existing, err := findRule(cmd, c, hostID, id)
			if err != nil {
				return err
			}
			fields, err := rf.apply(cmd, existing.Fields())
			if err != nil {
				return err
			}
			out, err := c.Dispatch(cmd.Context(), forward.EditIntent{HostID: hostID, RuleID: id, Fields: fields})
			if err != nil {
				return err
			}
			if err := out.Err(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d %s\n", out.Rule.ID, out.Rule)
			if out.RebindPending {
				fmt.Fprintln(cmd.OutOrStdout(), "restarting the forward on the live session")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&hostID, "host", 0, "host id")
	rf.register(cmd)
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	var hostID int64
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a forward rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, _ := a.rules(cmd.Context(), hostID)
			defer c.Close()
			if _, err := c.Dispatch(cmd.Context(), forward.DeleteIntent{HostID: hostID, RuleID: id}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
			return nil
		},
	}
	cmd.Flags().Int64Var(&hostID, "host", 0, "host id")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newToggleCmd(a *app) *cobra.Command {
	var hostID int64
	cmd := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Start or stop a rule's forward on the running serve process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, live := a.rules(cmd.Context(), hostID)
			defer c.Close()
			if !live {
				return security.NewClassifiedError(
					fmt.Sprintf("No serve process is running for host %d; start one with fwdctl serve", hostID),
					"control socket not reachable")
			}
			out, err := c.Dispatch(cmd.Context(), forward.ToggleIntent{HostID: hostID, RuleID: id})
			if err != nil {
				return err
			}
			if err := out.Err(); err != nil {
				return err
			}
			state := "stopped"
			if out.Rule.Enabled {
				state = "started"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", state, out.Rule.ID, out.Rule)
			return nil
		},
	}
	cmd.Flags().Int64Var(&hostID, "host", 0, "host id")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func findRule(cmd *cobra.Command, c ruleService, hostID, id int64) (model.Rule, error) {
	rules, err := c.List(cmd.Context(), hostID)
	if err != nil {
		return model.Rule{}, security.Classify("Could not list rules", err)
	}
	for _, r := range rules {
		if r.Persisted() && r.ID == id {
			return r, nil
		}
	}
	return model.Rule{}, fmt.Errorf("rule %d on host %d: %w", id, hostID, forward.ErrRuleNotFound)
}

func printRules(w io.Writer, rules []model.Rule) {
	fmt.Fprintf(w, "%-6s %-16s %-8s %-7s %-28s %s\n", "ID", "NICKNAME", "TYPE", "SOURCE", "DEST", "ENABLED")
	for _, r := range rules {
		fmt.Fprintf(w, "%-6s %-16s %-8s %-7d %-28s %t\n",
			idOrDash(r.ID), util.EmptyDash(r.Nickname), r.Type, r.SourcePort, util.EmptyDash(r.Dest()), r.Enabled)
	}
}
