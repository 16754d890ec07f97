package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/treykane/fwdctl/internal/appconfig"
	"github.com/treykane/fwdctl/internal/control"
	"github.com/treykane/fwdctl/internal/events"
	"github.com/treykane/fwdctl/internal/forward"
	"github.com/treykane/fwdctl/internal/metrics"
	"github.com/treykane/fwdctl/internal/model"
	"github.com/treykane/fwdctl/internal/security"
	"github.com/treykane/fwdctl/internal/sshsession"
	"github.com/treykane/fwdctl/internal/tunnel"
	"github.com/treykane/fwdctl/internal/util"
)

var errSessionClosed = errors.New("ssh session closed")

func newServeCmd(a *app) *cobra.Command {
	var (
		hostID     int64
		addr       string
		user       string
		identity   string
		knownHosts string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to a host and keep its forward rules live",
		Long: "Connect to a host over SSH, bind every stored rule and print the rule set\n" +
			"whenever it changes. SIGHUP re-reads the store and reconciles. While it runs,\n" +
			"list, add, edit, rm and toggle for the host go through this process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := sshsession.DialOptions{
				User:           util.DefaultString(user, util.DefaultString(a.cfg.SSH.User, os.Getenv("USER"))),
				IdentityFile:   util.DefaultString(identity, a.cfg.IdentityPath()),
				KnownHostsFile: util.DefaultString(knownHosts, a.cfg.KnownHostsPath()),
				Timeout:        a.cfg.ConnectTimeout(),
				BindAddr:       a.cfg.BindAddr(),
			}
			sess, err := sshsession.Dial(ctx, addr, opts)
			if err != nil {
				return security.Classify(fmt.Sprintf("Could not connect to %s", addr), err)
			}
			defer sess.Close()

			m := metrics.NewForwarding()
			mgr := tunnel.NewManager()
			defer mgr.Close()

			if listen := a.cfg.Metrics.ListenAddr; listen != "" {
				ln, err := net.Listen("tcp", listen)
				if err != nil {
					return security.Classify("Could not start metrics listener", err)
				}
				srv, err := startStatusServer(ln, m, mgr)
				if err != nil {
					_ = ln.Close()
					return security.Classify("Could not start metrics listener", err)
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			c := a.coordinator(mgr, forward.Options{Metrics: m})
			defer c.Close()
			ctl, err := a.startControl(c, hostID)
			if err != nil {
				return security.Classify(fmt.Sprintf("Could not open the control socket for host %d", hostID), err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = ctl.Shutdown(shutdownCtx)
			}()
			mgr.SetDropHook(c.Refresh)
			mgr.Attach(hostID, sess)

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			slog.Info("connected", "host_id", hostID, "addr", addr)
			return a.serveLoop(ctx, cmd.OutOrStdout(), c, sess, hostID, hup)
		},
	}
	cmd.Flags().Int64Var(&hostID, "host", 0, "host id whose rules to serve")
	cmd.Flags().StringVar(&addr, "addr", "", "SSH server address, host[:port]")
	cmd.Flags().StringVar(&user, "user", "", "SSH user (default: ssh.user from config, then $USER)")
	cmd.Flags().StringVar(&identity, "identity", "", "private key file (default: ssh.identity_file)")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "known_hosts file (default: ssh.known_hosts_file or ~/.ssh/known_hosts)")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

// serveLoop binds the host's rules and reports changes until ctx ends or the
// session goes away.
func (a *app) serveLoop(ctx context.Context, w io.Writer, c *forward.Coordinator, sess tunnel.Session, hostID int64, hup <-chan os.Signal) error {
	sub := c.Subscribe(hostID)
	defer sub.Close()

	reconcile := func() {
		if err := c.Reconcile(ctx, hostID); err != nil {
			fmt.Fprintf(w, "reconcile: %s\n", security.UserMessage(err, a.cfg.Security.RedactErrors))
		}
	}
	reconcile()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			a.recordSessionLost(hostID)
			return security.Classify("SSH session closed", errSessionClosed)
		case <-hup:
			slog.Info("reconciling on SIGHUP", "host_id", hostID)
			reconcile()
		case ch, ok := <-sub.Changes():
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "rules for host %d at %s:\n", ch.HostID, ch.At.Format(time.TimeOnly))
			printRules(w, ch.Rules)
		case n, ok := <-sub.Notices():
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "notice (%s): %s\n", n.Kind, security.UserMessage(n.Err, a.cfg.Security.RedactErrors))
		}
	}
}

// startControl serves rule intents for hostID on its control socket.
func (a *app) startControl(c *forward.Coordinator, hostID int64) (*http.Server, error) {
	path, err := appconfig.SocketPath(hostID)
	if err != nil {
		return nil, err
	}
	ln, err := control.Listen(path)
	if err != nil {
		return nil, err
	}
	return control.Serve(ln, control.NewHandler(c, hostID)), nil
}

func (a *app) recordSessionLost(hostID int64) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Append(events.Event{HostID: hostID, EventType: events.SessionLost}); err != nil {
		slog.Debug("failed to journal session loss", "error", err)
	}
}

// snapshotter is the part of tunnel.Manager the status endpoint reads.
type snapshotter interface {
	Snapshot() []model.BindingRuntime
}

func statusHandler(s snapshotter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sn := s.Snapshot()
		sort.Slice(sn, func(i, j int) bool { return sn[i].Key < sn[j].Key })
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sn); err != nil {
			slog.Debug("failed to write status", "error", err)
		}
	})
}

// startStatusServer serves /metrics and /status on ln.
func startStatusServer(ln net.Listener, m *metrics.Forwarding, s snapshotter) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/status", statusHandler(s))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("status server stopped", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
