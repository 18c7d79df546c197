// Package cli provides the command-line interface for ostm.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/treykane/ostm/internal/doctor"
	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/pairing"
	"github.com/treykane/ostm/internal/sshconfig"
	"github.com/treykane/ostm/internal/ui"
	"github.com/treykane/ostm/internal/util"
)

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ostm",
		Short:         "Supervise bandwidth-shaped autossh tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, runDashboard)
		},
	}

	root.AddCommand(
		newServeCmd(),
		newTunnelCmd(),
		newChannelCmd(),
		newPairCmd(),
		newUnpairCmd(),
		newDoctorCmd(),
		newEventsCmd(),
		newSSHConfigCmd(),
		&cobra.Command{
			Use:   "dashboard",
			Short: "Open the terminal dashboard",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, runDashboard)
			},
		},
	)
	return root
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func runDashboard(_ context.Context, a *app) error {
	return ui.Run(a.sup, a.editor, a.cfg.UI.RefreshSeconds)
}

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				cleared, err := a.sup.Reconcile(ctx)
				if err != nil {
					slog.Warn("failed to reconcile pid markers", "error", err)
				} else if len(cleared) > 0 {
					slog.Info("cleared stale pid markers", "ids", cleared)
				}
				addr := a.cfg.Listen
				if listen != "" {
					addr = listen
				}
				return a.server().ListenAndServe(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func newTunnelCmd() *cobra.Command {
	root := &cobra.Command{Use: "tunnel", Short: "Manage tunnels"}

	var jsonOut bool
	lifecycle := func(verb string) *cobra.Command {
		c := &cobra.Command{
			Use:   verb + " [id]",
			Short: fmt.Sprintf("%s one tunnel, or every tunnel when no id is given", verb),
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					if len(args) == 1 {
						op := map[string]func(context.Context, string) (model.TunnelResult, error){
							"start": a.sup.Start, "stop": a.sup.Stop, "restart": a.sup.Restart,
						}[verb]
						res, err := op(ctx, args[0])
						if jsonOut {
							if perr := printJSON(res); perr != nil {
								return perr
							}
						} else {
							printResult(res)
						}
						return err
					}
					op := map[string]func(context.Context) (model.Summary, error){
						"start": a.sup.StartAll, "stop": a.sup.StopAll, "restart": a.sup.RestartAll,
					}[verb]
					sum, err := op(ctx)
					if err != nil {
						return err
					}
					if jsonOut {
						return printJSON(sum)
					}
					printSummary(sum)
					return nil
				})
			},
		}
		c.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
		return c
	}

	status := &cobra.Command{
		Use:   "status [id]",
		Short: "Show tunnel and orphan status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				rep, err := a.sup.Status(ctx, id)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(rep)
				}
				printStatus(rep)
				return nil
			})
		},
	}
	status.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	bandwidth := &cobra.Command{
		Use:   "bandwidth <id> <up> <down>",
		Short: "Set rate caps (KB/s) and apply them",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			up, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.NotValidf("up rate %q", args[1])
			}
			down, err := strconv.Atoi(args[2])
			if err != nil {
				return errors.NotValidf("down rate %q", args[2])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, needRestart, err := a.sup.SetBandwidth(ctx, args[0], model.Bandwidth{Up: up, Down: down})
				if err != nil {
					return err
				}
				printResult(res)
				if needRestart {
					fmt.Printf("restart %s to apply the new rates\n", args[0])
				}
				return nil
			})
		},
	}

	check := &cobra.Command{
		Use:   "check <id>",
		Short: "Probe SSH and channel reachability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				cfg, err := a.store.Load(args[0])
				if err != nil {
					return err
				}
				rep := a.checker.CheckTunnel(ctx, cfg)
				if jsonOut {
					return printJSON(rep)
				}
				printCheck(rep)
				return nil
			})
		},
	}
	check.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	root.AddCommand(lifecycle("start"), lifecycle("stop"), lifecycle("restart"), status, bandwidth, check)
	return root
}

func newChannelCmd() *cobra.Command {
	root := &cobra.Command{Use: "channel", Short: "Edit tunnel forwards"}

	var (
		typ  string
		spec model.ChannelSpec
	)
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a LOCAL, REMOTE or DYNAMIC forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := model.ParseForwardType(typ)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.editor.AddChannel(ctx, args[0], t, spec)
				if err != nil {
					return err
				}
				printEdit(res)
				return nil
			})
		},
	}
	add.Flags().StringVar(&typ, "type", "LOCAL", "forward type (LOCAL, REMOTE, DYNAMIC)")
	add.Flags().StringVar(&spec.Name, "name", "", "channel name")
	add.Flags().IntVar(&spec.ListenPort, "listen-port", 0, "listen port")
	add.Flags().StringVar(&spec.ListenHost, "listen-host", "", "bind address on the remote side (REMOTE only)")
	add.Flags().StringVar(&spec.EndpointHost, "endpoint-host", "", "endpoint host (LOCAL and REMOTE)")
	add.Flags().IntVar(&spec.EndpointPort, "endpoint-port", 0, "endpoint port (LOCAL and REMOTE)")

	rm := &cobra.Command{
		Use:     "rm <id> <type> <port>",
		Aliases: []string{"remove"},
		Short:   "Remove a forward",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := model.ParseForwardType(args[1])
			if err != nil {
				return err
			}
			port, err := strconv.Atoi(args[2])
			if err != nil {
				return errors.NotValidf("port %q", args[2])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.editor.RemoveChannel(ctx, args[0], t, port)
				if err != nil {
					return err
				}
				printEdit(res)
				return nil
			})
		},
	}

	var sshConfigFile string
	imp := &cobra.Command{
		Use:   "import <id> <alias>",
		Short: "Add the forwards an ssh_config alias declares",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := lookupAlias(sshConfigFile, args[1])
			if err != nil {
				return err
			}
			if host.Channels.Count() == 0 {
				return errors.NotFoundf("forwards for alias %q", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				added := 0
				for _, ch := range host.Channels.Sorted() {
					res, err := a.editor.AddChannel(ctx, args[0], ch.Type, ch.ChannelSpec)
					if errors.Is(err, errors.AlreadyExists) {
						fmt.Printf("skipped %s %s: %v\n", ch.Type, ch.ForwardArg(ch.Type), err)
						continue
					}
					if err != nil {
						return err
					}
					added++
					printResult(res.Tunnel)
				}
				fmt.Printf("imported %s from %s\n", util.Plural(added, "channel", "channels"), args[1])
				return nil
			})
		},
	}
	imp.Flags().StringVar(&sshConfigFile, "ssh-config", "", "ssh_config to read (default ~/.ssh/config)")

	root.AddCommand(add, rm, imp)
	return root
}

// lookupAlias resolves alias in path, or in ~/.ssh/config when path is empty.
func lookupAlias(path, alias string) (sshconfig.Host, error) {
	if path == "" {
		var err error
		if path, err = sshconfig.DefaultPath(); err != nil {
			return sshconfig.Host{}, err
		}
	}
	res, err := sshconfig.ParseFile(path)
	if err != nil {
		return sshconfig.Host{}, err
	}
	for _, w := range res.Warnings {
		slog.Debug("ssh config warning", "file", path, "warning", w)
	}
	host, ok := res.Lookup(alias)
	if !ok {
		return sshconfig.Host{}, errors.NotFoundf("alias %q in %s", alias, path)
	}
	return host, nil
}

func newPairCmd() *cobra.Command {
	var (
		req           pairing.PairRequest
		up, down      int
		sshConfigFile string
	)
	cmd := &cobra.Command{
		Use:   "pair <id>",
		Short: "Provision a host and create a tunnel for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			if req.AdminPassword == "" {
				req.AdminPassword = os.Getenv("OSTM_ADMIN_PASSWORD")
			}
			// A --host that names an ssh_config alias resolves to its
			// HostName and Port.
			if host, err := lookupAlias(sshConfigFile, req.Host); err == nil {
				fmt.Printf("resolved alias %s to %s:%d\n", req.Host, host.HostName, host.Port)
				req.Host = host.HostName
				if !cmd.Flags().Changed("port") {
					req.SSHPort = host.Port
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if cmd.Flags().Changed("up") || cmd.Flags().Changed("down") {
					bw := model.Bandwidth{Up: a.cfg.Pairing.DefaultBandwidth.Up, Down: a.cfg.Pairing.DefaultBandwidth.Down}
					if cmd.Flags().Changed("up") {
						bw.Up = up
					}
					if cmd.Flags().Changed("down") {
						bw.Down = down
					}
					req.Bandwidth = &bw
				}
				cfg, err := a.pairing.Pair(ctx, req)
				if err != nil {
					return err
				}
				fmt.Printf("paired %s with %s (host key %s)\n", cfg.ID, cfg.Target(), cfg.HostKeyFingerprint)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Host, "host", "", "remote host")
	cmd.Flags().IntVar(&req.SSHPort, "port", 0, "remote ssh port (default 22)")
	cmd.Flags().StringVar(&req.AdminUser, "admin-user", "root", "administrative user used for provisioning")
	cmd.Flags().StringVar(&req.AdminPassword, "admin-password", "", "admin password (or OSTM_ADMIN_PASSWORD)")
	cmd.Flags().IntVar(&up, "up", 0, "upload cap in KB/s")
	cmd.Flags().IntVar(&down, "down", 0, "download cap in KB/s")
	cmd.Flags().StringVar(&sshConfigFile, "ssh-config", "", "ssh_config used to resolve --host aliases (default ~/.ssh/config)")
	return cmd
}

func newSSHConfigCmd() *cobra.Command {
	var (
		write bool
		path  string
	)
	cmd := &cobra.Command{
		Use:   "ssh-config",
		Short: "Render every tunnel as an ssh_config Host block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				cfgs, err := a.loadAll()
				if err != nil {
					return err
				}
				if !write {
					fmt.Print(sshconfig.Format(cfgs))
					return nil
				}
				if path == "" {
					path = a.cfg.Layout().SSHConfigFile()
				}
				if err := sshconfig.Export(path, cfgs); err != nil {
					return err
				}
				fmt.Printf("wrote %s to %s\n", util.Plural(len(cfgs), "host", "hosts"), path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "write the file instead of printing it")
	cmd.Flags().StringVar(&path, "file", "", "output path for --write (default <data dir>/ssh_config)")
	return cmd
}

func newUnpairCmd() *cobra.Command {
	var req pairing.UnpairRequest
	cmd := &cobra.Command{
		Use:   "unpair <id>",
		Short: "Stop a tunnel and remove its config and keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			if req.AdminUser != "" && req.AdminPassword == "" {
				req.AdminPassword = os.Getenv("OSTM_ADMIN_PASSWORD")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.pairing.Unpair(ctx, req); err != nil {
					return err
				}
				fmt.Printf("unpaired %s\n", req.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.AdminUser, "admin-user", "", "also remove the remote user with this admin account")
	cmd.Flags().StringVar(&req.AdminPassword, "admin-password", "", "admin password (or OSTM_ADMIN_PASSWORD)")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := doctor.Run(ctx, a.doctorDeps())
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(rep)
				}
				printDoctor(rep)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		q       events.Query
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				evs, err := a.journal.Read(q)
				if err != nil {
					return err
				}
				if jsonOut {
					if evs == nil {
						evs = []events.Event{}
					}
					return printJSON(evs)
				}
				printEvents(evs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.TunnelID, "tunnel", "", "only events for this tunnel")
	cmd.Flags().StringVar(&q.EventType, "type", "", "only events of this type")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "show at most this many recent events (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
