package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	shellquote "github.com/kballard/go-shellquote"
	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/pkg/runner"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/tomb.v2"
)

func migrationFlags(f *pflag.FlagSet) {
	defaults := flashnbd.DefaultMigrateOptions()
	f.String("ssh-user", "root", "user for remote commands")
	f.String("ssh-key", "/root/.ssh/id_rsa", "private key for remote commands")
	f.String("known-hosts", "/root/.ssh/known_hosts", "known hosts file")
	f.Duration("ssh-timeout", 30*time.Second, "ssh connect timeout")
	f.Duration("libvirt-timeout", 30*time.Second, "libvirt connect timeout")
	f.String("libvirt-transport", "ssh", "how to reach the destination libvirtd: ssh or tcp")
	f.String("remote-command", "flashnbd", "command line of this tool on the destination")
	f.Duration("drain-timeout", defaults.DrainTimeout, "longest wait for the source cache to drain")
	f.Duration("source-timeout", defaults.SourceTimeout, "longest wait for the instance to come back (ping-pong)")
	f.Duration("settle-delay", defaults.SettleDelay, "wait between drain and migration")
	f.String("confirm-dest-mapper", defaults.ConfirmDestMapper.String(), "remove an existing destination mapper: prompt, always or never")
	f.String("confirm-teardown", defaults.ConfirmTeardown.String(), "tear down the source after migration: prompt, always or never")
}

// migrateOptions reads the migration settings.
func (a *app) migrateOptions() (flashnbd.MigrateOptions, error) {
	o := flashnbd.DefaultMigrateOptions()

	remote, err := shellquote.Split(a.v.GetString("remote-command"))
	if err != nil {
		return o, errors.Wrap(err, "remote-command")
	}
	if len(remote) == 0 {
		return o, errors.New("remote-command is empty")
	}
	o.RemoteCommand = remote

	o.DrainTimeout = a.v.GetDuration("drain-timeout")
	o.SourceTimeout = a.v.GetDuration("source-timeout")
	o.SettleDelay = a.v.GetDuration("settle-delay")

	if o.ConfirmDestMapper, err = flashnbd.ParseConfirmPolicy(a.v.GetString("confirm-dest-mapper")); err != nil {
		return o, err
	}
	if o.ConfirmTeardown, err = flashnbd.ParseConfirmPolicy(a.v.GetString("confirm-teardown")); err != nil {
		return o, err
	}
	return o, nil
}

// orchestrator prepares a migration away from this host.
func (a *app) orchestrator() (*flashnbd.Orchestrator, error) {
	opts, err := a.migrateOptions()
	if err != nil {
		return nil, err
	}

	timeout := a.v.GetDuration("libvirt-timeout")
	ssh := &runner.SSH{
		User:       a.v.GetString("ssh-user"),
		KeyFile:    a.v.GetString("ssh-key"),
		KnownHosts: a.v.GetString("known-hosts"),
		Timeout:    a.v.GetDuration("ssh-timeout"),
	}
	dial, err := dialRemote(a.v.GetString("libvirt-transport"), timeout, ssh)
	if err != nil {
		return nil, err
	}
	source, err := a.localHypervisor(timeout)
	if err != nil {
		return nil, errors.Wrap(err, "local hypervisor")
	}

	o := a.context.NewOrchestrator(a.manager, source, dial, ssh.On, a.printer)
	o.Options = opts
	return o, nil
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <instance> <dest>",
		Short: "Live migrate a running instance to another host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.instances(args[:1])
			if err != nil {
				return err
			}
			o, err := a.orchestrator()
			if err != nil {
				return err
			}

			session, err := o.Migrate(cmd.Context(), list[0], args[1], false)
			fields := log.Fields{
				"session":  session.ID,
				"instance": session.Instance,
				"dest":     session.Dest,
				"phase":    session.Phase.String(),
				"duration": time.Since(session.Started).String(),
			}
			if err != nil {
				log.WithFields(fields).WithField("error", err).Error("migration failed")
				return err
			}
			log.WithFields(fields).Info("migration done")
			return nil
		},
	}
	migrationFlags(cmd.Flags())
	return cmd
}

func (a *app) pingPongCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pingpong <instance> <peer>",
		Short: "Keep migrating an instance between this host and peer",
		Long: `Keep migrating an instance between this host and peer. Run it on both
hosts, each naming the other as peer. Stops on termination, on device
exhaustion or on a hypervisor failure.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.instances(args[:1])
			if err != nil {
				return err
			}
			o, err := a.orchestrator()
			if err != nil {
				return err
			}

			pp := flashnbd.NewPingPong(o, list[0], args[1])
			pp.Interval = a.v.GetDuration("interval")
			pp.MaxPasses = a.v.GetInt("passes")
			pp.Reload = func() (*flashnbd.Instance, error) {
				return a.context.LoadInstance(a.v.GetString("config-dir"), args[0])
			}
			pp.Pass = func(s *flashnbd.Session, err error) {
				fields := log.Fields{
					"session":  s.ID,
					"instance": s.Instance,
					"dest":     s.Dest,
					"phase":    s.Phase.String(),
				}
				if err != nil {
					log.WithFields(fields).WithField("error", err).Warn("pass failed")
					return
				}
				log.WithFields(fields).Info("pass done")
			}
			return runDaemon(cmd.Context(), pp.Run)
		},
	}
	migrationFlags(cmd.Flags())
	cmd.Flags().Duration("interval", flashnbd.DefaultPingPongInterval, "pause before each pass")
	cmd.Flags().Int("passes", 0, "stop after that many passes, 0 runs forever")
	return cmd
}

// runDaemon runs f under systemd supervision: readiness is reported once f
// started, and the watchdog is kept fed while it runs.
func runDaemon(ctx context.Context, f func(context.Context) error) error {
	var t tomb.Tomb

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "daemon.SdWatchdogEnabled",
		}).Warn("watchdog disabled")
	}
	if interval > 0 {
		t.Go(func() error {
			ticker := time.NewTicker(interval / 2)
			defer ticker.Stop()
			for {
				select {
				case <-t.Dying():
					return nil
				case <-ticker.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	tctx := t.Context(ctx)
	t.Go(func() error {
		err := f(tctx)
		t.Kill(err)
		return err
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"func":  "daemon.SdNotify",
		}).Warn("failed to notify readiness")
	}

	err = t.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
