package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/flashnbd"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// instances resolves the instances a command acts on: the named ones, or
// every instance placed on this host by the config directory or the store.
func (a *app) instances(args []string) ([]*flashnbd.Instance, error) {
	dir := a.v.GetString("config-dir")
	names := args
	explicit := len(args) > 0

	if !explicit {
		seen := map[string]bool{}
		files, err := flashnbd.InstanceNames(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, name := range files {
			seen[name] = true
		}
		stored, err := a.context.Instances(a.host)
		if err != nil {
			return nil, err
		}
		for _, i := range stored {
			seen[i.Name] = true
		}
		for name := range seen {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	var list []*flashnbd.Instance
	for _, name := range names {
		i, err := a.context.LoadInstance(dir, name)
		if err != nil {
			if a.context.IsKeyNotFound(err) {
				err = fmt.Errorf("unknown instance %s", name)
			}
			return nil, err
		}
		if explicit || i.Node == a.host {
			list = append(list, i)
		}
	}
	return list, nil
}

// instanceOp acts on one instance. skip lists errors that are not failures
// when the command runs over every instance of the host.
type instanceOp struct {
	use   string
	short string
	run   func(m *flashnbd.Manager, ctx context.Context, i *flashnbd.Instance) error
	skip  []error
}

func tuning(f func(*flashnbd.Manager, *flashnbd.Instance) error) func(*flashnbd.Manager, context.Context, *flashnbd.Instance) error {
	return func(m *flashnbd.Manager, _ context.Context, i *flashnbd.Instance) error {
		return f(m, i)
	}
}

var instanceOps = []instanceOp{
	{
		use:   "start",
		short: "Attach and cache instances",
		run:   (*flashnbd.Manager).Start,
		skip:  []error{flashnbd.ErrAlreadyRunning, flashnbd.ErrDisabled},
	},
	{
		use:   "stop",
		short: "Detach instances, keeping their cache",
		run:   (*flashnbd.Manager).Stop,
	},
	{
		use:   "remove",
		short: "Flush and detach instances and destroy their cache",
		run:   (*flashnbd.Manager).Remove,
		skip:  []error{flashnbd.ErrNotRunning},
	},
	{
		use:   "sync",
		short: "Flush dirty blocks after the fallow delay",
		run:   tuning((*flashnbd.Manager).Sync),
		skip:  []error{flashnbd.ErrNotRunning},
	},
	{
		use:   "nosync",
		short: "Stop flushing dirty blocks when idle",
		run:   tuning((*flashnbd.Manager).NoSync),
		skip:  []error{flashnbd.ErrNotRunning},
	},
	{
		use:   "cacheon",
		short: "Cache every block",
		run:   tuning((*flashnbd.Manager).CacheOn),
		skip:  []error{flashnbd.ErrNotRunning},
	},
	{
		use:   "cacheoff",
		short: "Stop caching new blocks",
		run:   tuning((*flashnbd.Manager).CacheOff),
		skip:  []error{flashnbd.ErrNotRunning},
	},
	{
		use:   "clearstats",
		short: "Zero the cache statistics",
		run:   tuning((*flashnbd.Manager).ClearStats),
		skip:  []error{flashnbd.ErrNotRunning},
	},
}

func (a *app) lifecycleCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(instanceOps))
	for _, op := range instanceOps {
		op := op
		cmds = append(cmds, &cobra.Command{
			Use:   op.use + " [instance...]",
			Short: op.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.each(cmd.Context(), op, args)
			},
		})
	}
	return cmds
}

// each runs op over the instances selected by args and reports every
// failure.
func (a *app) each(ctx context.Context, op instanceOp, args []string) error {
	list, err := a.instances(args)
	if err != nil {
		return err
	}

	var result error
	for _, i := range list {
		err := op.run(a.manager, ctx, i)
		if err == nil {
			continue
		}
		if len(args) == 0 && skipped(err, op.skip) {
			log.WithFields(log.Fields{
				"instance": i.Name,
				"error":    err,
			}).Info(op.use + " skipped")
			continue
		}
		log.WithFields(log.Fields{
			"instance": i.Name,
			"error":    err,
			"func":     op.use,
		}).Error("instance operation failed")
		result = multierror.Append(result, err)
	}
	return result
}

func skipped(err error, skip []error) bool {
	for _, s := range skip {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

func (a *app) instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage instance definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <name>...",
		Short: "Save instance files to the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.v.GetString("config-dir")
			for _, name := range args {
				i, err := a.context.ImportInstance(dir, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), i)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List instances placed on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.instances(nil)
			if err != nil {
				return err
			}
			for _, i := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", i, a.manager.State(i))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete the store record of a stopped instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := a.context.Instance(args[0])
			if err != nil {
				return err
			}
			if i.Node == a.host && a.manager.Running(i) {
				return flashnbd.ErrAlreadyRunning
			}
			return i.Delete()
		},
	})
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write cluster wide settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := a.context.Config(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.context.SetConfig(args[0], args[1])
		},
	})
	return cmd
}
