package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/mistifyio/flashnbd"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (a *app) statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [instance...]",
		Short: "Show the cache state of running instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.instances(args)
			if err != nil {
				return err
			}

			var stats []*flashnbd.InstanceStats
			for _, i := range list {
				s, err := a.manager.Stats(cmd.Context(), i)
				if err != nil {
					if len(args) == 0 && errors.Is(err, flashnbd.ErrNotRunning) {
						continue
					}
					log.WithFields(log.Fields{
						"instance": i.Name,
						"error":    err,
						"func":     "Manager.Stats",
					}).Error("failed to read cache state")
					return err
				}
				stats = append(stats, s)
			}

			if a.v.GetBool("json") {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
			}
			return printStats(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().Bool("json", false, "print json")
	return cmd
}

func printStats(w io.Writer, stats []*flashnbd.InstanceStats) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDEVICE\tSSD\tMODE\tCACHED\tDIRTY\tREADS\tWRITES\tATTACHED")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d (%d%%)\t%d (%d%%)\t%d\t%d\t%t\n",
			s.Name,
			s.Device,
			s.SSDPath,
			s.Status.Mode,
			s.Status.CachedBlocks, s.Status.CachedPercent,
			s.Status.DirtyBlocks, s.Status.DirtyPercent,
			s.Counters["reads"],
			s.Counters["writes"],
			s.Attached,
		)
	}
	return tw.Flush()
}
