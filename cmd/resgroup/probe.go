package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fxnlabs/resource-group/internal/probe"
	"github.com/fxnlabs/resource-group/internal/resource"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func probeCommand(st *cliState) *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Run matrix multiplications on every lane and report latency and ordering",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rounds", Value: 100, Usage: "multiplications per lane"},
			&cli.IntFlag{Name: "size", Value: 64, Usage: "dimension of the square matrices"},
			&cli.Uint64Flag{Name: "seed", Value: 1, Usage: "seed of the input matrix"},
		},
		Action: func(c *cli.Context) error {
			var g *resource.Group
			return runApp(c.Context, st, func(ctx context.Context) error {
				results, err := probe.Run(ctx, g, probe.Options{
					Rounds: c.Int("rounds"),
					Size:   c.Int("size"),
					Seed:   c.Uint64("seed"),
				}, st.log)
				if err != nil {
					return err
				}
				return printProbe(c.App.Writer, results)
			}, fx.Populate(&g))
		},
	}
}

func printProbe(w io.Writer, results []probe.LaneResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tDEVICE\tROUNDS\tMEAN\tSTDDEV\tIN ORDER")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.3fms\t%.3fms\t%t\n",
			r.Lane, r.DeviceID, r.Rounds, r.Mean*1e3, r.StdDev*1e3, r.InOrder)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, r := range results {
		if !r.InOrder {
			return fmt.Errorf("lane %d ran its tasks out of order", r.Lane)
		}
	}
	return nil
}
