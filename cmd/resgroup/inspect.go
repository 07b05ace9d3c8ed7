package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/resource-group/internal/gpu"
	"github.com/fxnlabs/resource-group/internal/resource"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
)

func inspectCommand(st *cliState) *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Build the resource group, describe every lane and tear it down",
		Action: func(c *cli.Context) error {
			var g *resource.Group
			var drv gpu.Driver
			return runApp(c.Context, st, func(context.Context) error {
				return printInspect(c.App.Writer, g, drv)
			}, fx.Populate(&g, &drv))
		},
	}
}

func printInspect(w io.Writer, g *resource.Group, drv gpu.Driver) error {
	fmt.Fprintln(w, figure.NewFigure("ResGroup", "", true).String())
	fmt.Fprintf(w, "Group:   %s\n", g.ID())
	fmt.Fprintf(w, "Driver:  %s\n", drv.Name())
	fmt.Fprintf(w, "Devices: %d local, %d in job across %d process(es)\n", g.Len(), g.TotalDeviceCount(), g.NodeCount())
	fmt.Fprintln(w, "-----------------------------------------------")

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tDEVICE\tGLOBAL\tNAME\tMEMORY\tCC\tDRIVER")
	for lane, c := range g.Contexts() {
		info, err := drv.DeviceInfo(c.DeviceID())
		if err != nil {
			return fmt.Errorf("device %d: %w", c.DeviceID(), err)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%.1f GiB\t%s\t%s\n",
			lane,
			c.DeviceID(),
			g.GlobalID(c.DeviceID()),
			info.Name,
			float64(info.TotalMemory)/(1<<30),
			info.ComputeCapability,
			info.DriverVersion)
	}
	return tw.Flush()
}
