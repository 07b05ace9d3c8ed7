package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func serveCommand(st *cliState) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Hold the resource group open and serve metrics until interrupted",
		Action: func(c *cli.Context) error {
			return runApp(c.Context, st, func(ctx context.Context) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				<-ctx.Done()
				st.log.Info("Shutting down", zap.Error(context.Cause(ctx)))
				return nil
			}, fx.Invoke(registerMetricsServer))
		},
	}
}
