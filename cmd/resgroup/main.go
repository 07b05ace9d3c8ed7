package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/resource-group/internal/config"
	"github.com/fxnlabs/resource-group/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// cliState is filled in by the app's Before hook and read by the commands.
type cliState struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func newCLIApp() (*cli.App, *cliState) {
	st := &cliState{}
	app := &cli.App{
		Name:  "resgroup",
		Usage: "Build and exercise the per-device resources of a data-parallel job",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       config.DefaultConfigPath,
				Usage:       "Load configuration from `FILE`",
				EnvVars:     []string{"RESGROUP_CONFIG"},
				Destination: &st.configPath,
			},
		},
		Before: func(c *cli.Context) error {
			// init writes the configuration, so there is nothing to load yet.
			if c.Args().First() == "init" {
				return nil
			}
			cfg, err := config.LoadConfig(st.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config %s: %w", st.configPath, err)
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			st.cfg = cfg
			st.log = zapLogger.Named("cli")
			return nil
		},
		Commands: []*cli.Command{
			initCommand(st),
			inspectCommand(st),
			probeCommand(st),
			matmulCommand(st),
			serveCommand(st),
		},
	}
	return app, st
}

func main() {
	app, st := newCLIApp()
	if err := app.Run(os.Args); err != nil {
		if st.log != nil {
			st.log.Fatal("failed to run app", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
