package main

import (
	"fmt"
	"os"

	"github.com/fxnlabs/resource-group/fixtures"
	"github.com/urfave/cli/v2"
)

func initCommand(st *cliState) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a configuration template to the --config path",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(c *cli.Context) error {
			path := st.configPath
			if !c.Bool("force") {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite it", path)
				}
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0644); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Wrote configuration template to %s\n", path)
			return nil
		},
	}
}
