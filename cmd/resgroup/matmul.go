package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fxnlabs/resource-group/internal/probe"
	"github.com/fxnlabs/resource-group/internal/resource"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type matmulResult struct {
	Lane     int         `json:"lane"`
	DeviceID int         `json:"deviceId"`
	C        [][]float64 `json:"C"`
}

func matmulCommand(st *cliState) *cli.Command {
	return &cli.Command{
		Name:  "matmul",
		Usage: "Multiply two matrices on one lane of the worker pool",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "lane", Value: 0, Usage: "worker pool lane to run on"},
			&cli.StringFlag{Name: "a", Required: true, Usage: "matrix A as JSON, e.g. [[1,2],[3,4]]"},
			&cli.StringFlag{Name: "b", Required: true, Usage: "matrix B as JSON"},
		},
		Action: func(c *cli.Context) error {
			var a, b [][]float64
			if err := json.Unmarshal([]byte(c.String("a")), &a); err != nil {
				return fmt.Errorf("invalid matrix A: %w", err)
			}
			if err := json.Unmarshal([]byte(c.String("b")), &b); err != nil {
				return fmt.Errorf("invalid matrix B: %w", err)
			}

			var g *resource.Group
			return runApp(c.Context, st, func(context.Context) error {
				lane := c.Int("lane")
				if lane < 0 || lane >= g.Len() {
					return fmt.Errorf("lane %d out of range for %d lanes", lane, g.Len())
				}
				result := matmulResult{Lane: lane, DeviceID: g.Context(lane).DeviceID()}
				err := g.Submit(lane, func(int) error {
					var err error
					result.C, err = probe.Multiply(a, b, st.log)
					return err
				}).Wait()
				if err != nil {
					return err
				}
				st.log.Debug("Multiplication finished", zap.Int("lane", lane))
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}, fx.Populate(&g))
		},
	}
}
