package main

import (
	"context"

	cli "github.com/urfave/cli/v2"
)

const workloadFlagName = "workload"

var simulateCommand = &cli.Command{
	Name:      "simulate",
	Usage:     "replay a TOML workload against a host device",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     workloadFlagName,
			Aliases:  []string{"w"},
			Usage:    "path to the workload file",
			Required: true,
		},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if ctx == nil {
			ctx = context.Background()
		}
		w, err := LoadWorkload(c.String(workloadFlagName))
		if err != nil {
			return err
		}
		logOpt, err := loggerOption(c)
		if err != nil {
			return err
		}
		return w.Run(ctx, c.App.Writer, logOpt)
	},
}
