package main

import (
	"fmt"
	"log/slog"
	"strings"

	cli "github.com/urfave/cli/v2"

	"github.com/hupe1980/gpuheap"
)

const logLevelFlagName = "log-level"

var appCommands = []*cli.Command{
	sizingCommand,
	inspectCommand,
	simulateCommand,
}

func app() *cli.App {
	return &cli.App{
		Name:           "gpuheapctl",
		Usage:          "size GPU buffer heaps and replay allocation workloads",
		Commands:       appCommands,
		ExitErrHandler: errHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  logLevelFlagName,
				Usage: "log level (debug, info, warn, error); logging is off when empty",
			},
		},
	}
}

func errHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	n := c.App.Name
	if c.Command != nil {
		if nn := c.Command.FullName(); nn != "" {
			n += " " + nn
		}
	}
	cli.HandleExitCoder(cli.Exit(fmt.Errorf("%s: %w", n, err), 1))
}

// loggerOption maps the global log level flag to a gpuheap option.
func loggerOption(c *cli.Context) (gpuheap.Option, error) {
	s := c.String(logLevelFlagName)
	if s == "" {
		return gpuheap.WithLogger(gpuheap.NoopLogger()), nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return gpuheap.WithLogger(gpuheap.NewTextLogger(level)), nil
}

func formatWords(words []uint64) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = fmt.Sprintf("%016x", w)
	}
	return strings.Join(parts, " ")
}
