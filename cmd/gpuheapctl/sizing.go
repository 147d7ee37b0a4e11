package main

import (
	"fmt"

	cli "github.com/urfave/cli/v2"

	"github.com/hupe1980/gpuheap"
)

const (
	strategyFlagName = "strategy"
	bytesFlagName    = "bytes"
)

var strategyFlag = &cli.StringFlag{
	Name:  strategyFlagName,
	Usage: "allocation strategy: compact, bulk-dynamic or bulk-static",
	Value: gpuheap.Compact.String(),
}

var bytesFlag = &cli.Uint64Flag{
	Name:     bytesFlagName,
	Usage:    "requested heap size in bytes",
	Required: true,
}

var sizingCommand = &cli.Command{
	Name:  "sizing",
	Usage: "print the arena size and bitmap geometry of a heap",
	Flags: []cli.Flag{strategyFlag, bytesFlag},
	Action: func(c *cli.Context) error {
		s, err := gpuheap.ParseStrategy(c.String(strategyFlagName))
		if err != nil {
			return err
		}
		requested := c.Uint64(bytesFlagName)
		heapBytes, err := gpuheap.HeapBytes(requested, s.PageSize())
		if err != nil {
			return err
		}
		pages := heapBytes / s.PageSize()

		w := c.App.Writer
		fmt.Fprintf(w, "strategy:   %s\n", s)
		fmt.Fprintf(w, "residency:  %s\n", s.Residency())
		fmt.Fprintf(w, "requested:  %d\n", requested)
		fmt.Fprintf(w, "heap bytes: %d\n", heapBytes)
		fmt.Fprintf(w, "page size:  %d\n", s.PageSize())
		fmt.Fprintf(w, "pages:      %d\n", pages)
		fmt.Fprintf(w, "words:      %d\n", (pages+63)/64)
		return nil
	},
}
