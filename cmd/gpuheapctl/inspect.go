package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	cli "github.com/urfave/cli/v2"

	"github.com/hupe1980/gpuheap"
	"github.com/hupe1980/gpuheap/device"
)

const (
	allocFlagName = "alloc"
	freeFlagName  = "free"
)

var inspectCommand = &cli.Command{
	Name:  "inspect",
	Usage: "allocate and free on a fresh heap, printing the bitmap words after each step",
	Description: `Allocations are given as SIZExREPLICAS, e.g. --alloc 60x3. After all
allocations, --free releases allocations by their zero-based position.`,
	Flags: []cli.Flag{
		strategyFlag,
		bytesFlag,
		&cli.StringSliceFlag{
			Name:  allocFlagName,
			Usage: "allocation as SIZExREPLICAS (repeatable)",
		},
		&cli.IntSliceFlag{
			Name:  freeFlagName,
			Usage: "position of an allocation to free (repeatable)",
		},
	},
	Action: func(c *cli.Context) error {
		ctx := c.Context
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := gpuheap.ParseStrategy(c.String(strategyFlagName))
		if err != nil {
			return err
		}
		logOpt, err := loggerOption(c)
		if err != nil {
			return err
		}

		dev := device.NewHostDevice(device.HostConfig{})
		heap, err := gpuheap.NewHeapAllocator(ctx, dev, s, c.Uint64(bytesFlagName), logOpt)
		if err != nil {
			return err
		}
		defer heap.Close(ctx)

		w := c.App.Writer
		fmt.Fprintf(w, "%-24s %s\n", "init", formatWords(heap.Words()))

		var handles []*gpuheap.ResourceHandle
		for _, arg := range c.StringSlice(allocFlagName) {
			size, replicas, err := parseAllocArg(arg)
			if err != nil {
				return err
			}
			handle, err := heap.Allocate(size, replicas)
			switch {
			case errors.Is(err, gpuheap.ErrOutOfSpace):
				fmt.Fprintf(w, "%-24s out of space\n", "alloc "+arg)
				handles = append(handles, nil)
				continue
			case err != nil:
				return err
			}
			handles = append(handles, handle)
			label := fmt.Sprintf("alloc %s @%d", arg, handle.StartPage())
			fmt.Fprintf(w, "%-24s %s\n", label, formatWords(heap.Words()))
		}

		for _, i := range c.IntSlice(freeFlagName) {
			if i < 0 || i >= len(handles) || handles[i] == nil {
				return fmt.Errorf("no allocation at position %d", i)
			}
			if err := heap.Free(handles[i]); err != nil {
				return err
			}
			fmt.Fprintf(w, "%-24s %s\n", "free "+strconv.Itoa(i), formatWords(heap.Words()))
		}
		return nil
	},
}

// parseAllocArg parses SIZE or SIZExREPLICAS.
func parseAllocArg(arg string) (uint64, uint32, error) {
	sizeStr, repStr, found := strings.Cut(strings.ToLower(arg), "x")
	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid allocation %q: %w", arg, err)
	}
	if !found {
		return size, 1, nil
	}
	rep, err := strconv.ParseUint(repStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid allocation %q: %w", arg, err)
	}
	return size, uint32(rep), nil
}
