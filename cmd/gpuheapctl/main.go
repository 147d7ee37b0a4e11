// gpuheapctl sizes heaps and replays allocation workloads against a host
// device.
package main

import (
	"os"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		os.Exit(1)
	}
}
