// Command cqhcictl drives an emulated CQHCI controller through the command
// queue engine and decodes descriptors and registers.
package main

import (
	"github.com/tebeka/atexit"

	"github.com/sarchlab/cqhci/cqhcictl/cmd"
)

func main() {
	cmd.Execute()
	atexit.Exit(0)
}
