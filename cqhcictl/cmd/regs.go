package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cqhci/cqe"
	"github.com/sarchlab/cqhci/dma"
	"github.com/sarchlab/cqhci/emulator"
	"github.com/sarchlab/cqhci/regs"
)

var regsLive bool

var regsCmd = &cobra.Command{
	Use:   "regs",
	Short: "Print the CQHCI register map",
	Long: `Print the CQHCI register map. With --live, an emulated controller ` +
		`is brought up and the values the engine programs are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()

		if !regsLive {
			for _, r := range regs.Named {
				fmt.Fprintf(out, "%-6s 0x%02x\n", r.Name, r.Offset)
			}

			return nil
		}

		lines, err := liveRegisters()
		if err != nil {
			return err
		}

		for _, l := range lines {
			fmt.Fprintln(out, l)
		}

		return nil
	},
}

func init() {
	regsCmd.Flags().BoolVar(&regsLive, "live", false,
		"dump the registers of an enabled emulated controller")
	rootCmd.AddCommand(regsCmd)
}

func liveRegisters() ([]string, error) {
	bus := dma.NewBus(0x1_0000_0000, 0)
	ctrl := emulator.MakeBuilder().WithBus(bus).Build("emmc0")
	defer ctrl.Close()

	e, err := cqe.MakeBuilder().
		WithRegisters(ctrl).
		WithHost(emulator.NewHost(ctrl)).
		WithAllocator(bus).
		Build("cq0")
	if err != nil {
		return nil, err
	}

	ctrl.SetInterruptHandler(e.HandleInterrupt)

	if err := e.Enable(1); err != nil {
		return nil, err
	}

	return e.Registers(), nil
}
