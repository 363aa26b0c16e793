package cmd

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cqhci/desc"
	"github.com/sarchlab/cqhci/irq"
)

var (
	decodeDMA32  bool
	decodeDirect bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode descriptors and interrupt registers",
}

var decodeTaskCmd = &cobra.Command{
	Use:   "task <word> [upper]",
	Short: "Decode a task descriptor given as one or two 64-bit words",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b := make([]byte, 8*len(args))
		for i, a := range args {
			w, err := parseWord(a, 64)
			if err != nil {
				return err
			}

			binary.LittleEndian.PutUint64(b[8*i:], w)
		}

		printTask(cmd.OutOrStdout(), desc.DecodeTask(b), len(args) == 2, decodeDirect)

		return nil
	},
}

var decodeTransferCmd = &cobra.Command{
	Use:   "transfer <attr> <addr>",
	Short: "Decode a transfer or link descriptor",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		attr, err := parseWord(args[0], 32)
		if err != nil {
			return err
		}

		addr, err := parseWord(args[1], 64)
		if err != nil {
			return err
		}

		b := make([]byte, 12)
		binary.LittleEndian.PutUint32(b, uint32(attr))
		binary.LittleEndian.PutUint64(b[4:], addr)

		t := desc.DecodeTransfer(b, !decodeDMA32)

		kind := "transfer"
		if t.Act == desc.ActLink {
			kind = "link"
		}

		fmt.Fprintf(cmd.OutOrStdout(),
			"%s: valid=%t end=%t len=%d addr=%#x\n",
			kind, t.Valid, t.End, t.Len, t.Addr)

		return nil
	},
}

var decodeIRQCmd = &cobra.Command{
	Use:   "irq <status> [terri]",
	Short: "Decode an interrupt status and the task error information",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := parseWord(args[0], 32)
		if err != nil {
			return err
		}

		var terri uint64
		if len(args) == 2 {
			terri, err = parseWord(args[1], 32)
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "status: %s\n", irq.Decode(uint32(status)))

		for _, e := range irq.Classify(uint32(status), uint32(terri)) {
			if e.Kind.IsError() {
				fmt.Fprintf(out, "  %s: %s\n", e.Kind, e.TaskError)
				continue
			}

			fmt.Fprintf(out, "  %s\n", e.Kind)
		}

		return nil
	},
}

func init() {
	decodeTaskCmd.Flags().BoolVar(&decodeDirect, "direct", false,
		"the descriptor is a direct command")
	decodeTransferCmd.Flags().BoolVar(&decodeDMA32, "dma32", false,
		"the address is a 32-bit address")

	decodeCmd.AddCommand(decodeTaskCmd, decodeTransferCmd, decodeIRQCmd)
	rootCmd.AddCommand(decodeCmd)
}

func parseWord(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}

	return v, nil
}

func printTask(w io.Writer, t desc.TaskDescriptor, wide, direct bool) {
	fmt.Fprintf(w, "valid=%t end=%t int=%t act=%d\n", t.Valid, t.End, t.Interrupt, t.Act)

	if direct {
		fmt.Fprintf(w, "direct: CMD%d timing=%d resp=%d", t.CmdIndex, t.CmdTiming, t.RespType)
		if wide {
			fmt.Fprintf(w, " arg=%#08x", uint32(t.Upper))
		}
		fmt.Fprintln(w)

		return
	}

	dir := "write"
	if t.Dir == desc.DirRead {
		dir = "read"
	}

	fmt.Fprintf(w, "data: %s %d blocks at %d context=%d\n",
		dir, t.BlockCount, t.BlockAddr, t.Context)
	fmt.Fprintf(w, "flags: forced_prog=%t data_tag=%t priority=%t qbar=%t reliable_write=%t\n",
		t.ForcedProg, t.DataTag, t.Priority, t.QBAR, t.ReliableWrite)

	if wide && desc.CryptoEnable.Get(t.Upper) == 1 {
		fmt.Fprintf(w, "crypto: slot=%d dun=%d\n",
			desc.CryptoConfigIndex.Get(t.Upper), desc.DataUnitNum.Get(t.Upper))
	}
}
