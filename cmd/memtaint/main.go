// Package main implements the memtaint CLI tool.
//
// The tool drives the uninitialized-memory tracker over recorded
// scenarios: YAML files describing a sequence of allocator and memory
// events against a simulated address space. It exists for exploring the
// tracker's behavior and for reproducing report chains outside a host
// program.
//
// Usage:
//
//	memtaint replay scenario.yaml ...   # Replay scenarios, print reports
//	memtaint layout check layout.yaml   # Validate a layout file
//	memtaint version                    # Print version information
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/memtaint/internal/taint/layout"
	"github.com/kolkov/memtaint/taint"
)

func main() {
	root := &cobra.Command{
		Use:           "memtaint",
		Short:         "Byte-granularity uninitialized-memory tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReplayCmd(), newLayoutCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "memtaint: %v\n", err)
		os.Exit(1)
	}
}

func newLayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Address-space layout utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a layout file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lay, err := layout.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"ok: linear [%#x, %#x), dynamic [%#x, %#x), scratch %d bytes at %#x\n",
				lay.LinearStart, lay.LinearEnd,
				lay.DynamicStart, lay.DynamicEnd,
				lay.ScratchSize, lay.ScratchBase)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := taint.GetInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "memtaint version %s (%s)\n", info.Version, info.Model)
		},
	}
}
