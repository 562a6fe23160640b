// vsockctl is a host-side tool for the vsock driver: it decodes packet dumps
// and replays connection scenarios against a simulated host.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	opFmt   = color.New(color.FgCyan, color.Bold).SprintFunc()
	okFmt   = color.New(color.FgGreen).SprintFunc()
	infoFmt = color.New(color.FgYellow).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
)

var noColor bool

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vsockctl",
		Short: "Inspect and exercise virtio-vsock traffic",
		Long: `vsockctl decodes virtio-vsock packets and replays connection
scenarios between the guest driver and a simulated host.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.AddCommand(newDecodeCmd(), newReplayCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
