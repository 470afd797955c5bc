package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/klesis/klesis/pkg/codec"
)

func newProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "Print the protocol table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printProtocols(cmd.OutOrStdout())
		},
	}
}

func printProtocols(out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tLABEL\tBAND")
	for _, p := range codec.Protocols() {
		band := "ultrasound"
		if p.Audible {
			band = "audible"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.Label, band)
	}
	return tw.Flush()
}
