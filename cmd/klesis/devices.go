package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/klesis/klesis/internal/config"
	"github.com/klesis/klesis/pkg/audio"
)

func newDevicesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, _ := setupLogger(cfg)
			reg := config.NewRegistry()
			registerBuiltinProviders(reg, logger)
			backend, err := reg.CreateAudio(cfg.Audio)
			if err != nil {
				return err
			}
			defer backend.Close()

			devs, err := backend.Devices()
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devs)
		},
	}
}

func printDevices(out io.Writer, devs audio.Devices) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tDEFAULT\tID\tNAME")
	row := func(dir string, d audio.Info) {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", dir, def, d.ID, d.Name)
	}
	for _, d := range devs.Capture {
		row("capture", d)
	}
	for _, d := range devs.Playback {
		row("playback", d)
	}
	return tw.Flush()
}
