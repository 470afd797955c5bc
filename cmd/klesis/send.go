package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/klesis/klesis/internal/app"
	"github.com/klesis/klesis/internal/config"
	"github.com/klesis/klesis/pkg/codec"
)

func newSendCmd(g *globalFlags) *cobra.Command {
	var protocol int
	cmd := &cobra.Command{
		Use:   "send TEXT",
		Short: "Transmit a single message and exit",
		Example: `  klesis send "hello"
  klesis send --protocol 3 "quiet hello"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := -1
			if cmd.Flags().Changed("protocol") {
				p = protocol
			}
			return runSend(cmd.Context(), g, cmd.OutOrStdout(), args[0], p)
		},
	}
	cmd.Flags().IntVarP(&protocol, "protocol", "p", 0, "protocol id 0-5 (default: transceiver.protocol)")
	return cmd
}

// runSend transmits text once. The capture loop is never started, so there
// is nothing to decode our own signal. protocol < 0 keeps the configured one.
func runSend(ctx context.Context, g *globalFlags, out io.Writer, text string, protocol int) error {
	if err := codec.ValidatePayload(text); err != nil {
		return err
	}
	if protocol >= 0 && !codec.ProtocolID(protocol).Valid() {
		return fmt.Errorf("--protocol %d is out of range [0, %d]", protocol, codec.NumProtocols-1)
	}

	cfg, _, err := g.loadConfig()
	if err != nil {
		return err
	}
	if protocol >= 0 {
		cfg.Transceiver.Protocol = protocol
	}
	// One-shot sends keep history in memory and serve nothing.
	cfg.History.Path = ""
	cfg.Server.ListenAddr = ""
	logger, _ := setupLogger(cfg)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}
	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger))
	if err != nil {
		_ = providers.Audio.Close()
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()

	receipt, err := application.Chat().Send(ctx, text)
	if err != nil {
		return err
	}
	p := application.Transceiver().Selector().Current()
	fmt.Fprintf(out, "sending on %s (~%.1fs)\n", p.Label, receipt.Estimate.Seconds())

	// An accepted transmission runs to completion even if ctx is cancelled.
	if err := <-receipt.Done; err != nil {
		return err
	}
	fmt.Fprintln(out, "sent")
	return nil
}
