package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/klesis/klesis/internal/app"
	"github.com/klesis/klesis/internal/chat"
	"github.com/klesis/klesis/internal/config"
	"github.com/klesis/klesis/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(g *globalFlags) *cobra.Command {
	var noStdin bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Listen for messages and serve the chat API",
		Long: `Start the microphone capture loop and the HTTP API. Each line typed on
stdin is sent as a message; decoded messages are printed as they arrive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, cmd.InOrStdin(), cmd.OutOrStdout(), !noStdin)
		},
	}
	cmd.Flags().BoolVar(&noStdin, "no-stdin", false, "do not read messages from stdin")
	return cmd
}

func runServe(ctx context.Context, g *globalFlags, in io.Reader, out io.Writer, readStdin bool) error {
	cfg, fromFile, err := g.loadConfig()
	if err != nil {
		return err
	}
	logger, level := setupLogger(cfg)
	logger.Info("klesis starting",
		"config", g.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"codec", cfg.Codec.Name,
		"audio", cfg.Audio.Device)

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "klesis"})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevel(level),
		app.WithMetricsHandler(promhttp.Handler()),
	)
	if err != nil {
		_ = providers.Audio.Close()
		return err
	}

	if fromFile {
		w, err := config.NewWatcher(g.configPath, application.Reload, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	events, unsubscribe := application.Chat().Hub().Subscribe()
	defer unsubscribe()
	go printEvents(out, events)

	if readStdin {
		go readLines(ctx, in, out, application.Chat())
	}

	fmt.Fprintf(out, "listening on %s (Ctrl+C to quit)\n", application.Transceiver().Selector().Current().Label)
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// readLines sends each non-empty stdin line.
func readLines(ctx context.Context, in io.Reader, out io.Writer, svc *chat.Service) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		receipt, err := svc.Send(ctx, text)
		switch {
		case chat.IsBusy(err):
			fmt.Fprintln(out, "! still transmitting, try again")
		case err != nil:
			fmt.Fprintf(out, "! %v\n", err)
		default:
			fmt.Fprintf(out, "> %s (~%.1fs)\n", receipt.Message.Text, receipt.Estimate.Seconds())
		}
	}
}

func printEvents(out io.Writer, events <-chan chat.Event) {
	for ev := range events {
		switch ev.Type {
		case chat.EventMessageReceived:
			if ev.Message != nil {
				fmt.Fprintf(out, "< %s  %s\n", ev.Message.At.Local().Format(time.TimeOnly), ev.Message.Text)
			}
		case chat.EventTransmitError, chat.EventCaptureError:
			fmt.Fprintf(out, "! %s: %s\n", ev.Kind, ev.Error)
		}
	}
}
