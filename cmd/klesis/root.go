package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/klesis/klesis/internal/config"
	"github.com/klesis/klesis/internal/observe"
)

const defaultConfigPath = "klesis.yaml"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "klesis",
		Short: "Text chat over sound",
		Long: `Klesis sends short text messages between nearby machines as audible or
ultrasonic tones, and decodes messages it hears on the microphone.

Transmission is half-duplex: the microphone is muted while this machine is
playing so it never decodes its own signal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := os.Getenv(config.EnvConfigPath)
	if defaultPath == "" {
		defaultPath = defaultConfigPath
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultPath, "path to the YAML configuration file (env "+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(g),
		newSendCmd(g),
		newDevicesCmd(g),
		newProtocolsCmd(),
	)
	return root
}

// loadConfig reads the config file. A missing file at the default path is
// not an error: the built-in defaults are used instead.
func (g *globalFlags) loadConfig() (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(g.configPath)
	switch {
	case err == nil:
		fromFile = true
	case errors.Is(err, fs.ErrNotExist) && g.configPath == defaultConfigPath:
		cfg, err = config.Default(), nil
	default:
		return nil, false, err
	}
	if g.logLevel != "" {
		lvl := config.LogLevel(g.logLevel)
		if !lvl.IsValid() {
			return nil, false, fmt.Errorf("--log-level %q is invalid", g.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}
	return cfg, fromFile, nil
}

// setupLogger installs the process logger and returns it with the level
// variable that config reloads adjust.
func setupLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(observe.ParseLevel(string(cfg.Server.LogLevel)))
	logger := observe.NewLogger(os.Stderr, level, string(cfg.Server.LogFormat))
	slog.SetDefault(logger)
	return logger, level
}
