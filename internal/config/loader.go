package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr  = ":7350"
	DefaultAudioDevice = "native"
	DefaultCodecURL    = "ws://127.0.0.1:7351/codec"
	DefaultSampleRate  = 48000
	DefaultBlockSize   = 4096
	DefaultFFTSize     = 2048
	DefaultSmoothing   = 0.8
	DefaultInputGain   = 2.0
	DefaultOutputGain  = 2.0
	MaxOutputGain      = 2.0
	DefaultVolume      = 100
	DefaultMarker      = 1.5
	DefaultMaxMessages = 200
)

// Environment variables consulted by [ApplyEnv].
const (
	EnvConfigPath = "KLESIS_CONFIG"
	EnvCodecURL   = "KLESIS_CODEC_URL"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"codec": {"remote", "mock"},
	"audio": {"native", "mock"},
}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default and environment override
// applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}

	a := &cfg.Audio
	if a.Device == "" {
		a.Device = DefaultAudioDevice
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.BlockSize == 0 {
		a.BlockSize = DefaultBlockSize
	}
	if a.FFTSize == 0 {
		a.FFTSize = DefaultFFTSize
	}
	if a.Smoothing == 0 {
		a.Smoothing = DefaultSmoothing
	}
	if a.InputGain == 0 {
		a.InputGain = DefaultInputGain
	}
	if a.OutputGain == 0 {
		a.OutputGain = DefaultOutputGain
	}

	c := &cfg.Codec
	if c.Name == "" {
		c.Name = "remote"
	}
	if c.Name == "remote" && c.URL == "" {
		c.URL = DefaultCodecURL
	}
	if c.Volume == 0 {
		c.Volume = DefaultVolume
	}
	if c.SoundMarkerThreshold == 0 {
		c.SoundMarkerThreshold = DefaultMarker
	}

	if cfg.History.MaxMessages == 0 {
		cfg.History.MaxMessages = DefaultMaxMessages
	}
}

// ApplyEnv applies environment overrides.
func ApplyEnv(cfg *Config) {
	if u := os.Getenv(EnvCodecURL); u != "" {
		cfg.Codec.URL = u
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.BlockSize < 256 || a.BlockSize&(a.BlockSize-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be a power of two >= 256", a.BlockSize))
	}
	if a.FFTSize < 32 || a.FFTSize > 32768 || a.FFTSize&(a.FFTSize-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.fft_size %d must be a power of two in [32, 32768]", a.FFTSize))
	}
	if a.Smoothing < 0 || a.Smoothing > 1 {
		errs = append(errs, fmt.Errorf("audio.smoothing %.2f is out of range [0, 1]", a.Smoothing))
	}
	if a.InputGain <= 0 || a.InputGain > 10 {
		errs = append(errs, fmt.Errorf("audio.input_gain %.2f is out of range (0, 10]", a.InputGain))
	}
	if a.OutputGain <= 0 || a.OutputGain > MaxOutputGain {
		errs = append(errs, fmt.Errorf("audio.output_gain %.2f is out of range (0, %.1f]", a.OutputGain, MaxOutputGain))
	}

	// Codec
	validateProviderName("codec", cfg.Codec.Name)
	validateProviderName("audio", a.Device)
	if cfg.Codec.Name == "remote" && cfg.Codec.URL == "" {
		errs = append(errs, fmt.Errorf("codec.url is required when codec.name is remote (or set %s)", EnvCodecURL))
	}
	if cfg.Codec.Volume < 1 || cfg.Codec.Volume > 100 {
		errs = append(errs, fmt.Errorf("codec.volume %d is out of range [1, 100]", cfg.Codec.Volume))
	}
	if cfg.Codec.SoundMarkerThreshold <= 0 {
		errs = append(errs, fmt.Errorf("codec.sound_marker_threshold %.2f must be positive", cfg.Codec.SoundMarkerThreshold))
	}

	// Transceiver
	if cfg.Transceiver.Protocol < 0 || cfg.Transceiver.Protocol > 5 {
		errs = append(errs, fmt.Errorf("transceiver.protocol %d is out of range [0, 5]", cfg.Transceiver.Protocol))
	}
	if !cfg.Codec.UltrasoundRXEnabled() && cfg.Transceiver.Protocol >= 3 {
		slog.Warn("transceiver.protocol is an ultrasound protocol but codec.ultrasound_rx is disabled; peers with the same setting will not decode it",
			"protocol", cfg.Transceiver.Protocol)
	}

	// History
	if cfg.History.MaxMessages < 1 {
		errs = append(errs, fmt.Errorf("history.max_messages %d must be positive", cfg.History.MaxMessages))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
