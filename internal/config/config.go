// Package config provides the configuration schema, loader, and provider registry
// for the Klesis acoustic chat client.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the log handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure for Klesis.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Codec       CodecConfig       `yaml:"codec"`
	Transceiver TransceiverConfig `yaml:"transceiver"`
	History     HistoryConfig     `yaml:"history"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP API (e.g., ":7350").
	// Empty disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text (default, colourised on a terminal) or json.
	LogFormat LogFormat `yaml:"log_format"`
}

// AudioConfig selects the sound system and tunes the capture path.
type AudioConfig struct {
	// Device selects the registered audio backend (e.g., "native").
	Device string `yaml:"device"`

	// SampleRate in Hz. The codec engine is bound to this rate; changing it
	// requires a restart.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per decode call.
	BlockSize int `yaml:"block_size"`

	// FFTSize and Smoothing configure the visualiser spectrum.
	FFTSize   int     `yaml:"fft_size"`
	Smoothing float64 `yaml:"smoothing"`

	// InputGain boosts captured samples before decode.
	InputGain float64 `yaml:"input_gain"`

	// OutputGain boosts encoded samples before playback. Values above 2.0
	// clip a noticeable share of samples and are rejected.
	OutputGain float64 `yaml:"output_gain"`

	// CaptureDeviceID and PlaybackDeviceID select specific devices. Empty
	// selects the system default.
	CaptureDeviceID  string `yaml:"capture_device_id"`
	PlaybackDeviceID string `yaml:"playback_device_id"`
}

// ProviderEntry is the common configuration block for a pluggable provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "remote").
	Name string `yaml:"name"`

	// URL is the provider endpoint, if any (e.g., "ws://127.0.0.1:7351/codec").
	URL string `yaml:"url"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// CodecConfig configures the codec engine.
type CodecConfig struct {
	ProviderEntry `yaml:",inline"`

	// Volume is the encode volume in [1, 100].
	Volume int `yaml:"volume"`

	// SoundMarkerThreshold is the detector threshold passed to the engine.
	SoundMarkerThreshold float64 `yaml:"sound_marker_threshold"`

	// UltrasoundRX enables decoding of the ultrasound protocols. Disable it on
	// hardware whose microphone path rolls off above the audible band.
	// Nil means enabled.
	UltrasoundRX *bool `yaml:"ultrasound_rx"`
}

// UltrasoundRXEnabled reports the effective capability flag.
func (c CodecConfig) UltrasoundRXEnabled() bool {
	return c.UltrasoundRX == nil || *c.UltrasoundRX
}

// TransceiverConfig holds transmit defaults.
type TransceiverConfig struct {
	// Protocol is the protocol id selected at startup (0–5).
	Protocol int `yaml:"protocol"`
}

// HistoryConfig configures the message log.
type HistoryConfig struct {
	// Path is the badger directory. Empty keeps history in memory only.
	Path string `yaml:"path"`

	// MaxMessages bounds the log.
	MaxMessages int `yaml:"max_messages"`
}
