package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/klesis/klesis/internal/app"
	"github.com/klesis/klesis/internal/config"
	"github.com/klesis/klesis/internal/resilience"
	"github.com/klesis/klesis/pkg/audio"
	audiomock "github.com/klesis/klesis/pkg/audio/mock"
	"github.com/klesis/klesis/pkg/audio/native"
	"github.com/klesis/klesis/pkg/codec"
	codecmock "github.com/klesis/klesis/pkg/codec/mock"
	"github.com/klesis/klesis/pkg/codec/remote"
)

// registerBuiltinProviders wires the codec engines and audio backends that
// ship with Klesis into reg.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	// ── Codec ─────────────────────────────────────────────────────────────────

	reg.RegisterCodec("remote", func(entry config.ProviderEntry) (codec.Engine, error) {
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "codec-remote",
			MaxFailures:  optInt(entry.Options, "max_failures"),
			ResetTimeout: optDuration(entry.Options, "reset_timeout"),
			Logger:       logger,
		})
		opts := []remote.Option{
			remote.WithBreaker(cb),
			remote.WithLogger(logger.With("component", "codec-remote")),
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, remote.WithTimeout(d))
		}
		primary, err := remote.New(entry.URL, opts...)
		if err != nil {
			return nil, err
		}
		fallbacks := optStrings(entry.Options, "fallback_urls")
		if len(fallbacks) == 0 {
			return primary, nil
		}

		// The primary keeps its own breaker for per-call guarding; the group
		// only decides which sidecar the session connects to.
		group := resilience.NewCodecFallback(primary, entry.URL, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1},
			Logger:         logger,
		})
		for _, u := range fallbacks {
			eng, err := remote.New(u, opts[1:]...)
			if err != nil {
				return nil, fmt.Errorf("fallback %q: %w", u, err)
			}
			group.AddFallback(u, eng)
		}
		return group, nil
	})

	// The echo codec lets two instances talk without a sidecar. It is only
	// understood by other klesis processes using it.
	reg.RegisterCodec("mock", func(config.ProviderEntry) (codec.Engine, error) {
		return &codecmock.Engine{}, nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("native", func(a config.AudioConfig) (audio.Backend, error) {
		return native.New(a.SampleRate,
			native.WithLogger(logger.With("component", "audio")),
			native.WithPlaybackDevice(a.PlaybackDeviceID))
	})

	// A silent backend: capture delivers nothing and playback completes
	// immediately.
	reg.RegisterAudio("mock", func(config.AudioConfig) (audio.Backend, error) {
		b := audiomock.NewBackend()
		b.AutoFinish = true
		return b, nil
	})

	for _, kind := range []string{"codec", "audio"} {
		for _, name := range reg.Names(kind) {
			logger.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the codec engine and audio backend named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	eng, err := reg.CreateCodec(cfg.Codec.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create codec %q: %w", cfg.Codec.Name, err)
	}
	backend, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio device %q: %w", cfg.Audio.Device, err)
	}
	slog.Info("providers created", "codec", cfg.Codec.Name, "audio", cfg.Audio.Device)
	return &app.Providers{Codec: eng, Audio: backend}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optStrings extracts a list of strings. YAML decodes sequences as []any.
func optStrings(opts map[string]any, key string) []string {
	raw, _ := opts[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// optDuration extracts a duration written as a Go duration string ("3s").
func optDuration(opts map[string]any, key string) time.Duration {
	s, ok := opts[key].(string)
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
