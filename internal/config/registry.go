package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/klesis/klesis/pkg/audio"
	"github.com/klesis/klesis/pkg/codec"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// CodecFactory constructs a codec engine from its config entry.
type CodecFactory func(ProviderEntry) (codec.Engine, error)

// AudioFactory constructs an audio backend from the audio section.
type AudioFactory func(AudioConfig) (audio.Backend, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	codec map[string]CodecFactory
	audio map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		codec: make(map[string]CodecFactory),
		audio: make(map[string]AudioFactory),
	}
}

// RegisterCodec registers a codec engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCodec(name string, factory CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateCodec instantiates the codec engine named by entry.Name.
// Returns [ErrProviderNotRegistered] if no factory exists for that name.
func (r *Registry) CreateCodec(entry ProviderEntry) (codec.Engine, error) {
	r.mu.RLock()
	f, ok := r.codec[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: codec provider %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// CreateAudio instantiates the audio backend named by cfg.Device.
// Returns [ErrProviderNotRegistered] if no factory exists for that name.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	f, ok := r.audio[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: audio device %q: %w", cfg.Device, ErrProviderNotRegistered)
	}
	return f(cfg)
}

// Names returns the sorted provider names registered for kind ("codec" or
// "audio").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case "codec":
		for n := range r.codec {
			out = append(out, n)
		}
	case "audio":
		for n := range r.audio {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
