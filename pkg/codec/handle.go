package codec

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Handle is an opened codec instance with the payload contract enforced.
// All methods are safe for concurrent use; calls into the instance are
// serialised.
type Handle struct {
	sampleRate int
	logger     *slog.Logger

	mu     sync.Mutex
	inst   Instance
	closed bool
}

// HandleOption configures a [Handle] during [Open].
type HandleOption func(*Handle)

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(l *slog.Logger) HandleOption {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// Open initialises an instance of engine bound to cfg.SampleRate and applies
// the receive-protocol capability set. Every failure is reported as a wrapped
// [ErrEngineInit].
func Open(ctx context.Context, engine Engine, cfg Config, opts ...HandleOption) (*Handle, error) {
	h := &Handle{
		sampleRate: cfg.SampleRate,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}

	if engine == nil {
		return nil, fmt.Errorf("%w: no engine configured", ErrEngineInit)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d must be positive", ErrEngineInit, cfg.SampleRate)
	}

	inst, err := engine.NewInstance(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: engine returned no instance", ErrEngineInit)
	}

	for _, p := range protocols {
		enabled := !slices.Contains(cfg.DisabledRX, p.ID)
		if err := inst.SetRX(p.ID, enabled); err != nil {
			_ = inst.Close()
			return nil, fmt.Errorf("%w: toggle rx %s: %w", ErrEngineInit, p.ID, err)
		}
	}
	if len(cfg.DisabledRX) > 0 {
		h.logger.Info("codec: receive protocols disabled", "protocols", cfg.DisabledRX)
	}

	h.inst = inst
	h.logger.Info("codec: engine ready", "sample_rate", cfg.SampleRate)
	return h, nil
}

// SampleRate returns the rate the underlying instance is bound to.
func (h *Handle) SampleRate() int {
	return h.sampleRate
}

// Encode validates text and returns the engine's samples for it.
func (h *Handle) Encode(text string, protocol ProtocolID, volume int) ([]float32, error) {
	if err := ValidatePayload(text); err != nil {
		return nil, err
	}
	if !protocol.Valid() {
		return nil, fmt.Errorf("%w: unknown protocol %d", ErrInvalidInput, int(protocol))
	}
	if volume < 0 || volume > 100 {
		return nil, fmt.Errorf("%w: volume %d out of range [0, 100]", ErrInvalidInput, volume)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrUseAfterDispose
	}

	samples, err := h.inst.Encode(text, protocol, volume)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: engine returned no samples", ErrEncode)
	}
	return samples, nil
}

// Decode feeds pcm to the decoder. It returns the decoded text and true when a
// payload was recognised. The only error is [ErrUseAfterDispose].
func (h *Handle) Decode(pcm []byte) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", false, ErrUseAfterDispose
	}

	text, ok := h.inst.Decode(pcm)
	if !ok || text == "" {
		return "", false, nil
	}
	return text, true, nil
}

// Close releases the instance. Subsequent calls are no-ops and return nil.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.inst.Close()
}

// Ready reports whether the handle can still encode and decode.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}
