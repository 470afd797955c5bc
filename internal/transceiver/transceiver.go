// Package transceiver coordinates half-duplex acoustic messaging: one capture
// loop that continuously decodes the microphone, and at most one outbound
// transmission at a time that mutes the decoder around its playback.
//
// [Transceiver] owns all mutable coordinator state (the transmission slot,
// the encode cache, the selected protocol). Time and devices are injected so
// the settle delays and device behaviour can be driven from tests.
//
// Transmission sequence:
//
//	Idle → Muting → Settling(pre) → Playing → Draining → Settling(post) → Idle
//
// Any failure after the slot is claimed unmutes the capture loop and releases
// the slot before the error is returned.
package transceiver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/klesis/klesis/internal/observe"
	"github.com/klesis/klesis/pkg/audio"
	"github.com/klesis/klesis/pkg/audio/analyser"
	"github.com/klesis/klesis/pkg/codec"
)

// Tuned constants.
const (
	DefaultBlockSize  = 4096
	DefaultFFTSize    = 2048
	DefaultSmoothing  = 0.8
	DefaultInputGain  = 2.0
	DefaultOutputGain = 2.0

	// MaxOutputGain is the loudest output boost that keeps clipping
	// negligible. At 1.5× this value roughly 14% of samples clip.
	MaxOutputGain = 2.0

	// PreSettle lets blocks latched before the mute drain out of the
	// capture path before playback starts.
	PreSettle = 100 * time.Millisecond

	// PostSettle lets room echo of the transmission decay before the decoder
	// output is trusted again. It must exceed PreSettle.
	PostSettle = 500 * time.Millisecond
)

// Phase is a step of the transmission sequence.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseMuting
	PhaseSettlingPre
	PhasePlaying
	PhaseDraining
	PhaseSettlingPost
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMuting:
		return "muting"
	case PhaseSettlingPre:
		return "settling_pre"
	case PhasePlaying:
		return "playing"
	case PhaseDraining:
		return "draining"
	case PhaseSettlingPost:
		return "settling_post"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Config configures a [Transceiver].
type Config struct {
	// BlockSize is the capture block length. Default: 4096.
	BlockSize int

	// FFTSize and Smoothing configure the visualiser spectrum.
	// Defaults: 2048 and 0.8.
	FFTSize   int
	Smoothing float64

	// InputGain is applied to captured blocks. Default: 2.0.
	InputGain float64

	// OutputGain is applied to a copy of the encoded samples before playback.
	// Must be in (0, MaxOutputGain]. Default: 2.0.
	OutputGain float64

	// CaptureDeviceID selects the input device.
	CaptureDeviceID string

	// Protocol and Volume seed the selector.
	Protocol codec.ProtocolID
	Volume   int
}

// Option is a functional option for [New].
type Option func(*Transceiver)

// WithClock sets the clock used for the settle delays.
func WithClock(c clockwork.Clock) Option {
	return func(t *Transceiver) { t.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transceiver) { t.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transceiver) { t.logger = l }
}

// Report describes a completed transmission.
type Report struct {
	Protocol codec.Protocol
	Samples  int
	Duration time.Duration
	Clipped  int
	CacheHit bool
}

// Transceiver is the coordinator context. All methods are safe for concurrent
// use.
type Transceiver struct {
	codec      *codec.Handle
	playback   audio.PlaybackDevice
	capture    *CaptureLoop
	selector   *Selector
	cache      EncodeCache
	outputGain float64

	clock   clockwork.Clock
	metrics *observe.Metrics
	logger  *slog.Logger

	transmitting atomic.Bool
	phase        atomic.Int32
	lastReceived atomic.Int64
}

// New builds a Transceiver over an opened codec handle and the two audio
// devices. The capture loop is created stopped; call [Transceiver.Start].
func New(h *codec.Handle, capture audio.CaptureDevice, playback audio.PlaybackDevice, cfg Config, opts ...Option) (*Transceiver, error) {
	if h == nil || capture == nil || playback == nil {
		return nil, fmt.Errorf("transceiver: codec, capture and playback are required")
	}
	if cfg.OutputGain == 0 {
		cfg.OutputGain = DefaultOutputGain
	}
	if cfg.OutputGain < 0 || cfg.OutputGain > MaxOutputGain {
		return nil, fmt.Errorf("transceiver: output gain %v must be in (0, %v]", cfg.OutputGain, MaxOutputGain)
	}
	if cfg.FFTSize == 0 {
		cfg.FFTSize = DefaultFFTSize
	}
	if cfg.Smoothing == 0 {
		cfg.Smoothing = DefaultSmoothing
	}

	t := &Transceiver{
		codec:      h,
		playback:   playback,
		outputGain: cfg.OutputGain,
		clock:      clockwork.NewRealClock(),
		metrics:    observe.DefaultMetrics(),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}

	an, err := analyser.New(cfg.FFTSize, cfg.Smoothing)
	if err != nil {
		return nil, fmt.Errorf("transceiver: %w", err)
	}
	t.selector = NewSelector(cfg.Protocol, cfg.Volume, t.logger)
	t.capture = NewCaptureLoop(capture, h, an, CaptureConfig{
		SampleRate: h.SampleRate(),
		BlockSize:  cfg.BlockSize,
		InputGain:  cfg.InputGain,
		DeviceID:   cfg.CaptureDeviceID,
	}, t.metrics, t.logger.With("component", "capture"))
	return t, nil
}

// Start begins listening. onMessage receives every decoded message that
// arrives while not muted.
func (t *Transceiver) Start(ctx context.Context, onMessage func(text string)) error {
	return t.capture.Start(ctx, func(text string) {
		t.lastReceived.Store(t.clock.Now().UnixNano())
		if onMessage != nil {
			onMessage(text)
		}
	})
}

// Stop stops listening. The codec handle and devices are owned by the caller.
func (t *Transceiver) Stop() error {
	return t.capture.Stop()
}

// Capture returns the capture loop.
func (t *Transceiver) Capture() *CaptureLoop { return t.capture }

// Selector returns the protocol selector.
func (t *Transceiver) Selector() *Selector { return t.selector }

// SetVolume changes the encode volume and drops any cached encode made at the
// old volume.
func (t *Transceiver) SetVolume(v int) error {
	if err := t.selector.SetVolume(v); err != nil {
		return &Error{Kind: KindInvalidInput, Op: "set_volume", Err: err}
	}
	t.cache.Reset()
	return nil
}

// Transmitting reports whether the output slot is held.
func (t *Transceiver) Transmitting() bool { return t.transmitting.Load() }

// Phase returns the current step of the transmission sequence.
func (t *Transceiver) Phase() Phase { return Phase(t.phase.Load()) }

// EstimateDuration returns how long text takes to play on protocol. The
// encode result is cached for an immediately following [Transceiver.Transmit]
// with the same arguments. It never touches the transmission slot.
func (t *Transceiver) EstimateDuration(ctx context.Context, text string, protocol codec.ProtocolID) (time.Duration, error) {
	if err := codec.ValidatePayload(text); err != nil {
		return 0, wrap("estimate", KindInvalidInput, err)
	}
	if samples, ok := t.cache.Peek(text, protocol); ok {
		return t.duration(len(samples)), nil
	}
	samples, err := t.encode(ctx, text, protocol)
	if err != nil {
		return 0, wrap("estimate", KindEncode, err)
	}
	t.cache.Put(text, protocol, samples)
	return t.duration(len(samples)), nil
}

// Transmit plays text on protocol and returns once the post-settle delay has
// elapsed and capture is unmuted. It returns an error of kind
// [KindAlreadyTransmitting] without side effects when another transmission
// is in flight.
//
// ctx is only consulted before the slot is claimed. Once accepted, a
// transmission runs to completion.
func (t *Transceiver) Transmit(ctx context.Context, text string, protocol codec.ProtocolID) (Report, error) {
	return t.transmit(ctx, text, protocol, nil)
}

func (t *Transceiver) transmit(ctx context.Context, text string, protocol codec.ProtocolID, onStart func()) (Report, error) {
	if err := t.claim(ctx, text); err != nil {
		return Report{}, err
	}
	return t.complete(ctx, text, protocol, onStart)
}

// claim takes the output slot or reports why it cannot. Invalid payloads
// are rejected first so they never hold the slot or wake the output device.
func (t *Transceiver) claim(ctx context.Context, text string) error {
	if err := codec.ValidatePayload(text); err != nil {
		return wrap("transmit", KindInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.transmitting.CompareAndSwap(false, true) {
		t.metrics.RecordTransmission(ctx, "rejected")
		return &Error{Kind: KindAlreadyTransmitting, Op: "transmit", Err: ErrAlreadyTransmitting}
	}
	return nil
}

// complete runs a claimed transmission and always releases the slot.
func (t *Transceiver) complete(ctx context.Context, text string, protocol codec.ProtocolID, onStart func()) (Report, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := observe.StartSpan(ctx, "transceiver.transmit",
		trace.WithAttributes(
			attribute.Int("protocol", int(protocol)),
			attribute.Int("bytes", len(text)),
		))
	defer span.End()

	report, err := t.run(ctx, text, protocol, onStart)
	t.capture.Unmute()
	t.phase.Store(int32(PhaseIdle))
	t.transmitting.Store(false)

	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		t.metrics.RecordTransmission(ctx, "error")
		t.metrics.RecordError(ctx, kind.String())
		observe.WithTrace(ctx, t.logger).Warn("transmit failed", "err", err, "kind", kind)
		return Report{}, err
	}

	t.metrics.RecordTransmission(ctx, "ok")
	observe.WithTrace(ctx, t.logger).Info("transmit complete",
		"protocol", report.Protocol.Label,
		"duration", report.Duration,
		"cache_hit", report.CacheHit)
	return report, nil
}

// run performs the accepted part of a transmission. The caller restores the
// idle state.
func (t *Transceiver) run(ctx context.Context, text string, protocol codec.ProtocolID, onStart func()) (Report, error) {
	if err := t.playback.Resume(ctx); err != nil {
		return Report{}, wrap("transmit.resume", KindPlayback, err)
	}

	samples, hit := t.cache.Take(text, protocol)
	t.metrics.RecordCacheLookup(ctx, hit)
	if !hit {
		var err error
		samples, err = t.encode(ctx, text, protocol)
		if err != nil {
			return Report{}, wrap("transmit.encode", KindEncode, err)
		}
	}

	p, _ := codec.Lookup(protocol)
	report := Report{
		Protocol: p,
		Samples:  len(samples),
		Duration: t.duration(len(samples)),
		CacheHit: hit,
	}

	t.phase.Store(int32(PhaseMuting))
	t.capture.Mute()

	t.phase.Store(int32(PhaseSettlingPre))
	<-t.clock.After(PreSettle)

	out := make([]float32, len(samples))
	report.Clipped = audio.ApplyGain(out, samples, t.outputGain)
	t.logger.Debug("output gain applied",
		"peak", peak(samples),
		"peak_after_gain", peak(out),
		"gain", t.outputGain,
		"clipped", report.Clipped)

	t.phase.Store(int32(PhasePlaying))
	pb, err := t.playback.Play(ctx, out, t.codec.SampleRate())
	if err != nil {
		return Report{}, wrap("transmit.play", KindPlayback, err)
	}
	if onStart != nil {
		onStart()
	}
	t.logger.Debug("playback started", "duration", report.Duration)
	<-pb.Done()
	if err := pb.Err(); err != nil {
		return Report{}, wrap("transmit.play", KindPlayback, err)
	}

	t.phase.Store(int32(PhaseDraining))
	t.logger.Debug("playback ended, settling before unmute", "delay", PostSettle)
	t.phase.Store(int32(PhaseSettlingPost))
	<-t.clock.After(PostSettle)
	return report, nil
}

func (t *Transceiver) encode(ctx context.Context, text string, protocol codec.ProtocolID) ([]float32, error) {
	start := time.Now()
	samples, err := t.codec.Encode(text, protocol, t.selector.Volume())
	t.metrics.EncodeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	t.logger.Debug("encoded",
		"samples", len(samples),
		"sample_rate", t.codec.SampleRate(),
		"duration", t.duration(len(samples)),
		"peak", peak(samples))
	return samples, nil
}

func (t *Transceiver) duration(samples int) time.Duration {
	rate := t.codec.SampleRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

func peak(samples []float32) float64 {
	var p float64
	for _, s := range samples {
		p = math.Max(p, math.Abs(float64(s)))
	}
	return p
}
