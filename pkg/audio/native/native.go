// Package native implements the audio device interfaces on real hardware.
//
// Capture runs through miniaudio (malgo). The device callback copies each
// hardware period into a ring buffer and never blocks; a delivery goroutine
// reads fixed-size blocks out of the ring and calls the block handler. When
// the handler falls behind and the ring is full, the period is dropped and
// counted.
//
// Playback runs through oto. The oto context is process-wide and is created
// on first use at the backend's sample rate.
package native

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/klesis/klesis/pkg/audio"
)

const (
	// ringBlocks is how many blocks of headroom the capture ring holds.
	ringBlocks = 8

	drainPoll = 10 * time.Millisecond
)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLogger sets the logger for device diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithPlaybackDevice records the requested output device. oto always plays
// through the system default output, so a non-empty id only produces a
// warning on first playback.
func WithPlaybackDevice(id string) Option {
	return func(b *Backend) {
		b.playbackID = id
	}
}

// Backend owns the malgo context and the oto context.
type Backend struct {
	sampleRate int
	playbackID string
	logger     *slog.Logger

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	closed bool

	otoMu  sync.Mutex
	otoCtx *oto.Context
}

// New initialises the capture backend. Playback is initialised lazily at
// sampleRate on the first Resume or Play.
func New(sampleRate int, opts ...Option) (*Backend, error) {
	b := &Backend{
		sampleRate: sampleRate,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		b.logger.Debug("malgo", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("native: init context: %w", err)
	}
	b.mctx = mctx
	return b, nil
}

// Close releases the malgo context. Later calls to OpenCapture, Resume and
// Play fail with [audio.ErrClosed]; Close itself is idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.mctx.Uninit()
	b.mctx.Free()
	b.mctx = nil
	return err
}

// context returns the malgo context, or ErrClosed after Close.
func (b *Backend) context() (*malgo.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, audio.ErrClosed
	}
	return b.mctx, nil
}

// Devices enumerates capture and playback devices.
func (b *Backend) Devices() (audio.Devices, error) {
	capture, err := b.list(malgo.Capture)
	if err != nil {
		return audio.Devices{}, fmt.Errorf("native: list capture: %w", err)
	}
	playback, err := b.list(malgo.Playback)
	if err != nil {
		return audio.Devices{}, fmt.Errorf("native: list playback: %w", err)
	}
	return audio.Devices{Capture: capture, Playback: playback}, nil
}

func (b *Backend) list(typ malgo.DeviceType) ([]audio.Info, error) {
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}
	devs, err := mctx.Devices(typ)
	if err != nil {
		return nil, err
	}
	out := make([]audio.Info, 0, len(devs))
	for _, d := range devs {
		out = append(out, audio.Info{
			ID:      d.ID.String(),
			Name:    d.Name(),
			Default: d.IsDefault == 1,
		})
	}
	return out, nil
}

func (b *Backend) findDevice(mctx *malgo.AllocatedContext, typ malgo.DeviceType, id string) (*malgo.DeviceID, error) {
	devs, err := mctx.Devices(typ)
	if err != nil {
		return nil, err
	}
	for i := range devs {
		if devs[i].ID.String() == id {
			return &devs[i].ID, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", audio.ErrDeviceNotFound, id)
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// OpenCapture implements [audio.CaptureDevice].
func (b *Backend) OpenCapture(ctx context.Context, cfg audio.CaptureConfig, onBlock audio.BlockHandler) (audio.CaptureStream, error) {
	if cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("native: invalid capture config rate=%d block=%d", cfg.SampleRate, cfg.BlockSize)
	}
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		b.logger.Warn("native: capture processing requested but not applied",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
			"auto_gain_control", cfg.AutoGainControl)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	if cfg.DeviceID != "" {
		id, err := b.findDevice(mctx, malgo.Capture, cfg.DeviceID)
		if err != nil {
			return nil, err
		}
		devCfg.Capture.DeviceID = id.Pointer()
	}

	blockBytes := cfg.BlockSize * 4
	s := &stream{
		cfg:     cfg,
		onBlock: onBlock,
		ring:    ringbuffer.New(blockBytes * ringBlocks).SetBlocking(true),
		logger:  b.logger,
		done:    make(chan struct{}),
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, fmt.Errorf("native: init capture device: %w", classify(err))
	}
	s.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("native: start capture: %w", classify(err))
	}

	go s.deliver()
	s.stopOnCancel = context.AfterFunc(ctx, func() { _ = s.Close() })

	b.logger.Info("native: capture started",
		"sample_rate", cfg.SampleRate,
		"block_size", cfg.BlockSize,
		"device", cfg.DeviceID)
	return s, nil
}

// classify maps backend failures that mean "access refused" onto
// [audio.ErrPermissionDenied].
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}
	return err
}

type stream struct {
	cfg     audio.CaptureConfig
	onBlock audio.BlockHandler
	ring    *ringbuffer.RingBuffer
	dev     *malgo.Device
	logger  *slog.Logger

	dropped      atomic.Uint64
	stopOnCancel func() bool
	once         sync.Once
	done         chan struct{}
}

// onData runs on the audio thread. It must not block.
func (s *stream) onData(_, in []byte, _ uint32) {
	if s.ring.Free() < len(in) {
		s.dropped.Add(1)
		return
	}
	_, _ = s.ring.Write(in)
}

func (s *stream) deliver() {
	defer close(s.done)
	buf := make([]byte, s.cfg.BlockSize*4)
	samples := make([]float32, s.cfg.BlockSize)
	start := time.Now()
	var seq uint64
	for {
		if _, err := io.ReadFull(s.ring, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn("native: capture read failed", "err", err)
			}
			return
		}
		decoded, err := audio.BytesFloat32(buf)
		if err != nil {
			continue
		}
		copy(samples, decoded)
		seq++
		s.onBlock(audio.Block{
			Samples:    samples,
			SampleRate: s.cfg.SampleRate,
			Seq:        seq,
			Timestamp:  time.Since(start),
		})
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		if s.stopOnCancel != nil {
			s.stopOnCancel()
		}
		if err := s.dev.Stop(); err != nil {
			s.logger.Debug("native: stop capture", "err", err)
		}
		s.dev.Uninit()
		s.ring.CloseWriter()
		<-s.done
		s.logger.Info("native: capture stopped", "dropped", s.dropped.Load())
	})
	return nil
}

func (s *stream) Dropped() uint64 { return s.dropped.Load() }

// ─── Playback ─────────────────────────────────────────────────────────────────

func (b *Backend) otoContext() (*oto.Context, error) {
	if _, err := b.context(); err != nil {
		return nil, err
	}
	b.otoMu.Lock()
	defer b.otoMu.Unlock()
	if b.otoCtx != nil {
		return b.otoCtx, nil
	}
	if b.playbackID != "" {
		b.logger.Warn("native: playback device selection unsupported, using system default", "device", b.playbackID)
	}
	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   b.sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, fmt.Errorf("native: init playback: %w", err)
	}
	<-ready
	b.otoCtx = octx
	return octx, nil
}

// Resume implements [audio.PlaybackDevice].
func (b *Backend) Resume(_ context.Context) error {
	octx, err := b.otoContext()
	if err != nil {
		return fmt.Errorf("%w: %w", audio.ErrDeviceSuspended, err)
	}
	if err := octx.Resume(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrDeviceSuspended, err)
	}
	return nil
}

// Play implements [audio.PlaybackDevice].
func (b *Backend) Play(ctx context.Context, samples []float32, sampleRate int) (audio.Playback, error) {
	octx, err := b.otoContext()
	if err != nil {
		return nil, err
	}
	if err := octx.Err(); err != nil {
		return nil, fmt.Errorf("native: playback context: %w", err)
	}

	pcm := audio.Float32Bytes(nil, audio.Resample(samples, sampleRate, b.sampleRate))
	player := octx.NewPlayer(bytes.NewReader(pcm))
	player.Play()

	pb := &playback{done: make(chan struct{})}
	go pb.wait(ctx, player)
	return pb, nil
}

type playback struct {
	done chan struct{}
	err  error
}

func (p *playback) wait(ctx context.Context, player *oto.Player) {
	defer close(p.done)
	defer player.Close()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			p.err = ctx.Err()
			return
		case <-ticker.C:
		}
	}
	p.err = player.Err()
}

func (p *playback) Done() <-chan struct{} { return p.done }

func (p *playback) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Ensure Backend implements audio.Backend at compile time.
var _ audio.Backend = (*Backend)(nil)
