// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice] and [audio.PlaybackDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Capture{}
//	stream, _ := mic.OpenCapture(ctx, cfg, handler)
//	mic.EmitSamples(make([]float32, 4096)) // handler runs synchronously
//
//	spk := &mock.Playback{}
//	pb, _ := spk.Play(ctx, samples, 48000)
//	h, _ := spk.NextPlay(ctx)
//	h.Finish(nil) // closes pb.Done()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/klesis/klesis/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.CaptureDevice]. Blocks are
// injected by the test with [Capture.Emit] or [Capture.EmitSamples].
type Capture struct {
	mu sync.Mutex

	// OpenErr is returned by OpenCapture when non-nil.
	OpenErr error

	// OpenCalls records the config of every OpenCapture invocation.
	OpenCalls []audio.CaptureConfig

	stream *Stream
	seq    uint64
	closed bool
}

// OpenCapture implements [audio.CaptureDevice].
func (c *Capture) OpenCapture(_ context.Context, cfg audio.CaptureConfig, onBlock audio.BlockHandler) (audio.CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, cfg)
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if c.closed {
		return nil, audio.ErrClosed
	}
	c.stream = &Stream{cfg: cfg, handler: onBlock}
	c.seq = 0
	return c.stream, nil
}

// Emit delivers b to the handler of the most recently opened stream and
// reports whether it was delivered. Seq is filled in when zero.
func (c *Capture) Emit(b audio.Block) bool {
	c.mu.Lock()
	s := c.stream
	c.seq++
	if b.Seq == 0 {
		b.Seq = c.seq
	}
	c.mu.Unlock()
	if s == nil {
		return false
	}
	return s.deliver(b)
}

// EmitSamples delivers samples as one block at the stream's sample rate.
func (c *Capture) EmitSamples(samples []float32) bool {
	c.mu.Lock()
	rate := 0
	if c.stream != nil {
		rate = c.stream.cfg.SampleRate
	}
	c.mu.Unlock()
	return c.Emit(audio.Block{Samples: samples, SampleRate: rate})
}

// Stream returns the most recently opened stream, or nil.
func (c *Capture) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Capture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Ensure Capture implements audio.CaptureDevice at compile time.
var _ audio.CaptureDevice = (*Capture)(nil)

// Stream is a mock implementation of [audio.CaptureStream].
type Stream struct {
	cfg     audio.CaptureConfig
	handler audio.BlockHandler

	mu        sync.Mutex
	closed    bool
	closeCall int

	// DroppedResult is returned by Dropped.
	DroppedResult uint64
}

func (s *Stream) deliver(b audio.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.handler(b)
	return true
}

// Close implements [audio.CaptureStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCall++
	s.closed = true
	return nil
}

// Dropped implements [audio.CaptureStream].
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DroppedResult
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns how many times Close was called.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCall
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Playback.Play] invocation.
type PlayCall struct {
	Samples    []float32
	SampleRate int
	At         time.Time
}

// Playback is a mock implementation of [audio.PlaybackDevice].
//
// By default a started playback stays in flight until the test calls
// [PlayHandle.Finish]. Set AutoFinish to complete every playback immediately.
type Playback struct {
	mu sync.Mutex

	// ResumeErr is returned by Resume when non-nil.
	ResumeErr error

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// AutoFinish completes each playback as soon as it starts.
	AutoFinish bool

	// OnPlay, if set, is called synchronously at the start of Play. Tests use
	// it to observe other state at the moment playback begins.
	OnPlay func(PlayCall)

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// ResumeCount is the number of Resume calls.
	ResumeCount int

	// CloseCount is the number of Close calls.
	CloseCount int

	plays chan *PlayHandle
}

func (p *Playback) isClosed() bool { return p.CloseCount > 0 }

func (p *Playback) init() {
	if p.plays == nil {
		p.plays = make(chan *PlayHandle, 64)
	}
}

// Resume implements [audio.PlaybackDevice].
func (p *Playback) Resume(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResumeCount++
	if p.isClosed() {
		return audio.ErrClosed
	}
	return p.ResumeErr
}

// Play implements [audio.PlaybackDevice].
func (p *Playback) Play(_ context.Context, samples []float32, sampleRate int) (audio.Playback, error) {
	call := PlayCall{
		Samples:    append([]float32(nil), samples...),
		SampleRate: sampleRate,
		At:         time.Now(),
	}

	p.mu.Lock()
	p.init()
	onPlay := p.OnPlay
	p.PlayCalls = append(p.PlayCalls, call)
	if p.PlayErr != nil || p.isClosed() {
		err := p.PlayErr
		if err == nil {
			err = audio.ErrClosed
		}
		p.mu.Unlock()
		return nil, err
	}
	h := &PlayHandle{Call: call, done: make(chan struct{})}
	auto := p.AutoFinish
	p.mu.Unlock()

	if onPlay != nil {
		onPlay(call)
	}
	if auto {
		h.Finish(nil)
	}
	select {
	case p.plays <- h:
	default:
	}
	return h, nil
}

// Close implements [audio.PlaybackDevice]. Later Resume and Play calls fail
// with [audio.ErrClosed].
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCount++
	return nil
}

// NextPlay waits for the next started playback.
func (p *Playback) NextPlay(ctx context.Context) (*PlayHandle, error) {
	p.mu.Lock()
	p.init()
	ch := p.plays
	p.mu.Unlock()
	select {
	case h := <-ch:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Calls returns a copy of PlayCalls. Thread-safe.
func (p *Playback) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Ensure Playback implements audio.PlaybackDevice at compile time.
var _ audio.PlaybackDevice = (*Playback)(nil)

// PlayHandle is a mock in-flight playback. It implements [audio.Playback].
type PlayHandle struct {
	Call PlayCall

	once sync.Once
	done chan struct{}
	err  error
}

// Finish completes the playback with err. Subsequent calls are no-ops.
func (h *PlayHandle) Finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done implements [audio.Playback].
func (h *PlayHandle) Done() <-chan struct{} { return h.done }

// Err implements [audio.Playback].
func (h *PlayHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Ensure PlayHandle implements audio.Playback at compile time.
var _ audio.Playback = (*PlayHandle)(nil)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend combines [Capture] and [Playback] into an [audio.Backend].
type Backend struct {
	*Capture
	*Playback

	// DeviceList is returned by Devices.
	DeviceList audio.Devices

	// DevicesErr is returned by Devices when non-nil.
	DevicesErr error
}

// NewBackend returns a Backend over fresh capture and playback mocks.
func NewBackend() *Backend {
	return &Backend{Capture: &Capture{}, Playback: &Playback{}}
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() (audio.Devices, error) {
	if b.Capture.isClosed() {
		return audio.Devices{}, audio.ErrClosed
	}
	return b.DeviceList, b.DevicesErr
}

// Close closes both directions. Later OpenCapture, Resume, Play and Devices
// calls fail with [audio.ErrClosed].
func (b *Backend) Close() error {
	b.Capture.mu.Lock()
	b.Capture.closed = true
	b.Capture.mu.Unlock()
	return b.Playback.Close()
}

// Ensure Backend implements audio.Backend at compile time.
var _ audio.Backend = (*Backend)(nil)
