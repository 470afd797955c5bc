package transceiver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klesis/klesis/internal/observe"
	"github.com/klesis/klesis/pkg/audio"
	"github.com/klesis/klesis/pkg/audio/analyser"
	"github.com/klesis/klesis/pkg/codec"
)

const (
	// logEvery is the block interval of the periodic capture diagnostic.
	logEvery = 50

	// signalEvery is the block interval of the "signal detected" diagnostic.
	signalEvery = 5

	// signalRMS is the level above which a block counts as carrying signal.
	signalRMS = 0.01
)

// CaptureConfig configures a [CaptureLoop].
type CaptureConfig struct {
	// SampleRate must match the codec handle's rate.
	SampleRate int

	// BlockSize is the number of samples per decode call. Default: 4096.
	BlockSize int

	// InputGain scales captured samples before metering and decode.
	// Default: 2.0.
	InputGain float64

	// DeviceID selects the input device. Empty selects the default.
	DeviceID string
}

// CaptureLoop owns the microphone stream and runs every block through the
// decoder. While muted the decoder still runs but its results are discarded.
//
// Blocks are handled synchronously on the stream's delivery goroutine. The
// handler touches only preallocated buffers and never waits on the loop's
// control lock, so Stop can close the stream while a block is in flight.
type CaptureLoop struct {
	device   audio.CaptureDevice
	codec    *codec.Handle
	analyser *analyser.Analyser
	cfg      CaptureConfig
	metrics  *observe.Metrics
	logger   *slog.Logger

	muted atomic.Bool

	mu     sync.Mutex
	stream audio.CaptureStream

	levelMu sync.Mutex
	level   audio.Level

	// Owned by the block handler.
	procMu    sync.Mutex
	onMessage func(string)
	scratch   []float32
	pcm       []byte
	count     uint64
}

// NewCaptureLoop returns a stopped loop. an may be nil when no spectrum is
// needed.
func NewCaptureLoop(device audio.CaptureDevice, h *codec.Handle, an *analyser.Analyser, cfg CaptureConfig, metrics *observe.Metrics, logger *slog.Logger) *CaptureLoop {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.InputGain <= 0 {
		cfg.InputGain = DefaultInputGain
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureLoop{
		device:   device,
		codec:    h,
		analyser: an,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		scratch:  make([]float32, cfg.BlockSize),
		pcm:      make([]byte, 0, cfg.BlockSize*4),
	}
}

// Start opens the input stream with echo cancellation, noise suppression and
// automatic gain control disabled, and delivers each surfaced message to
// onMessage. Start does not retry; a failed start is reported once and a new
// attempt must be made by the caller.
func (l *CaptureLoop) Start(ctx context.Context, onMessage func(text string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream != nil {
		return &Error{Kind: KindCaptureError, Op: "capture.start", Err: errors.New("capture already running")}
	}

	l.procMu.Lock()
	l.onMessage = onMessage
	l.count = 0
	l.procMu.Unlock()

	stream, err := l.device.OpenCapture(ctx, audio.CaptureConfig{
		SampleRate: l.cfg.SampleRate,
		BlockSize:  l.cfg.BlockSize,
		DeviceID:   l.cfg.DeviceID,
	}, l.handleBlock)
	if err != nil {
		err = wrap("capture.start", KindCaptureError, err)
		l.metrics.RecordError(ctx, KindOf(err).String())
		l.logger.Error("capture start failed", "err", err, "kind", KindOf(err))
		return err
	}
	l.stream = stream
	l.logger.Info("capture started",
		"sample_rate", l.cfg.SampleRate,
		"block_size", l.cfg.BlockSize,
		"input_gain", l.cfg.InputGain)
	return nil
}

// Stop releases the input stream. It is idempotent.
func (l *CaptureLoop) Stop() error {
	l.mu.Lock()
	stream := l.stream
	l.stream = nil
	l.mu.Unlock()
	if stream == nil {
		return nil
	}

	err := stream.Close()
	if dropped := stream.Dropped(); dropped > 0 {
		l.metrics.BlocksDropped.Add(context.Background(), int64(dropped))
		l.logger.Warn("capture dropped blocks", "dropped", dropped)
	}
	l.logger.Info("capture stopped")
	if err != nil {
		return wrap("capture.stop", KindCaptureError, err)
	}
	return nil
}

// Running reports whether a stream is open.
func (l *CaptureLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream != nil
}

// Mute suppresses surfaced messages.
func (l *CaptureLoop) Mute() {
	l.muted.Store(true)
	l.logger.Debug("capture muted")
}

// Unmute resumes surfacing messages.
func (l *CaptureLoop) Unmute() {
	l.muted.Store(false)
	l.logger.Debug("capture unmuted")
}

// Muted reports the mute flag.
func (l *CaptureLoop) Muted() bool { return l.muted.Load() }

// Reading returns the level of the most recent block.
func (l *CaptureLoop) Reading() audio.Level {
	l.levelMu.Lock()
	defer l.levelMu.Unlock()
	return l.level
}

// Analyser returns the spectrum analyser fed by the loop, or nil.
func (l *CaptureLoop) Analyser() *analyser.Analyser { return l.analyser }

func (l *CaptureLoop) handleBlock(b audio.Block) {
	l.procMu.Lock()
	defer l.procMu.Unlock()

	l.count++
	n := l.count
	ctx := context.Background()

	if cap(l.scratch) < len(b.Samples) {
		l.scratch = make([]float32, len(b.Samples))
	}
	in := l.scratch[:len(b.Samples)]
	audio.ApplyGain(in, b.Samples, l.cfg.InputGain)

	lvl := audio.Measure(in)
	l.levelMu.Lock()
	l.level = lvl
	l.levelMu.Unlock()

	if l.analyser != nil {
		l.analyser.Write(in)
	}

	if lvl.RMS > signalRMS && n%signalEvery == 0 {
		l.logger.Debug("signal detected", "rms", lvl.RMS, "peak", lvl.Peak)
	}

	l.pcm = audio.Float32Bytes(l.pcm, in)
	start := time.Now()
	text, ok, err := l.codec.Decode(l.pcm)
	l.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds())
	l.metrics.BlocksProcessed.Add(ctx, 1)
	if err != nil {
		l.logger.Debug("decode unavailable", "err", err)
		return
	}

	muted := l.muted.Load()
	if n%logEvery == 1 {
		l.logger.Debug("capture block",
			"chunk", n,
			"muted", muted,
			"rms", lvl.RMS,
			"peak", lvl.Peak,
			"decoded", text)
	}
	if !ok {
		return
	}

	l.logger.Info("decoded message", "text", text, "muted", muted)
	if muted {
		l.metrics.MessagesSuppressed.Add(ctx, 1)
		return
	}
	l.metrics.MessagesReceived.Add(ctx, 1)
	if l.onMessage != nil {
		l.onMessage(text)
	}
}
