package transceiver

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/klesis/klesis/internal/observe"
	"github.com/klesis/klesis/pkg/audio"
	audiomock "github.com/klesis/klesis/pkg/audio/mock"
	"github.com/klesis/klesis/pkg/codec"
	codecmock "github.com/klesis/klesis/pkg/codec/mock"
)

const testRate = 48000

// ── Helpers ───────────────────────────────────────────────────────────────────

type rig struct {
	tx   *Transceiver
	inst *codecmock.Instance
	mic  *audiomock.Capture
	spk  *audiomock.Playback
	clk  *clockwork.FakeClock
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	inst := &codecmock.Instance{}
	h, err := codec.Open(context.Background(), &codecmock.Engine{Instance: inst}, codec.Config{SampleRate: testRate})
	if err != nil {
		t.Fatalf("codec.Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	r := &rig{
		inst: inst,
		mic:  &audiomock.Capture{},
		spk:  &audiomock.Playback{},
		clk:  clockwork.NewFakeClock(),
	}
	r.tx, err = New(h, r.mic, r.spk, cfg,
		WithClock(r.clk),
		WithMetrics(m),
		WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type result struct {
	report Report
	err    error
}

func (r *rig) transmitAsync(text string, p codec.ProtocolID) <-chan result {
	ch := make(chan result, 1)
	go func() {
		report, err := r.tx.Transmit(context.Background(), text, p)
		ch <- result{report, err}
	}()
	return ch
}

// waitTimer blocks until the transceiver is waiting on a settle delay.
func (r *rig) waitTimer(t *testing.T) {
	t.Helper()
	if err := r.clk.BlockUntilContext(testContext(t), 1); err != nil {
		t.Fatalf("waiting for settle timer: %v", err)
	}
}

// runTransmit drives a full transmission against an auto-finishing speaker.
func (r *rig) runTransmit(t *testing.T, text string, p codec.ProtocolID) (Report, error) {
	t.Helper()
	r.spk.AutoFinish = true
	ch := r.transmitAsync(text, p)
	r.waitTimer(t)
	r.clk.Advance(PreSettle)
	r.waitTimer(t)
	r.clk.Advance(PostSettle)
	res := <-ch
	return res.report, res.err
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("transmit did not return")
		return result{}
	}
}

// ── Transmit ──────────────────────────────────────────────────────────────────

func TestTransmit_HalfDuplexSequence(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	var (
		mu       sync.Mutex
		observed []bool
	)
	record := func() {
		mu.Lock()
		observed = append(observed, r.tx.Capture().Muted())
		mu.Unlock()
	}
	r.spk.OnPlay = func(audiomock.PlayCall) { record() }

	ch := r.transmitAsync("hi", codec.AudibleNormal)

	r.waitTimer(t)
	record()
	if got := r.tx.Phase(); got != PhaseSettlingPre {
		t.Errorf("phase = %s, want settling_pre", got)
	}
	r.clk.Advance(PreSettle - time.Millisecond)
	if n := len(r.spk.Calls()); n != 0 {
		t.Fatalf("playback started %d times before pre-settle elapsed", n)
	}
	r.clk.Advance(time.Millisecond)

	h, err := r.spk.NextPlay(testContext(t))
	if err != nil {
		t.Fatalf("NextPlay: %v", err)
	}
	if got := r.tx.Phase(); got != PhasePlaying {
		t.Errorf("phase = %s, want playing", got)
	}
	h.Finish(nil)

	r.waitTimer(t)
	if !r.tx.Capture().Muted() {
		t.Fatal("unmuted before post-settle")
	}
	r.clk.Advance(PostSettle - time.Millisecond)
	if !r.tx.Capture().Muted() {
		t.Fatal("unmuted before post-settle elapsed")
	}
	r.clk.Advance(time.Millisecond)

	res := await(t, ch)
	if res.err != nil {
		t.Fatalf("Transmit: %v", res.err)
	}
	record()

	want := []bool{true, true, false}
	if len(observed) != len(want) {
		t.Fatalf("mute sequence = %v, want %v", observed, want)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("mute sequence = %v, want %v", observed, want)
		}
	}
	if r.tx.Transmitting() {
		t.Error("Transmitting() = true after completion")
	}
	if got := r.tx.Phase(); got != PhaseIdle {
		t.Errorf("phase = %s, want idle", got)
	}
	if got := r.spk.ResumeCount; got != 1 {
		t.Errorf("Resume calls = %d, want 1", got)
	}

	calls := r.spk.Calls()
	if len(calls) != 1 || calls[0].SampleRate != testRate {
		t.Fatalf("play calls = %+v", calls)
	}
	wantSamples := (len("hi") + 1) * codecmock.FramesPerByte(codec.AudibleNormal)
	if res.report.Samples != wantSamples {
		t.Errorf("report.Samples = %d, want %d", res.report.Samples, wantSamples)
	}
	if res.report.Protocol.ID != codec.AudibleNormal {
		t.Errorf("report.Protocol = %v", res.report.Protocol.ID)
	}
}

func TestTransmit_EstimateThenTransmitEncodesOnce(t *testing.T) {
	t.Parallel()
	for _, p := range codec.Protocols() {
		t.Run(p.Label, func(t *testing.T) {
			t.Parallel()
			r := newRig(t, Config{})

			d, err := r.tx.EstimateDuration(context.Background(), "hello", p.ID)
			if err != nil {
				t.Fatalf("EstimateDuration: %v", err)
			}
			samples := (len("hello") + 1) * codecmock.FramesPerByte(p.ID)
			if want := time.Duration(samples) * time.Second / testRate; d != want {
				t.Errorf("estimate = %v, want %v", d, want)
			}

			report, err := r.runTransmit(t, "hello", p.ID)
			if err != nil {
				t.Fatalf("Transmit: %v", err)
			}
			if !report.CacheHit {
				t.Error("report.CacheHit = false, want true")
			}
			if n := r.inst.EncodeCount(); n != 1 {
				t.Errorf("encode calls = %d, want 1", n)
			}
		})
	}
}

func TestTransmit_CacheIsSingleUse(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	if _, err := r.tx.EstimateDuration(context.Background(), "again", 0); err != nil {
		t.Fatal(err)
	}
	// A repeated estimate reuses the slot.
	if _, err := r.tx.EstimateDuration(context.Background(), "again", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := r.runTransmit(t, "again", 0); err != nil {
		t.Fatal(err)
	}
	report, err := r.runTransmit(t, "again", 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.CacheHit {
		t.Error("second transmit hit the cache")
	}
	if n := r.inst.EncodeCount(); n != 2 {
		t.Errorf("encode calls = %d, want 2", n)
	}
}

func TestTransmit_RejectsConcurrent(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	ch := r.transmitAsync("first", 0)
	r.waitTimer(t)

	_, err := r.tx.Transmit(context.Background(), "second", 0)
	if !errors.Is(err, ErrAlreadyTransmitting) {
		t.Fatalf("err = %v, want ErrAlreadyTransmitting", err)
	}
	if got := KindOf(err); got != KindAlreadyTransmitting {
		t.Errorf("KindOf = %s, want AlreadyTransmitting", got)
	}
	if !r.tx.Transmitting() || !r.tx.Capture().Muted() {
		t.Error("rejected transmit changed transmission or mute state")
	}
	if n := r.inst.EncodeCount(); n != 1 {
		t.Errorf("encode calls = %d, want 1", n)
	}

	r.clk.Advance(PreSettle)
	h, err := r.spk.NextPlay(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	h.Finish(nil)
	r.waitTimer(t)
	r.clk.Advance(PostSettle)
	if res := await(t, ch); res.err != nil {
		t.Fatalf("first transmit: %v", res.err)
	}
	if n := len(r.spk.Calls()); n != 1 {
		t.Errorf("play calls = %d, want 1", n)
	}
}

func TestTransmit_OversizePayload(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	text := strings.Repeat("a", codec.MaxPayloadBytes+1)

	if _, err := r.tx.EstimateDuration(context.Background(), text, 0); !errors.Is(err, codec.ErrPayloadTooLarge) {
		t.Errorf("estimate err = %v, want ErrPayloadTooLarge", err)
	}
	_, err := r.tx.Transmit(context.Background(), text, 0)
	if !errors.Is(err, codec.ErrPayloadTooLarge) {
		t.Fatalf("transmit err = %v, want ErrPayloadTooLarge", err)
	}
	if got := KindOf(err); got != KindInvalidInput {
		t.Errorf("KindOf = %s, want InvalidInput", got)
	}
	if n := r.inst.EncodeCount(); n != 0 {
		t.Errorf("encode calls = %d, want 0", n)
	}
	if r.tx.Transmitting() || r.tx.Capture().Muted() {
		t.Error("failed transmit left state dirty")
	}
	if r.spk.ResumeCount != 0 {
		t.Errorf("Resume calls = %d, want 0", r.spk.ResumeCount)
	}
}

func TestTransmit_OversizeDuringTransmission(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	ch := r.transmitAsync("first", 0)
	r.waitTimer(t)

	// Validation happens before the slot check, so the caller learns the
	// real problem with its input rather than "busy".
	err := r.tx.TransmitAsync(context.Background(), strings.Repeat("a", codec.MaxPayloadBytes+1), 0, Callbacks{
		OnError: func(error) { t.Error("OnError fired for a rejected request") },
	})
	if got := KindOf(err); got != KindInvalidInput {
		t.Fatalf("KindOf = %s (%v), want InvalidInput", got, err)
	}

	r.clk.Advance(PreSettle)
	h, err := r.spk.NextPlay(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	h.Finish(nil)
	r.waitTimer(t)
	r.clk.Advance(PostSettle)
	if res := await(t, ch); res.err != nil {
		t.Fatalf("first transmit: %v", res.err)
	}
	if n := r.inst.EncodeCount(); n != 1 {
		t.Errorf("encode calls = %d, want 1", n)
	}
}

func TestTransmit_FailuresRestoreState(t *testing.T) {
	t.Parallel()

	t.Run("encode error", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, Config{})
		r.inst.EncodeErr = errors.New("engine fault")

		_, err := r.tx.Transmit(context.Background(), "hi", 0)
		if got := KindOf(err); got != KindEncode {
			t.Fatalf("KindOf(%v) = %s, want EncodeError", err, got)
		}
		if r.tx.Transmitting() || r.tx.Capture().Muted() {
			t.Error("state not restored")
		}
		if n := len(r.spk.Calls()); n != 0 {
			t.Errorf("play calls = %d, want 0", n)
		}
	})

	t.Run("resume refused", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, Config{})
		r.spk.ResumeErr = audio.ErrDeviceSuspended

		_, err := r.tx.Transmit(context.Background(), "hi", 0)
		if got := KindOf(err); got != KindPlayback {
			t.Fatalf("KindOf(%v) = %s, want PlaybackError", err, got)
		}
		if r.tx.Transmitting() || r.tx.Capture().Muted() {
			t.Error("state not restored")
		}
		if n := r.inst.EncodeCount(); n != 0 {
			t.Errorf("encode calls = %d, want 0", n)
		}
	})

	t.Run("play refused", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, Config{})
		r.spk.PlayErr = errors.New("device busy")

		ch := r.transmitAsync("hi", 0)
		r.waitTimer(t)
		r.clk.Advance(PreSettle)
		res := await(t, ch)
		if got := KindOf(res.err); got != KindPlayback {
			t.Fatalf("KindOf(%v) = %s, want PlaybackError", res.err, got)
		}
		if r.tx.Transmitting() || r.tx.Capture().Muted() {
			t.Error("state not restored")
		}
	})

	t.Run("playback fails midway", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, Config{})

		ch := r.transmitAsync("hi", 0)
		r.waitTimer(t)
		r.clk.Advance(PreSettle)
		h, err := r.spk.NextPlay(testContext(t))
		if err != nil {
			t.Fatal(err)
		}
		h.Finish(errors.New("underrun"))

		// Unmute happens immediately, without the post-settle delay.
		res := await(t, ch)
		if got := KindOf(res.err); got != KindPlayback {
			t.Fatalf("KindOf(%v) = %s, want PlaybackError", res.err, got)
		}
		if r.tx.Transmitting() || r.tx.Capture().Muted() {
			t.Error("state not restored")
		}
	})

	t.Run("recovers for next send", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, Config{})
		r.inst.EncodeErr = errors.New("engine fault")
		if _, err := r.tx.Transmit(context.Background(), "hi", 0); err == nil {
			t.Fatal("expected error")
		}
		r.inst.EncodeErr = nil
		if _, err := r.runTransmit(t, "hi", 0); err != nil {
			t.Fatalf("second transmit: %v", err)
		}
	})
}

func TestTransmit_CancelledBeforeAccept(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.tx.Transmit(ctx, "hi", 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if r.tx.Transmitting() || r.spk.ResumeCount != 0 {
		t.Error("cancelled transmit touched state")
	}
}

func TestTransmit_GainAppliedToCopy(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{OutputGain: 1.5})

	if _, err := r.tx.EstimateDuration(context.Background(), "A", 0); err != nil {
		t.Fatal(err)
	}
	cached, ok := r.tx.cache.Peek("A", 0)
	if !ok {
		t.Fatal("estimate did not populate the cache")
	}
	before := append([]float32(nil), cached...)

	if _, err := r.runTransmit(t, "A", 0); err != nil {
		t.Fatal(err)
	}
	played := r.spk.Calls()[0].Samples
	for i := range 6 {
		want := before[i] * 1.5
		want = float32(math.Max(-1, math.Min(1, float64(want))))
		if played[i] != want {
			t.Errorf("played[%d] = %v, want %v", i, played[i], want)
		}
		if cached[i] != before[i] {
			t.Errorf("cached[%d] mutated to %v", i, cached[i])
		}
	}
}

func TestTransmit_VolumeChangeDropsCache(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	if _, err := r.tx.EstimateDuration(context.Background(), "vol", 0); err != nil {
		t.Fatal(err)
	}
	if err := r.tx.SetVolume(40); err != nil {
		t.Fatal(err)
	}
	if _, err := r.runTransmit(t, "vol", 0); err != nil {
		t.Fatal(err)
	}
	calls := r.inst.EncodeCalls
	if len(calls) != 2 {
		t.Fatalf("encode calls = %d, want 2", len(calls))
	}
	if calls[1].Volume != 40 {
		t.Errorf("volume = %d, want 40", calls[1].Volume)
	}
	if err := r.tx.SetVolume(0); KindOf(err) != KindInvalidInput {
		t.Errorf("SetVolume(0) err = %v, want InvalidInput", err)
	}
}

func TestTransmitAsync_Callbacks(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	r.spk.AutoFinish = true

	var (
		mu         sync.Mutex
		events     []string
		mutedAtEnd = true
	)
	done := make(chan struct{})
	err := r.tx.TransmitAsync(context.Background(), "cb", 0, Callbacks{
		OnStart: func() {
			mu.Lock()
			events = append(events, "start")
			mu.Unlock()
		},
		OnEnd: func(Report) {
			mu.Lock()
			events = append(events, "end")
			mutedAtEnd = r.tx.Capture().Muted()
			mu.Unlock()
			close(done)
		},
		OnError: func(err error) {
			t.Errorf("OnError: %v", err)
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("TransmitAsync: %v", err)
	}

	// The slot is claimed before TransmitAsync returns.
	if err := r.tx.TransmitAsync(context.Background(), "x", 0, Callbacks{}); !errors.Is(err, ErrAlreadyTransmitting) {
		t.Fatalf("second TransmitAsync err = %v, want ErrAlreadyTransmitting", err)
	}

	r.waitTimer(t)
	r.clk.Advance(PreSettle)
	r.waitTimer(t)
	r.clk.Advance(PostSettle)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(events, ",") != "start,end" {
		t.Errorf("events = %v, want [start end]", events)
	}
	if mutedAtEnd {
		t.Error("OnEnd fired while capture muted")
	}
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	h, err := codec.Open(context.Background(), &codecmock.Engine{}, codec.Config{SampleRate: testRate})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "gain above max", cfg: Config{OutputGain: MaxOutputGain * 1.5}},
		{name: "negative gain", cfg: Config{OutputGain: -1}},
		{name: "bad fft size", cfg: Config{FFTSize: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(h, &audiomock.Capture{}, &audiomock.Playback{}, tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := New(nil, &audiomock.Capture{}, &audiomock.Playback{}, Config{}); err == nil {
		t.Error("expected error for nil codec")
	}
}

// ── Visual ────────────────────────────────────────────────────────────────────

func TestVisual_States(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	v := r.tx.Visual()
	if v.State != VisualIdle || len(v.Bars) != NumBars {
		t.Fatalf("before start: state = %s, bars = %d", v.State, len(v.Bars))
	}

	if err := r.tx.Start(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if got := r.tx.Visual().State; got != VisualListening {
		t.Errorf("after start = %s, want listening", got)
	}

	r.inst.QueueDecode("ping")
	r.mic.EmitSamples(make([]float32, DefaultBlockSize))
	if got := r.tx.Visual().State; got != VisualDecoding {
		t.Errorf("after message = %s, want decoding", got)
	}
	r.clk.Advance(DecodeFlash)
	if got := r.tx.Visual().State; got != VisualListening {
		t.Errorf("after flash = %s, want listening", got)
	}

	ch := r.transmitAsync("hi", 0)
	r.waitTimer(t)
	if got := r.tx.Visual().State; got != VisualTransmitting {
		t.Errorf("during transmit = %s, want transmitting", got)
	}
	r.clk.Advance(PreSettle)
	h, err := r.spk.NextPlay(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	h.Finish(nil)
	r.waitTimer(t)
	r.clk.Advance(PostSettle)
	if res := await(t, ch); res.err != nil {
		t.Fatal(res.err)
	}

	v = r.tx.Visual()
	if v.State != VisualListening || len(v.Bars) != NumBars {
		t.Errorf("after transmit: state = %s, bars = %d", v.State, len(v.Bars))
	}
	for i, b := range v.Bars {
		if b < 0 || b > 1 {
			t.Errorf("bar[%d] = %v out of range", i, b)
		}
	}
}
